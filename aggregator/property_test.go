package aggregator

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/penguintechinc/killkrill-sub000/event"
)

func TestCounterWindowProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sum and count equal arithmetic sum and count", prop.ForAll(
		func(values []float64) bool {
			a, err := New(Deps{Config: Config{ReservoirSize: 16}})
			if err != nil {
				return false
			}
			var sum float64
			for i, v := range values {
				s := Sample{
					EntryID:   fmt.Sprint(i),
					Name:      "reqs",
					Type:      event.MetricCounter,
					Value:     v,
					Timestamp: t0.Add(time.Duration(i) * time.Millisecond),
				}
				if a.Update(s, t0) != nil {
					return false
				}
				sum += v
			}
			results := a.FlushDue(t0.Add(time.Minute))
			if len(values) == 0 {
				return len(results) == 0
			}
			if len(results) != 1 {
				return false
			}
			r := results[0]
			return r.Count == int64(len(values)) &&
				math.Abs(r.Sum-sum) < 1e-6 &&
				r.Min <= r.P50 && r.P50 <= r.Max &&
				r.Exact == (len(values) <= 16)
		},
		gen.SliceOf(gen.Float64Range(-1000, 1000)),
	))

	properties.Property("redelivery never changes the result", prop.ForAll(
		func(values []float64, repeats int) bool {
			once, _ := New(Deps{})
			twice, _ := New(Deps{})
			for i, v := range values {
				s := Sample{EntryID: fmt.Sprint(i), Name: "reqs", Type: event.MetricCounter, Value: v, Timestamp: t0}
				_ = once.Update(s, t0)
				for j := 0; j < repeats; j++ {
					_ = twice.Update(s, t0)
				}
			}
			a := once.FlushDue(t0.Add(time.Minute))
			b := twice.FlushDue(t0.Add(time.Minute))
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i].Count != b[i].Count || a[i].Sum != b[i].Sum {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(50, gen.Float64Range(0, 100)),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
