package stream

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
)

func newPropertyMemory(vis time.Duration) (*Memory, *clock.FakeClock) {
	clk := clock.Fake(base)
	m := NewMemory(MemoryDeps{Config: MemoryConfig{Name: "logs.0", VisibilityTimeout: vis}, Clock: clk})
	_ = m.CreateGroup(context.Background(), "g", GroupOptions{})
	return m, clk
}

// TestProperty_EachEntryDeliveredOncePerGroup checks that draining a group in
// arbitrary batch sizes hands out every entry exactly once, in id order.
func TestProperty_EachEntryDeliveredOncePerGroup(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("drain delivers every entry once in order", prop.ForAll(
		func(n int, batch int) bool {
			ctx := context.Background()
			m, _ := newPropertyMemory(time.Hour)
			defer m.Close()

			var appended []ID
			for i := 0; i < n; i++ {
				id, err := m.Append(ctx, logEvent(i))
				if err != nil {
					return false
				}
				appended = append(appended, id)
			}

			var delivered []ID
			for {
				entries, err := m.ReadBatch(ctx, "g", "c", batch, 0)
				if err != nil {
					return false
				}
				if len(entries) == 0 {
					break
				}
				for _, e := range entries {
					if e.Deliveries != 1 {
						return false
					}
					delivered = append(delivered, e.ID)
				}
			}

			if len(delivered) != len(appended) {
				return false
			}
			for i := range delivered {
				if delivered[i] != appended[i] {
					return false
				}
				if i > 0 && !delivered[i-1].Less(delivered[i]) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 200),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

// TestProperty_UnackedEntriesComeBack checks that after the visibility timeout
// exactly the unacknowledged entries are redelivered, each with a higher
// delivery count.
func TestProperty_UnackedEntriesComeBack(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("only unacked entries are redelivered", prop.ForAll(
		func(ackMask []bool) bool {
			ctx := context.Background()
			m, clk := newPropertyMemory(10 * time.Second)
			defer m.Close()

			for i := range ackMask {
				if _, err := m.Append(ctx, logEvent(i)); err != nil {
					return false
				}
			}
			first, err := m.ReadBatch(ctx, "g", "crashed", len(ackMask)+1, 0)
			if err != nil || len(first) != len(ackMask) {
				return false
			}

			unacked := make(map[ID]bool)
			for i, e := range first {
				if ackMask[i] {
					if _, err := m.Ack(ctx, "g", e.ID); err != nil {
						return false
					}
				} else {
					unacked[e.ID] = true
				}
			}

			clk.Advance(10 * time.Second)
			second, err := m.ReadBatch(ctx, "g", "survivor", len(ackMask)+1, 0)
			if err != nil || len(second) != len(unacked) {
				return false
			}
			for _, e := range second {
				if !unacked[e.ID] || e.Deliveries != 2 || e.Consumer != "survivor" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
