package timestamp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

func TestEpochSecondsRoundTrip(t *testing.T) {
	ts := FromEpochSeconds(1700000000.25)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 250_000_000, time.UTC), ts)
	assert.Equal(t, 1700000000.25, ToEpochSeconds(ts))

	assert.True(t, FromEpochSeconds(math.NaN()).IsZero())
	assert.True(t, FromEpochSeconds(math.Inf(1)).IsZero())
	assert.Zero(t, ToEpochSeconds(time.Time{}))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{name: "rfc3339", in: "2024-05-01T10:00:00Z", want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "rfc3339 offset", in: "2024-05-01T12:00:00+02:00", want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "nanos truncated", in: "2024-05-01T10:00:00.123456789Z", want: time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)},
		{name: "epoch", in: "1714557600", want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "epoch fractional", in: " 1714557600.5 ", want: time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC)},
		{name: "empty", in: "", wantErr: true},
		{name: "negative", in: "-5", wantErr: true},
		{name: "garbage", in: "yesterday", wantErr: true},
		{name: "inf", in: "+Inf", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseOptional(t *testing.T) {
	got, err := ParseOptional("  ")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseOptional("x")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 1500, time.FixedZone("CEST", 7200))
	assert.Equal(t, "2024-05-01T10:00:00.000001Z", Format(ts))
}

func TestSkew(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Zero(t, Skew(now.Add(4*time.Minute), now, 5*time.Minute, time.Hour))
	assert.Equal(t, 6*time.Minute, Skew(now.Add(6*time.Minute), now, 5*time.Minute, time.Hour))
	assert.Equal(t, -2*time.Hour, Skew(now.Add(-2*time.Hour), now, 5*time.Minute, time.Hour))
	assert.Zero(t, Skew(now.Add(-2*time.Hour), now, 0, 0))
}
