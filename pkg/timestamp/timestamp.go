// Package timestamp converts between time.Time and the wire forms killkrill
// accepts: RFC3339 strings and fractional epoch seconds. Times are kept at
// microsecond precision and in UTC.
package timestamp

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

// FromEpochSeconds converts fractional epoch seconds to a UTC time rounded to
// the microsecond. NaN and infinities give the zero time.
func FromEpochSeconds(ts float64) time.Time {
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}

// ToEpochSeconds is the inverse of FromEpochSeconds. The zero time gives 0.
func ToEpochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

// Parse accepts an RFC3339 string or a decimal number of epoch seconds.
// Epoch values must be positive.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.WrapInvalid(errors.ErrParsingFailed, "timestamp", "Parse", "empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Truncate(time.Microsecond), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) {
		return time.Time{}, errors.WrapInvalid(errors.ErrParsingFailed, "timestamp", "Parse",
			"must be RFC3339 or epoch seconds")
	}
	return FromEpochSeconds(f), nil
}

// ParseOptional is Parse with an empty string mapping to the zero time.
func ParseOptional(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return Parse(s)
}

// Format renders t as RFC3339 with microseconds in UTC.
func Format(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// Skew classifies t against now. It returns a positive duration when t is
// ahead of now by more than maxFuture, a negative one when t is older than
// maxAge, and zero otherwise. Non-positive bounds are not checked.
func Skew(t, now time.Time, maxFuture, maxAge time.Duration) time.Duration {
	if maxFuture > 0 {
		if d := t.Sub(now); d > maxFuture {
			return d
		}
	}
	if maxAge > 0 {
		if d := now.Sub(t); d > maxAge {
			return -d
		}
	}
	return 0
}
