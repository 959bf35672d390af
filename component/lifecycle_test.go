package component

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRates(t *testing.T) {
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fm := Rates(100, 4000, 5, 10*time.Second, last)
	assert.InDelta(t, 10, fm.MessagesPerSecond, 1e-9)
	assert.InDelta(t, 400, fm.BytesPerSecond, 1e-9)
	assert.InDelta(t, 0.05, fm.ErrorRate, 1e-9)
	assert.Equal(t, last, fm.LastActivity)

	assert.Zero(t, Rates(0, 0, 0, 0, time.Time{}))
}
