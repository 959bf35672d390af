package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestFakeClock_After(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatal("did not fire at deadline")
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeClock_AfterNonPositive(t *testing.T) {
	c := Fake(epoch)
	select {
	case got := <-c.After(0):
		assert.Equal(t, epoch, got)
	default:
		t.Fatal("zero duration must fire immediately")
	}
}

func TestFakeClock_Ticker(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(10 * time.Second)
	defer tk.Stop()

	c.Advance(10 * time.Second)
	<-tk.C

	c.Advance(35 * time.Second)
	<-tk.C
	select {
	case <-tk.C:
		t.Fatal("ticks beyond channel capacity must be dropped")
	default:
	}
	assert.Equal(t, 1, c.PendingCount())

	tk.Stop()
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)
	<-done
}

func TestOrReal(t *testing.T) {
	assert.NotNil(t, OrReal(nil))
	f := Fake(epoch)
	assert.Same(t, f, OrReal(f))
}
