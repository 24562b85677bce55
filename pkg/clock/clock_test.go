package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresTicker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	ticker := c.NewTicker(5 * time.Second)
	c.Advance(4 * time.Second)

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its period elapsed")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case fired := <-ticker.C():
		require.Equal(t, start.Add(5*time.Second), fired)
	default:
		t.Fatal("ticker did not fire after its period elapsed")
	}
}

func TestFakeSince(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	c.Advance(90 * time.Second)
	require.Equal(t, 90*time.Second, c.Since(start))
}

func TestFakeTickerStopIsIdempotent(t *testing.T) {
	c := NewFake(time.Now())
	ticker := c.NewTicker(time.Second)
	require.NotPanics(t, func() {
		ticker.Stop()
		ticker.Stop()
	})
}
