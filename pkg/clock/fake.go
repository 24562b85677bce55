package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of health
// windows, backoff ceilings, and distributor tie-breaks.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward, fires any ticker whose period
// has elapsed at least once, and fires (then forgets) any one-shot
// timer from After whose deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	tickers := append([]*fakeTicker(nil), f.tickers...)

	var pending, due []*fakeTimer
	for _, t := range f.timers {
		if now.Before(t.at) {
			pending = append(pending, t)
		} else {
			due = append(due, t)
		}
	}
	f.timers = pending
	f.mu.Unlock()

	for _, t := range tickers {
		t.maybeFire(now)
	}
	for _, t := range due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

// After returns a channel that receives the current fake time once d
// has elapsed by wall of Advance calls. d <= 0 fires immediately,
// mirroring time.After's behavior for a non-positive duration.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	now := f.now
	if d <= 0 {
		f.mu.Unlock()
		ch <- now
		return ch
	}
	f.timers = append(f.timers, &fakeTimer{at: now.Add(d), ch: ch})
	f.mu.Unlock()
	return ch
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{
		period: d,
		ch:     make(chan time.Time, 1),
		next:   f.Now().Add(d),
	}
	f.mu.Lock()
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

type fakeTicker struct {
	mu      sync.Mutex
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) maybeFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for !now.Before(t.next) {
		select {
		case t.ch <- now:
		default:
		}
		t.next = t.next.Add(t.period)
	}
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}
