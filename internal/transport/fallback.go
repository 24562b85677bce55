package transport

import (
	"context"
	"sync"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/rs/zerolog"
)

// Fallback composes a primary transport with a file-drop fallback.
// Every call checks the primary's readiness first; once a readiness
// check fails, Fallback switches to the fallback transport and keeps
// using it until the primary becomes ready again, so correlation ids
// stay stable across the switch (the fallback never resets state the
// primary already committed).
type Fallback struct {
	primary  Transport
	fallback Transport
	logger   zerolog.Logger

	mu      sync.Mutex
	onPrime bool
}

// NewFallback constructs a Fallback starting on primary.
func NewFallback(primary, fallback Transport) *Fallback {
	return &Fallback{
		primary:  primary,
		fallback: fallback,
		logger:   log.WithComponent("transport.fallback"),
		onPrime:  true,
	}
}

// active returns whichever transport is currently selected, switching
// away from the primary the first time its readiness check fails.
func (f *Fallback) active() Transport {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.onPrime && !f.primary.Ready() {
		f.logger.Warn().Msg("primary transport not ready, switching to fallback")
		f.onPrime = false
	} else if !f.onPrime && f.primary.Ready() {
		f.logger.Info().Msg("primary transport recovered, switching back")
		f.onPrime = true
	}

	if f.onPrime {
		return f.primary
	}
	return f.fallback
}

func (f *Fallback) Receive(ctx context.Context) (<-chan Message, error) {
	return f.active().Receive(ctx)
}

func (f *Fallback) Reply(ctx context.Context, handle, line string) error {
	return f.active().Reply(ctx, handle, line)
}

func (f *Fallback) Publish(ctx context.Context, event fleet.Event) error {
	return f.active().Publish(ctx, event)
}

func (f *Fallback) Ready() bool {
	return f.primary.Ready() || f.fallback.Ready()
}

func (f *Fallback) Close() error {
	primaryErr := f.primary.Close()
	fallbackErr := f.fallback.Close()
	if primaryErr != nil {
		return primaryErr
	}
	return fallbackErr
}
