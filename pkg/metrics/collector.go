package metrics

import (
	"time"

	"github.com/cuemby/foreman/internal/workspace"
)

// Collector periodically samples collaborators whose counts the
// reconciliation loop doesn't already report on every tick (see
// internal/controller/reconcile.go's reportGaugesLocked for
// instances/tasks). Workspace count changes on acquire/release, which
// can happen between reconciliation ticks, so it gets its own ticker.
type Collector struct {
	workspaces *workspace.Manager
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(ws *workspace.Manager) *Collector {
	return &Collector{
		workspaces: ws,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	WorkspacesTotal.Set(float64(c.workspaces.Count()))
}
