package launcher

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/rs/zerolog"
)

// proc tracks one started worker process for processLauncher, the
// default Launcher, which starts one os/exec process per instance. The
// process is not bound to Start's context, so it outlives the launch
// call; start, signal and kill failures are folded into a typed fleet
// error rather than a bare exec.Error.
type proc struct {
	process *os.Process
	done    chan struct{}
}

type processLauncher struct {
	mu     sync.Mutex
	procs  map[string]*proc
	logger zerolog.Logger
}

func newProcessLauncher() *processLauncher {
	return &processLauncher{
		procs:  make(map[string]*proc),
		logger: log.WithComponent("launcher"),
	}
}

func (l *processLauncher) Start(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Command) == 0 {
		return Handle{}, unavailable("launcher: no command specified for instance %s", spec.InstanceID)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkspaceDir
	cmd.Env = append(os.Environ(), spec.Env...)

	if err := cmd.Start(); err != nil {
		return Handle{}, unavailable("launcher: start instance %s: %v", spec.InstanceID, err)
	}

	p := &proc{process: cmd.Process, done: make(chan struct{})}
	l.mu.Lock()
	l.procs[spec.InstanceID] = p
	l.mu.Unlock()

	// A single waiter reaps the process so it never becomes a zombie;
	// Stop observes completion through p.done instead of calling Wait
	// itself, since os.Process.Wait may only be called once.
	go func() {
		cmd.Wait()
		l.mu.Lock()
		delete(l.procs, spec.InstanceID)
		l.mu.Unlock()
		close(p.done)
	}()

	log.WithInstanceID(l.logger, spec.InstanceID).Info().Int("pid", cmd.Process.Pid).Msg("started worker process")
	return Handle{InstanceID: spec.InstanceID, PID: cmd.Process.Pid}, nil
}

func (l *processLauncher) Stop(ctx context.Context, handle Handle, grace time.Duration) error {
	l.mu.Lock()
	p, ok := l.procs[handle.InstanceID]
	l.mu.Unlock()
	if !ok {
		// Already reaped or never started under this launcher instance;
		// Stop is idempotent.
		return nil
	}

	if err := p.process.Signal(syscall.SIGTERM); err != nil {
		return unavailable("launcher: signal instance %s: %v", handle.InstanceID, err)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	select {
	case <-p.done:
		return nil
	case <-deadline.C:
		if err := p.process.Kill(); err != nil {
			return unavailable("launcher: kill instance %s: %v", handle.InstanceID, err)
		}
		return nil
	case <-ctx.Done():
		p.process.Kill()
		return fleetCancelled(handle.InstanceID)
	}
}

func (l *processLauncher) Running(handle Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.procs[handle.InstanceID]
	return ok
}
