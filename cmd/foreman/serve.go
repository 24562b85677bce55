package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/foreman/internal/controller"
	"github.com/cuemby/foreman/internal/distributor"
	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/internal/health"
	"github.com/cuemby/foreman/internal/journal"
	"github.com/cuemby/foreman/internal/launcher"
	"github.com/cuemby/foreman/internal/protocol"
	"github.com/cuemby/foreman/internal/transport"
	"github.com/cuemby/foreman/internal/workspace"
	"github.com/cuemby/foreman/pkg/clock"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller, distributor, health monitor, and transport loop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the options YAML file")
	serveCmd.Flags().String("worker-command", "true", "Comma-separated argv used to launch worker processes")
	serveCmd.Flags().String("probe", "none", "Readiness probe kind: none, tcp, http, or exec")
	serveCmd.Flags().String("probe-target", "", "Probe target (address for tcp, URL for http, comma-separated argv for exec)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics HTTP server")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	opts, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.WithComponent("serve")
	clk := clock.Real{}

	ws := workspace.New(workspace.Config{BaseDir: opts.WorkspaceRoot}, clk)
	dist := distributor.New(distributor.Config{PerInstanceCap: opts.TaskPerInstanceCap}, clk)
	lnch := launcher.NewLauncher()

	jrnl, err := journal.Open(opts.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	broker := fleet.NewBroker()
	broker.Start()
	defer broker.Stop()

	workerCmd, _ := cmd.Flags().GetString("worker-command")
	cfg := controllerConfig(opts)
	cfg.WorkerCommand = strings.Split(workerCmd, ",")

	ctrl := controller.New(cfg, dist, ws, lnch, jrnl, broker, clk)

	if err := ctrl.Restore(); err != nil {
		return fmt.Errorf("restore fleet state from journal: %w", err)
	}

	probeKind, _ := cmd.Flags().GetString("probe")
	probeTarget, _ := cmd.Flags().GetString("probe-target")
	if factory := probeFactory(probeKind, probeTarget); factory != nil {
		ctrl.SetProbeFactory(factory)
	}

	tr, err := buildTransport(opts, clk)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl.Start(ctx)
	defer ctrl.Close()

	collector := metrics.NewCollector(ws)
	collector.Start()
	defer collector.Stop()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go serveMetrics(metricsAddr, logger)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go forwardEvents(ctx, tr, sub)

	inbound, err := tr.Receive(ctx)
	if err != nil {
		return fmt.Errorf("start transport receive: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info().Str("transport", opts.TransportKind).Msg("foreman serving")

	for {
		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			handleInbound(ctx, ctrl, tr, msg, logger)
		}
	}
}

// controllerConfig maps the loaded options record onto the controller's
// tunables, starting from the spec defaults so any option the record
// doesn't carry (e.g. terminate/cancel grace) keeps its default.
func controllerConfig(opts config.Options) controller.Config {
	cfg := controller.DefaultConfig()
	cfg.FleetMaxInstances = opts.FleetMaxInstances
	cfg.TaskDefaultMaxAttempts = opts.TaskDefaultMaxAttempts
	cfg.TaskPerInstanceCap = opts.TaskPerInstanceCap
	cfg.HealthFreshWindow = opts.HealthFreshWindow
	cfg.HealthStaleWindow = opts.HealthStaleWindow
	cfg.HealthProbeInterval = opts.HealthProbeInterval
	cfg.HealthProbeDeadline = opts.HealthProbeDeadline
	cfg.HealthRecoveryGrace = opts.HealthRecoveryGrace
	cfg.WorkspaceIsolation = fleet.IsoMode(opts.WorkspaceIsolation)
	cfg.WorkspaceRetainOnFailure = opts.WorkspaceRetainOnFailure
	cfg.TagsUniqueness = opts.TagsUniqueness
	return cfg
}

func buildTransport(opts config.Options, clk clock.Clock) (transport.Transport, error) {
	switch opts.TransportKind {
	case "pubsub":
		return transport.NewPubSub(opts.JournalPath+".transport", clk)
	default:
		return transport.NewFileDrop(opts.TransportFileInbox, opts.TransportFileOutbox, opts.TransportFileEvents)
	}
}

// probeFactory builds a controller.ProbeFactory from CLI flags. A kind
// of "none" (the default) leaves instance health judged on heartbeat
// freshness alone (see reconcile.go's classifyHealthLocked).
func probeFactory(kind, target string) controller.ProbeFactory {
	switch kind {
	case "tcp":
		return func(inst *fleet.Instance) health.Checker { return health.NewTCPChecker(target).WithLabel(inst.ID) }
	case "http":
		return func(inst *fleet.Instance) health.Checker { return health.NewHTTPChecker(target).WithLabel(inst.ID) }
	case "exec":
		return func(inst *fleet.Instance) health.Checker {
			return health.NewExecChecker(strings.Split(target, ",")).WithLabel(inst.ID)
		}
	default:
		return nil
	}
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

func forwardEvents(ctx context.Context, tr transport.Transport, sub fleet.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			_ = tr.Publish(ctx, *event)
		}
	}
}

func handleInbound(ctx context.Context, ctrl *controller.Controller, tr transport.Transport, msg transport.Message, logger zerolog.Logger) {
	action, err := protocol.Decode(msg.Line)
	var result *fleet.Result
	if err != nil {
		fe, ok := err.(*fleet.FleetError)
		if !ok {
			fe = fleet.NewError(fleet.ErrInvalidSyntax, "%v", err)
		}
		result = &fleet.Result{
			CorrelationID: msg.ReplyHandle,
			Status:        fleet.StatusError,
			ErrorCode:     fe.Kind,
			Message:       fe.Message,
			Fields:        fe.Fields,
			Timestamp:     time.Now(),
		}
	} else {
		action.CorrelationID = msg.ReplyHandle
		action.Issuer = msg.Issuer
		result = ctrl.Dispatch(ctx, action)
	}
	if err := tr.Reply(ctx, msg.ReplyHandle, protocol.Encode(*result)); err != nil {
		log.WithCorrelationID(logger, msg.ReplyHandle).Warn().Err(err).Msg("reply delivery failed")
	}
}
