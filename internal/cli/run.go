package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/config"
	"github.com/craftswarm/craftswarm/internal/eventlog"
	"github.com/craftswarm/craftswarm/internal/governor"
	"github.com/craftswarm/craftswarm/internal/identity"
	"github.com/craftswarm/craftswarm/internal/persona"
	"github.com/craftswarm/craftswarm/internal/scheduler"
	"github.com/craftswarm/craftswarm/internal/supervisor"
	"github.com/craftswarm/craftswarm/internal/telemetry"
	"github.com/craftswarm/craftswarm/internal/timeline"
)

var runWorkers int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor and keep the worker pool at its target size",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runWorkers > 0 {
			cfg.Supervisor.TargetWorkers = runWorkers
		}
		if logLevel == "" {
			setupLogging(cmd.ErrOrStderr(), cfg.Log.Level)
			// Worker processes inherit the level.
			_ = os.Setenv("CRAFTSWARM_LOG_LEVEL", cfg.Log.Level)
		} else {
			_ = os.Setenv("CRAFTSWARM_LOG_LEVEL", logLevel)
		}
		printHeader(cmd.OutOrStdout(), "🐝 craftswarm supervisor")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runPool(ctx, cfg)
	},
}

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "target pool size (overrides supervisor.targetWorkers)")
}

// pool is everything runPool wires together.
type pool struct {
	bus        *bus.MessageBus
	supervisor *supervisor.Supervisor
	governor   *governor.Governor
	scheduler  *scheduler.Scheduler
	timeline   *timeline.Store
	sinks      []telemetry.Sink
}

func buildPool(ctx context.Context, cfg *config.Config, spawner supervisor.Spawner, sampler governor.Sampler) (*pool, error) {
	p := &pool{bus: bus.NewMessageBus()}

	catalog := persona.Default()
	if cfg.Personas.CatalogPath != "" {
		c, err := persona.Load(cfg.Personas.CatalogPath)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	for _, class := range cfg.Personas.Classes {
		if _, err := catalog.Profile(class); err != nil {
			return nil, fmt.Errorf("personas.classes: %w", err)
		}
	}

	events := eventlog.New(cfg.Supervisor.EventLogCapacity)
	events.AddSink(func(e eventlog.Entry) {
		slog.Debug("Event", "seq", e.Seq, "type", e.Type, "worker", e.WorkerID)
	})

	if cfg.Timeline.Enabled {
		st, err := timeline.Open(cfg.Timeline.DBPath)
		if err != nil {
			return nil, err
		}
		st.Attach(p.bus)
		p.timeline = st
	}
	if cfg.Telemetry.Enabled {
		k, err := telemetry.NewKafkaSink(cfg.Telemetry)
		if err != nil {
			p.close()
			return nil, err
		}
		telemetry.Attach(ctx, p.bus, k)
		p.sinks = append(p.sinks, k)
	}
	if cfg.Telemetry.LogRecords {
		ls := telemetry.LogSink{}
		telemetry.Attach(ctx, p.bus, ls)
		p.sinks = append(p.sinks, ls)
	}

	if spawner == nil {
		es, err := supervisor.NewExecSpawner(cfg.Supervisor.WorkerBinary, cfg.Supervisor.WorkerArgs, p.bus, cfg.Supervisor.ControlQueueSize)
		if err != nil {
			p.close()
			return nil, err
		}
		spawner = es
	}

	p.governor = governor.New(cfg.Governor, sampler, nil).WithBus(p.bus)
	p.supervisor = supervisor.New(cfg, supervisor.Deps{
		Bus:       p.bus,
		Spawner:   spawner,
		Admission: p.governor,
		Personas:  catalog,
		Accounts:  identity.Accounts(cfg.Identity.Accounts),
		Proxies:   identity.Proxies(cfg.Identity.Proxies),
		Events:    events,
		StartGate: scheduler.NewSemaphore(cfg.Scheduler.MaxConcurrentStarts),
	})
	p.governor.WithPool(p.supervisor)

	sched, err := scheduler.New(cfg.Scheduler, cfg.Supervisor.TargetWorkers, cfg.Personas.Classes, p.supervisor, p.governor, p.bus)
	if err != nil {
		p.close()
		return nil, err
	}
	p.scheduler = sched
	return p, nil
}

func (p *pool) close() {
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			slog.Warn("Telemetry sink close failed", "error", err)
		}
	}
	if p.timeline != nil {
		_ = p.timeline.Close()
	}
}

func runPool(ctx context.Context, cfg *config.Config) error {
	lock := scheduler.NewFileLock(cfg.Paths.LockPath)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p, err := buildPool(ctx, cfg, nil, governor.HostSampler{})
	if err != nil {
		return err
	}
	defer p.close()

	slog.Info("Supervisor starting",
		"target", cfg.Supervisor.TargetWorkers,
		"server", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"accounts", len(cfg.Identity.Accounts),
		"proxies", len(cfg.Identity.Proxies))

	var wg sync.WaitGroup
	loopDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		loopDone <- p.supervisor.Run(ctx)
	}()
	goRun(ctx, &wg, "bus", p.bus.DispatchOutbound)
	goRun(ctx, &wg, "governor", p.governor.Run)
	if p.timeline != nil {
		goRun(ctx, &wg, "timeline", func(ctx context.Context) error {
			return pruneLoop(ctx, p.timeline, cfg.Session.Retention)
		})
	}

	if cfg.Scheduler.Enabled {
		goRun(ctx, &wg, "scheduler", p.scheduler.Run)
	} else if _, err := p.scheduler.Admit(ctx, cfg.Supervisor.TargetWorkers); err != nil {
		slog.Warn("Initial admission failed", "error", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case runErr = <-loopDone:
		slog.Error("Supervisor loop exited", "error", runErr)
	}
	cancel()
	wg.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func goRun(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Component stopped", "component", name, "error", err)
		}
	}()
}

// pruneLoop drops timeline rows older than retention once an hour.
func pruneLoop(ctx context.Context, st *timeline.Store, retention time.Duration) error {
	if retention <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if n, err := st.Prune(time.Now().Add(-retention)); err != nil {
			slog.Warn("Timeline prune failed", "error", err)
		} else if n > 0 {
			slog.Debug("Timeline pruned", "rows", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
