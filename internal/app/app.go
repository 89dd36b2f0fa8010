// Package app wires configuration, logging, the event bus, persistence and
// the scheduling services into one process with hot-reload support.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"agentsched/internal/breaker"
	"agentsched/internal/config"
	"agentsched/internal/eventbus"
	"agentsched/internal/observability/pprof"
	"agentsched/internal/resource"
	rtsup "agentsched/internal/runtime/supervisor"
	"agentsched/internal/sched"
	croninternal "agentsched/internal/sched/cron"
	"agentsched/internal/storage"
	"agentsched/internal/worker"
	logx "agentsched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store

	res      *resource.Manager
	breakers *breaker.Registry
	sched    *sched.Supervisor
	cron     *croninternal.Service
	pprof    *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	rc, err := mapResourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	res := resource.NewManager(rc, log.With(logx.String("comp", "resource")))

	breakers := breaker.NewRegistry(breaker.Config{})
	bcs, err := mapBreakerConfigs(cfg)
	if err != nil {
		return nil, err
	}
	for name, bc := range bcs {
		breakers.Configure(name, bc)
	}

	schedSvc := sched.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "sched")), bus, res)

	cronSvc := croninternal.New(croninternal.Config{
		Enabled:  cfg.Cron.Enabled,
		Timezone: cfg.Cron.Timezone,
	}, schedSvc, log.With(logx.String("comp", "cron")))
	defs, err := mapCronDefs(cfg)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if err := cronSvc.Add(d); err != nil {
			return nil, err
		}
	}

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		res:      res,
		breakers: breakers,
		sched:    schedSvc,
		cron:     cronSvc,
		pprof:    pprofSvc,
	}, nil
}

// Scheduler exposes the task supervisor so the embedding program can
// register workers and submit tasks.
func (a *App) Scheduler() *sched.Supervisor { return a.sched }

func (a *App) Breakers() *breaker.Registry { return a.breakers }

// Resources exposes the admission manager so workers can poll
// CheckMemory and callers can read load health.
func (a *App) Resources() *resource.Manager { return a.res }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Store() storage.Store { return a.store }

func (a *App) RegisterWorker(w worker.Worker) error { return a.sched.RegisterWorker(w) }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate the full mapping before commit
	// so a bad edit never reaches running services.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(cfg *config.Config) error {
		if _, err := mapResourceConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBreakerConfigs(cfg); err != nil {
			return err
		}
		if _, err := mapCronDefs(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Cron.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("cron.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.sched.Start(a.sup.Context())
	a.cron.Start(a.sup.Context())
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Observe task lifecycle events: debug-log everything, persist terminal
	// outcomes when storage is enabled.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("events.sink", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if a.store == nil || !isTerminalEvent(e.Type) {
					continue
				}
				te, ok := e.Data.(sched.TaskEvent)
				if !ok {
					continue
				}
				wctx, cancel := context.WithTimeout(c, 2*time.Second)
				if err := a.store.AppendRecord(wctx, storage.Record{
					At:         e.Time,
					TaskID:     te.ID,
					Role:       te.Role,
					Worker:     te.Worker,
					Priority:   int(te.Priority),
					Status:     string(te.Status),
					DurationMS: te.Duration.Milliseconds(),
					Error:      te.Error,
				}); err != nil {
					a.log.Warn("history append failed", logx.String("task", te.ID), logx.Any("err", err))
				}
				cancel()
			}
		}
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.sched.Apply(mapSchedulerConfig(cfg))

	// Already validated by the reload validator; errors here are impossible
	// short of a race, so keep the previous setup on any.
	if bcs, err := mapBreakerConfigs(cfg); err == nil {
		for name, bc := range bcs {
			a.breakers.Configure(name, bc)
		}
	}

	if defs, err := mapCronDefs(cfg); err == nil {
		a.cron.Apply(croninternal.Config{Enabled: cfg.Cron.Enabled, Timezone: cfg.Cron.Timezone})
		want := make(map[string]struct{}, len(defs))
		for _, d := range defs {
			want[d.Name] = struct{}{}
			if err := a.cron.Add(d); err != nil {
				a.log.Warn("schedule rejected on reload", logx.String("name", d.Name), logx.Any("err", err))
			}
		}
		for _, name := range a.cron.Names() {
			if _, ok := want[name]; !ok {
				a.cron.Remove(name)
			}
		}
	}

	if ppc, err := mapPprofConfig(cfg); err == nil {
		a.pprof.Reconfigure(ctx, ppc)
	}

	if rc, err := mapResourceConfig(cfg); err == nil {
		a.res.Apply(rc)
	}

	// Sections that require a restart to take effect.
	if prev != nil {
		if prev.Resource.OverflowQueueCapacity != cfg.Resource.OverflowQueueCapacity ||
			prev.Resource.SampleInterval != cfg.Resource.SampleInterval {
			a.log.Warn("resource queue/sampler config changed; restart required for changes to take effect")
		}
		if !reflect.DeepEqual(prev.Storage, cfg.Storage) {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func isTerminalEvent(t string) bool {
	switch t {
	case eventbus.TypeTaskCompleted, eventbus.TypeTaskFailed,
		eventbus.TypeTaskCancelled, eventbus.TypeTaskDelegated:
		return true
	}
	return false
}
