package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/contacts"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/httpapi"
	"broadcastd/internal/notifier"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/sender"
	"broadcastd/internal/storage"
	"broadcastd/internal/templates"
	"broadcastd/internal/transport/telegram"
	"broadcastd/pkg/logx"
)

// App wires storage, the dispatch loop and the operator surfaces (HTTP API, telegram).
type App struct {
	cfgPath string
	cfgm    *config.Manager
	log     logx.Logger
	logs    *logx.Service
	bus     *eventbus.MemBus
	store   storage.Store

	book    *contacts.Book
	library *templates.Library
	agg     *broadcast.Aggregator
	orch    *broadcast.Orchestrator
	sim     *sender.Simulated
	limited *sender.Limited
	loop    *dispatch.Loop

	adapter   *telegram.Adapter
	notif     *notifier.Service
	summaries atomic.Bool
	http      *httpapi.Server
	house     *housekeeping

	// built is the config the components were constructed from.
	built *config.Config
	sup   *supervisor.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.NewService(mapLogConfig(cfg), nil)
	cfgm.SetLogger(log.Component("config"))

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(stCfg, log.Component("storage"))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	a, err := build(cfgPath, cfgm, cfg, logs, log, store)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgPath string, cfgm *config.Manager, cfg *config.Config, logs *logx.Service, log logx.Logger, store storage.Store) (*App, error) {
	bus := eventbus.New()

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	simCfg, err := mapSimulatedConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		built:   cfg,
	}
	a.book = contacts.NewBook(store,
		contacts.WithLogger(log.Component("contacts")),
		contacts.WithAuditor(store),
	)
	a.library = templates.NewLibrary(store, log.Component("templates"))
	a.agg = broadcast.NewAggregator(store, bus, log.Component("aggregate"))

	a.sim = sender.NewSimulated(simCfg, cfg.Sender.Seed, log.Component("sender"))
	a.limited = sender.NewLimited(a.sim, cfg.Sender.RatePerSec, cfg.Sender.Burst)
	a.loop = dispatch.New(dcfg, store, a.limited,
		dispatch.WithObserver(a.agg),
		dispatch.WithBus(bus),
		dispatch.WithLogger(log.Component("dispatch")),
	)
	a.orch = broadcast.NewOrchestrator(store, a.book,
		broadcast.WithPublisher(a.loop),
		broadcast.WithCanceller(a.loop),
		broadcast.WithAuditor(store),
		broadcast.WithBus(bus),
		broadcast.WithLogger(log.Component("broadcast")),
	)

	if cfg.Telegram.Token != "" {
		ad, err := telegram.New(mapTelegramConfig(cfg), log.Component("telegram"))
		if err != nil {
			return nil, err
		}
		a.adapter = ad
		logs.SetAlerter(ad)

		cmds := operatorCommands{orch: a.orch, loop: a.loop}
		ad.Handle("status", "dispatch and broadcast counters", cmds.status)
		ad.Handle("recent", "latest broadcasts", cmds.recent)
		ad.Handle("progress", "<id> progress of one broadcast", cmds.progress)
		ad.Handle("cancel", "<id> cancel queued tasks of a broadcast", cmds.cancel)

		a.summaries.Store(cfg.Telegram.Summaries)
		a.notif = notifier.New(notifier.DefaultConfig(), summaryGate{app: a}, bus, log.Component("notifier"))
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		router := httpapi.NewRouter(hcfg, httpapi.Deps{
			Contacts:   a.book,
			Templates:  a.library,
			Broadcasts: a.orch,
			Dispatch:   a.loop,
			Audit:      store,
			Bus:        bus,
			Health:     a.health,
			Log:        log.Component("http"),
		})
		a.http = httpapi.NewServer(hcfg, router, log.Component("http"))
	}

	a.house = newHousekeeping(a.orch.Prune, a.logStats, log.Component("housekeeping"))
	return a, nil
}

// summaryGate drops broadcast summaries while telegram.summaries is off.
type summaryGate struct{ app *App }

func (g summaryGate) SendText(ctx context.Context, text string) error {
	if !g.app.summaries.Load() {
		return nil
	}
	return g.app.adapter.SendText(ctx, text)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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

// HTTPAddr is the bound API address, or "" when the API is disabled or not started.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSimulatedConfig(cfg); err != nil {
			return err
		}
		_, err := keepFinishedFor(cfg)
		return err
	})

	runCtx := a.sup.Context()
	if err := a.loop.Start(runCtx); err != nil {
		return fmt.Errorf("start dispatch loop: %w", err)
	}
	if a.http != nil {
		if err := a.http.Start(runCtx); err != nil {
			return err
		}
	}
	if a.adapter != nil {
		if err := a.adapter.Start(runCtx); err != nil {
			return err
		}
	}
	if a.notif != nil {
		a.sup.Go("notifier", a.notif.Run)
	}
	if err := a.house.Start(runCtx, a.built); err != nil {
		return fmt.Errorf("schedule housekeeping: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
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
			}
		}
	})

	// diff against what the components run with, not whatever the manager holds by now
	last := a.built
	sub := a.cfgm.Subscribe(8)
	if cur := a.cfgm.Get(); cur != nil && cur != last {
		a.applyConfig(last, cur)
		last = cur
	}
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Bool("http", a.http != nil),
		logx.Bool("telegram", a.adapter != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// cancel first so background loops start unwinding immediately
	a.sup.Cancel()

	a.step(ctx, "housekeeping", time.Second, a.house.Stop)
	if a.http != nil {
		a.step(ctx, "http", 3*time.Second, a.http.Stop)
	}
	if a.adapter != nil {
		a.step(ctx, "telegram", 2*time.Second, a.adapter.Stop)
	}
	a.step(ctx, "dispatch", 5*time.Second, func(c context.Context) error {
		err := a.loop.Stop(c)
		if errors.Is(err, dispatch.ErrNotRunning) {
			return nil
		}
		return err
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
	defer cancel()

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
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) health() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.loop.Supervisor(); sup != nil {
		out["dispatch"] = sup.Snapshot()
	}
	if a.http != nil {
		if sup := a.http.Supervisor(); sup != nil {
			out["http"] = sup.Snapshot()
		}
	}
	return out
}

func (a *App) logStats() {
	st := a.loop.Snapshot()
	a.log.Info("dispatch stats",
		logx.Int("pending", st.Pending),
		logx.Int("in_flight", st.InFlight),
		logx.Int64("delivered", int64(st.Delivered)),
		logx.Int64("failed", int64(st.Failed)),
		logx.Int64("events_dropped", int64(a.bus.Dropped())),
	)
}
