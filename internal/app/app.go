package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bottlebot/internal/ack"
	"bottlebot/internal/announce"
	"bottlebot/internal/config"
	"bottlebot/internal/cycle"
	"bottlebot/internal/eventbus"
	"bottlebot/internal/recorder"
	"bottlebot/internal/runtime/supervisor"
	"bottlebot/internal/status"
	"bottlebot/internal/storage"
	"bottlebot/internal/task/engine"
	kit "bottlebot/internal/transport"
	telegram "bottlebot/internal/transport/telegram/adapter"
	"bottlebot/internal/transport/telegram/router"
	logx "bottlebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	engine  *engine.Service
	watcher *ack.Watcher
	cycle   *cycle.Supervisor
	cmdm    *router.CommandManager
	menu    []kit.BotCommand

	notify notifier

	updates chan kit.Update
}

type options struct {
	adapter kit.Adapter
	http    *http.Client
	notify  notifier
}

type Option func(*options)

// WithAdapter replaces the Telegram adapter built from the config.
func WithAdapter(ad kit.Adapter) Option { return func(o *options) { o.adapter = ad } }

// WithHTTPClient sets the client used for the status and recording endpoints.
func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.http = hc } }

func withNotifier(n notifier) Option { return func(o *options) { o.notify = n } }

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.http == nil {
		o.http = &http.Client{}
	}
	if o.notify == nil {
		o.notify = systemdNotifier{}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// Set the chat target before enabling the chat sink so Apply does not
	// warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(logChatTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("journal enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	eng := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)

	rec := recorder.New(recorder.Config{
		BaseURL: cfg.Recorder.BaseURL,
		Timeout: engCfg.DefaultTimeout,
	}, o.http, eng, root.With(logx.String("comp", "recorder")))

	target := kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
	disp, err := announce.New(announce.Config{
		Target:        target,
		Emoji:         cfg.Ack.Emoji,
		CustomEmojiID: cfg.Ack.CustomEmojiID,
	}, ad, root.With(logx.String("comp", "announce")))
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	expireAfter, err := config.ParseDurationOrDefault("ack.expire_after", cfg.Ack.ExpireAfter, 0)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	w, err := ack.New(ack.Config{Emoji: ackEmoji(cfg), ExpireAfter: expireAfter}, disp, rec, root.With(logx.String("comp", "ack")), bus)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	newPoller, err := pollerFactory(cfg, o.http, root.With(logx.String("comp", "status")), bus)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	var journal cycle.Journal
	if store != nil {
		journal = store
	}
	cyc, err := cycle.New(cycle.Config{ExpireCheck: expireCheckEvery(expireAfter)}, newPoller, disp, w, journal, root.With(logx.String("comp", "cycle")), bus)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  eng,
		watcher: w,
		cycle:   cyc,
		notify:  o.notify,
		updates: make(chan kit.Update, 256),
	}

	a.cmdm = router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, router.Options{})
	a.cmdm.OnReaction(a.onReaction)
	a.menu = a.cmdm.SetRegistry(a.commands())
	return a, nil
}

func pollerFactory(cfg *config.Config, hc *http.Client, log logx.Logger, bus eventbus.Bus) (cycle.PollerFactory, error) {
	sched, err := status.ParseSchedule(cfg.Status.Interval)
	if err != nil {
		return nil, fmt.Errorf("status.interval: %w", err)
	}
	timeout, err := config.ParseDurationOrDefault("status.timeout", cfg.Status.Timeout, 4*time.Second)
	if err != nil {
		return nil, err
	}
	client := status.NewClient(cfg.Status.BaseURL, hc)
	return func(gen uint64) (cycle.Poller, error) {
		p, err := status.NewPoller(status.PollerConfig{Schedule: sched, Timeout: timeout, Generation: gen}, client, log, bus)
		if err != nil {
			return nil, err
		}
		return p, nil
	}, nil
}

func closeOnErr(store storage.Store, err error) error {
	if store != nil {
		_ = store.Close()
	}
	return err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.engine.Start(run)
	if err := a.adapter.Start(run, a.updates); err != nil {
		a.sup.Cancel()
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("telegram.menu.update", func(c context.Context) {
		a.cmdm.UpdateMenu(c, a.menu)
	})
	a.sup.Go("cycle", a.cycle.Run)

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startWatchdog()
	a.notify.Ready()
	a.log.Info("app started")
	return nil
}

// applyConfig applies the live-reloadable sections and reports the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.SetChatTarget(logChatTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
	if r := config.RestartRequired(sections); len(r) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(r, ",")))
	}
}

func (a *App) onReaction(ctx context.Context, r kit.Reaction) {
	out := a.watcher.OnReaction(ctx, r)
	a.log.Debug("reaction handled",
		logx.String("msg", r.Message.Key()),
		logx.String("emoji", r.Emoji),
		logx.Int64("from_id", r.FromID),
		logx.String("outcome", out.String()),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	a.sup.Cancel()

	// Each step gets an upper bound so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// The first fatal error is reported through Err, not as a stop failure.
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); c.Err() != nil {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
