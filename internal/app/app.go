package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dynbot/internal/bilibili"
	"dynbot/internal/config"
	"dynbot/internal/delivery"
	"dynbot/internal/eventbus"
	"dynbot/internal/poller"
	"dynbot/internal/registry"
	"dynbot/internal/runtime/supervisor"
	"dynbot/internal/storage"
	kit "dynbot/internal/transport"
	telegram "dynbot/internal/transport/telegram/adapter"
	"dynbot/internal/transport/telegram/router"
	logx "dynbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	reg    *registry.Registry
	tokens *registry.Tokens
	client *bilibili.Client
	deliv  *delivery.Service
	poll   *poller.Service

	cmdm *router.CommandManager
	serv *router.Services

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.Timeout(),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; keep Telegram logging off until the
	// target chat is set so Apply does not warn about a missing target.
	logCfg := logConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if chatID := groupLogChat(cfg); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc := storageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	reg, err := registry.Load(loadCtx, store, bus, log.With(logx.String("comp", "registry")))
	cancel()
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}
	tokens := registry.NewTokens(cfg.Tokens.TokenTTL(), log.With(logx.String("comp", "tokens")))

	client := bilibili.New(clientOptions(cfg, log.With(logx.String("comp", "bilibili"))))

	deliv := delivery.New(deliveryConfig(cfg), ad, reg, log.With(logx.String("comp", "delivery")), bus)

	poll := poller.New(pollerConfig(cfg), client, deliv, reg,
		poller.WithLogger(log.With(logx.String("comp", "poller"))),
		poller.WithBus(bus),
	)

	serv := &router.Services{
		Subscribers: reg,
		Tokens:      tokens,
		Poller:      poll,
		Delivery:    deliv,
		Supervisors: router.NewSupervisorRegistry(),
	}
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, serv)
	cmdm.SetAdmins(cfg.Telegram.AdminUsernames)
	botName := strings.TrimSpace(cfg.Telegram.BotName)
	if botName == "" {
		botName = ad.Username()
	}
	cmdm.SetBotName(botName)
	cmdm.SetCommands(router.BuiltinCommands(botName))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		reg:     reg,
		tokens:  tokens,
		client:  client,
		deliv:   deliv,
		poll:    poll,
		cmdm:    cmdm,
		serv:    serv,
		updates: make(chan kit.Update, 256),
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.serv.Supervisors.Set("app", a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject reloads that drop every source; restart to run with none.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if len(a.cfgm.Get().Bilibili.Sources) > 0 && len(cfg.Bilibili.Sources) == 0 {
			return fmt.Errorf("%w: bilibili.sources: reload would remove every source", config.ErrInvalid)
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		a.serv.Supervisors.Set("telegram.adapter", sup)
	}

	// Delivery outlives the app context so Stop can drain queued messages.
	a.deliv.Start(context.WithoutCancel(a.sup.Context()))
	if sup := a.deliv.Supervisor(); sup != nil {
		a.serv.Supervisors.Set("delivery", sup)
	}

	cfg := a.cfgm.Get()
	if err := a.tokens.StartPruning(cfg.Tokens.Schedule()); err != nil {
		return fmt.Errorf("tokens.prune_schedule: %w", err)
	}

	a.sup.GoRestart("poller", a.poll.Run,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithStopOnCleanExit(true),
	)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

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
				logEvent(a.log, e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("sources", len(cfg.Bilibili.Sources)),
		logx.Int("subscribers", a.reg.Count()),
	)
	return nil
}

// logEvent keeps frequent events at debug and surfaces the operational ones.
func logEvent(log logx.Logger, e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeThrottled, eventbus.TypeDeliveryDrop:
		log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
	case eventbus.TypeResumed, eventbus.TypeSubscribed, eventbus.TypeUnsubscribed:
		log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
	default:
		log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the poller, dispatcher and watcher start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The poller must be gone before delivery closes its queues.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("delivery", 5*time.Second, func(c context.Context) error { a.deliv.Stop(c); return nil })
	step("tokens", time.Second, func(context.Context) error { a.tokens.Stop(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
