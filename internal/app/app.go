package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ZUA228132/wishlist-app/internal/broadcast"
	"github.com/ZUA228132/wishlist-app/internal/config"
	"github.com/ZUA228132/wishlist-app/internal/eventbus"
	"github.com/ZUA228132/wishlist-app/internal/fanout"
	"github.com/ZUA228132/wishlist-app/internal/raffle"
	"github.com/ZUA228132/wishlist-app/internal/referral"
	"github.com/ZUA228132/wishlist-app/internal/runtime/supervisor"
	"github.com/ZUA228132/wishlist-app/internal/santa"
	"github.com/ZUA228132/wishlist-app/internal/store"
	"github.com/ZUA228132/wishlist-app/internal/transport"
	telegram "github.com/ZUA228132/wishlist-app/internal/transport/telegram"
	"github.com/ZUA228132/wishlist-app/internal/wishlist"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   store.Store
	adapter transport.Adapter

	wishes     *wishlist.Manager
	groups     *santa.Manager
	referrals  *referral.Manager
	broadcasts *broadcast.Service
	raffle     *raffle.Service

	handler *Handler

	updates chan transport.Update
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

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	fc, err := mapFanoutConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := fanout.New(fc, ad, log.With(logx.String("comp", "fanout")))

	wishes := wishlist.NewManager(st, log.With(logx.String("comp", "wishlist")))
	groups := santa.NewManager(st, dispatcher, log.With(logx.String("comp", "santa")))
	referrals := referral.NewManager(st, log.With(logx.String("comp", "referral")))

	bc, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	broadcasts := broadcast.New(bc, st, dispatcher, ad, log.With(logx.String("comp", "broadcast")))

	raffleSvc := raffle.New(mapRaffleConfig(cfg), broadcasts, log.With(logx.String("comp", "raffle")))

	bus := eventbus.New()

	handler := NewHandler(HandlerDeps{
		Store:      st,
		Wishes:     wishes,
		Groups:     groups,
		Referrals:  referrals,
		Broadcasts: broadcasts,
		Notifier:   ad,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "events")),
		WebAppURL:  cfg.Telegram.WebAppURL,
	}, cfg.Telegram.AdminUserIDs)

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      st,
		adapter:    ad,
		wishes:     wishes,
		groups:     groups,
		referrals:  referrals,
		broadcasts: broadcasts,
		raffle:     raffleSvc,
		handler:    handler,
		updates:    make(chan transport.Update, 256),
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.broadcasts.Start(a.sup.Context())
	if err := a.raffle.Start(); err != nil {
		return err
	}

	a.sup.Go("events.dispatch", func(c context.Context) error {
		return a.handler.DispatchLoop(c, a.updates)
	})

	// Debug trace of domain events (components can also subscribe themselves).
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	// hot reload config fan-out
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		// These components read their config at construction time only.
		if s == "store" || s == "fanout" || s == "broadcast" || s == "raffle" || s == "telegram" {
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	// apply logging updates live
	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	// admin set used by the broadcast/stats policy checks
	a.handler.SetAdmins(newCfg.Telegram.AdminUserIDs)
	a.handler.SetWebAppURL(newCfg.Telegram.WebAppURL)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

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
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("raffle", 1*time.Second, func(context.Context) error { a.raffle.Stop(); return nil })
	step("broadcast", 2*time.Second, func(c context.Context) error { a.broadcasts.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("store", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, dispatcher).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFanoutConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if cfg.Raffle != nil && strings.TrimSpace(cfg.Raffle.Schedule) != "" {
		if _, err := cron.ParseStandard(cfg.Raffle.Schedule); err != nil {
			return fmt.Errorf("raffle.schedule: %w", err)
		}
	}
	return nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 0)
	if err != nil {
		return store.Config{}, err
	}
	driver := strings.TrimSpace(cfg.Store.Driver)
	if driver == "" {
		driver = "file"
	}
	return store.Config{
		Driver:      driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
	}, nil
}

func mapFanoutConfig(cfg *config.Config) (fanout.Config, error) {
	fc := fanout.Config{}
	if cfg.Fanout == nil {
		return fc, nil
	}
	if cfg.Fanout.RatePerSec < 0 {
		return fc, fmt.Errorf("fanout.rate_per_sec must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("fanout.send_timeout", cfg.Fanout.SendTimeout, 0)
	if err != nil {
		return fc, err
	}
	fc.RatePerSec = cfg.Fanout.RatePerSec
	fc.SendTimeout = timeout
	fc.ProgressEvery = cfg.Fanout.ProgressEvery
	fc.ProgressMinBatch = cfg.Fanout.ProgressMinBatch
	return fc, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	bc := broadcast.Config{}
	if cfg.Broadcast == nil {
		return bc, nil
	}
	if cfg.Broadcast.QueueSize < 0 {
		return bc, fmt.Errorf("broadcast.queue_size must be >= 0")
	}
	ttl, err := config.ParseDurationOrDefault("broadcast.status_ttl", cfg.Broadcast.StatusTTL, 0)
	if err != nil {
		return bc, err
	}
	bc.QueueSize = cfg.Broadcast.QueueSize
	bc.StatusMax = cfg.Broadcast.StatusMax
	bc.StatusTTL = ttl
	return bc, nil
}

func mapRaffleConfig(cfg *config.Config) raffle.Config {
	if cfg.Raffle == nil {
		return raffle.Config{}
	}
	return raffle.Config{
		Enabled:  cfg.Raffle.Enabled,
		Schedule: cfg.Raffle.Schedule,
		Message:  cfg.Raffle.Message,
	}
}
