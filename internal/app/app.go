// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"sync"
	"time"

	"igwatch/internal/config"
	"igwatch/internal/digest"
	"igwatch/internal/instagram"
	"igwatch/internal/monitor"
	"igwatch/internal/notifier"
	"igwatch/internal/registry"
	"igwatch/internal/session"
	"igwatch/internal/storage"
	"igwatch/internal/transport/telegram"
	logx "igwatch/pkg/logx"
)

const defaultFetchTimeout = 30 * time.Second

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store storage.Store
	pool  *session.Pool
	ig    *instagram.Client
	ban   *registry.Registry
	unban *registry.Registry
	notif *notifier.Service
	mon   *monitor.Service
	dig   *digest.Service
	bot   *telegram.Bot

	runMu     sync.Mutex
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	ctx := context.Background()

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	stoCfg, err := storageCfg(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stoCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pool, err := session.New(ctx, store, cfg.Instagram.FallbackSession,
		log.With(logx.String("comp", "sessions")))
	if err != nil {
		store.Close()
		return nil, err
	}

	igCfg, err := instagramCfg(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	ig, err := instagram.NewClient(igCfg, log.With(logx.String("comp", "instagram")))
	if err != nil {
		store.Close()
		return nil, err
	}

	ban, err := registry.Open(ctx, registry.KindBan, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	unban, err := registry.Open(ctx, registry.KindUnban, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	botCfg, err := telegramCfg(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	bot, err := telegram.New(botCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		store.Close()
		return nil, err
	}

	notif := notifier.New(bot, log.With(logx.String("comp", "notifier")))

	monCfg, err := monitorCfg(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	mon := monitor.New(monCfg, monitor.Deps{
		Pool:      pool,
		Fetcher:   ig,
		Notifier:  notif,
		Ban:       ban,
		Unban:     unban,
		Store:     store,
		Ops:       bot,
		OpsChatID: cfg.Telegram.LogChatID,
	}, log.With(logx.String("comp", "monitor")))

	dig := digest.New(digestCfg(cfg), bot, ban, unban, pool, store,
		log.With(logx.String("comp", "digest")))

	handlers := telegram.NewHandlers(bot, telegram.HandlerDeps{
		Config:   cfgm,
		Pool:     pool,
		Ban:      ban,
		Unban:    unban,
		Fetcher:  ig,
		Store:    store,
		Requests: ig.RequestCount,
	}, log.With(logx.String("comp", "commands")))
	handlers.Register()

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		store: store,
		pool:  pool,
		ig:    ig,
		ban:   ban,
		unban: unban,
		notif: notif,
		mon:   mon,
		dig:   dig,
		bot:   bot,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.runCancel != nil {
		a.runMu.Unlock()
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runMu.Unlock()

	a.bot.Start(rctx)
	a.mon.Start(rctx)
	a.dig.Start(rctx)

	// Hot reload: watch the config file and fan committed changes out to
	// the running services.
	sub := a.cfgm.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(rctx); err != nil && rctx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-rctx.Done():
				return
			case cfg := <-sub:
				if cfg == nil {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	a.log.Info("started")
	return nil
}

// applyConfig pushes a committed config into the running services. Storage
// driver and proxy changes need a restart and are not applied live.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logCfg(cfg))

	if botCfg, err := telegramCfg(cfg); err == nil {
		a.bot.Apply(botCfg)
	}
	if monCfg, err := monitorCfg(cfg); err == nil {
		a.mon.Apply(monCfg)
	}
	a.dig.Apply(digestCfg(cfg))
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	a.dig.Stop(ctx)
	a.mon.Stop(ctx)
	a.bot.Stop(ctx)
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logs.Close()
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageCfg(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func instagramCfg(cfg *config.Config) (instagram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("instagram.request_timeout",
		cfg.Instagram.RequestTimeout, defaultFetchTimeout)
	if err != nil {
		return instagram.Config{}, err
	}
	return instagram.Config{
		ProxyURL:       cfg.Instagram.ProxyURL,
		Timeout:        timeout,
		RequestsPerSec: cfg.Instagram.RequestsPerSec,
	}, nil
}

func telegramCfg(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  poll,
		AdminUserIDs: cfg.Telegram.AdminUserIDs,
		LogChatID:    cfg.Telegram.LogChatID,
	}, nil
}

func monitorCfg(cfg *config.Config) (monitor.Config, error) {
	min, err := config.ParseDurationOrDefault("monitor.min_check_interval",
		cfg.Monitor.MinCheckInterval, config.DefaultMinCheckInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	max, err := config.ParseDurationOrDefault("monitor.max_check_interval",
		cfg.Monitor.MaxCheckInterval, config.DefaultMaxCheckInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	cooldown, err := config.ParseDurationField("monitor.auth_error_cooldown",
		cfg.Monitor.AuthErrorCooldown)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		MinInterval:  min,
		MaxInterval:  max,
		AuthCooldown: cooldown,
	}, nil
}

func digestCfg(cfg *config.Config) digest.Config {
	retention := time.Duration(cfg.Digest.AuditRetentionDays) * 24 * time.Hour
	return digest.Config{
		Enabled:        cfg.Digest.Enabled,
		Schedule:       cfg.Digest.Schedule,
		ChatID:         cfg.Telegram.LogChatID,
		AuditRetention: retention,
	}
}
