package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drapik/tg-stream-bot/internal/access"
	"github.com/drapik/tg-stream-bot/internal/api"
	"github.com/drapik/tg-stream-bot/internal/auth"
	"github.com/drapik/tg-stream-bot/internal/backend"
	"github.com/drapik/tg-stream-bot/internal/bot"
	"github.com/drapik/tg-stream-bot/internal/classifier"
	"github.com/drapik/tg-stream-bot/internal/config"
	"github.com/drapik/tg-stream-bot/internal/engine"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/lock"
	"github.com/drapik/tg-stream-bot/internal/log"
	"github.com/drapik/tg-stream-bot/internal/pool"
	"github.com/drapik/tg-stream-bot/internal/proc"
	"github.com/drapik/tg-stream-bot/internal/profile"
	"github.com/drapik/tg-stream-bot/internal/registry"
	"github.com/drapik/tg-stream-bot/internal/storage"
	"github.com/drapik/tg-stream-bot/internal/sweeper"
	"github.com/drapik/tg-stream-bot/internal/telegram"
	"github.com/drapik/tg-stream-bot/internal/transcode"
	"github.com/drapik/tg-stream-bot/internal/webhook"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

// SourceWebhook tags history rows for webhook submissions.
const SourceWebhook = "webhook"

func newStartCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the bot in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateTelegram(); err != nil {
				return fmt.Errorf("invalid config %s: %w", cfg.SourcePath, err)
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.run(ctx); err != nil {
				return err
			}
			a.logger.Info("tg-stream-bot stopped")
			return nil
		},
	}
}

// app is the fully wired bot process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	lock     *lock.PIDLock
	db       *sql.DB
	store    *registry.Store
	hub      *events.Hub
	guard    *access.Guard
	reload   access.Loader
	ws       workspace.Manager
	engine   *engine.Engine
	pool     *pool.Pool
	handler  *bot.Handler
	client   *telegram.Client
	api      *api.Server
	webhook  *webhook.Server
	sweeper  *sweeper.Sweeper
}

// buildApp wires every component. Nothing talks to the network yet.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: log.WithComponent("main")}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()
	logger := a.logger
	var err error
	logger.Info("tg-stream-bot starting", "version", version, "config", cfg.SourcePath)

	root := cfg.ResolvePath(cfg.Workspace.Root)
	a.lock, err = lock.Acquire(lock.PathFor(root))
	if err != nil {
		return nil, fmt.Errorf("lock workspace root %s: %w", root, err)
	}
	logger.Info("acquired PID lock", "path", a.lock.Path())

	statePath := cfg.ResolvePath(cfg.State.Path)
	a.db, err = storage.OpenSQLite(ctx, statePath)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", statePath, err)
	}
	a.store = registry.NewStore(a.db)
	a.hub = events.NewHub(256)

	table, err := access.TableFromConfig(cfg.Access)
	if err != nil {
		return nil, fmt.Errorf("access table: %w", err)
	}
	a.guard = access.NewGuard(table)
	a.reload = func() (access.Table, error) { return access.LoadTable(cfg.SourcePath) }
	if table.Len() == 0 {
		logger.Warn("access table is empty; every user will be denied")
	}

	wsManager, err := workspace.NewFSManager(root)
	if err != nil {
		return nil, fmt.Errorf("initialize workspace manager: %w", err)
	}
	a.ws = wsManager

	a.engine, err = newEngine(cfg, wsManager, a.store, a.hub)
	if err != nil {
		return nil, err
	}

	a.pool = pool.New(pool.Config{
		Workers:   cfg.Service.Workers,
		QueueSize: cfg.Service.QueueSize,
		Logger:    log.Get(),
	})

	links := classifier.New(a.engine.Backends())
	logger.Info("link classifier ready", "backends", links.Families())

	a.handler, err = bot.New(bot.Options{
		Guard:        a.guard,
		Classifier:   links,
		Engine:       a.engine,
		Pool:         a.pool,
		Registry:     a.store,
		Reload:       a.reload,
		Events:       a.hub,
		Version:      currentVersionInfo().Version,
		CaptionLimit: cfg.Telegram.CaptionLimit,
		Logger:       log.Get(),
	})
	if err != nil {
		return nil, fmt.Errorf("build bot: %w", err)
	}

	a.client, err = telegram.New(telegram.Options{
		AppID:       cfg.Telegram.AppID,
		AppHash:     cfg.Telegram.AppHash,
		BotToken:    cfg.Telegram.BotToken,
		SessionPath: cfg.ResolvePath(cfg.Telegram.SessionPath),
		Logger:      log.Get(),
	}, a.handler)
	if err != nil {
		return nil, fmt.Errorf("build telegram client: %w", err)
	}

	if cfg.API.Enabled {
		a.api = api.New(api.Config{
			Listen:  cfg.API.Listen,
			Tokens:  auth.TokensFromConfig(cfg.API.Tokens),
			Version: currentVersionInfo().Version,
		}, api.Deps{
			Pool:      a.pool,
			Engine:    a.engine,
			History:   a.store,
			Events:    a.hub,
			Reload:    a.reloadAccess,
			Publisher: a.hub,
		}, log.WithComponent("api"))
	}

	if cfg.Webhook.Enabled {
		a.webhook = webhook.New(webhook.FromConfig(cfg.Webhook), webhook.SubmitFunc(a.submit), log.WithComponent("webhook"))
	}

	if cfg.Workspace.SweepInterval > 0 && cfg.Workspace.SweepMaxAge > 0 {
		a.sweeper, err = sweeper.New(sweeper.Config{
			Interval: cfg.Workspace.SweepInterval,
			MaxAge:   cfg.Workspace.SweepMaxAge,
		}, wsManager, a.hub, log.Get())
		if err != nil {
			return nil, fmt.Errorf("build sweeper: %w", err)
		}
	}

	built = true
	return a, nil
}

// newEngine builds the backends, their profiles and the optional
// transcoder around ws.
func newEngine(cfg *config.Config, ws workspace.Manager, rec engine.Recorder, pub events.Publisher) (*engine.Engine, error) {
	logger := log.WithComponent("main")
	runner := proc.NewExecRunner(log.WithComponent("proc"))

	ffmpegPath, err := transcode.Locate(cfg.ResolveTool(cfg.Tools.FFmpeg), cfg.ResolvePath(cfg.Tools.FFmpegDir))
	if err != nil {
		logger.Warn("ffmpeg not found; stream merging and native transcoding are unavailable", "error", err)
		ffmpegPath = ""
	}

	backends, err := backend.Build(cfg, runner, ws, ffmpegPath, log.WithComponent("backend"))
	if err != nil {
		return nil, fmt.Errorf("build backends: %w", err)
	}
	profiles := make(map[backend.ID][]profile.Profile, len(backends))
	for _, b := range backends {
		ps, err := profile.ForBackend(cfg, string(b.ID()))
		if err != nil {
			return nil, fmt.Errorf("profiles for %s: %w", b.ID(), err)
		}
		profiles[b.ID()] = ps
		logger.Debug("backend ready", "backend", string(b.ID()), "profiles", len(ps))
	}

	var normalizer engine.Normalizer
	if n := transcode.FromConfig(cfg.Acquisition.Transcode, ffmpegPath, runner, log.WithComponent("transcode")); n != nil {
		normalizer = n
		logger.Info("transcoding enabled", "encoders", n.Encoders())
	}

	eng, err := engine.New(engine.Options{
		Backends:   backends,
		Profiles:   profiles,
		Workspaces: ws,
		Normalizer: normalizer,
		Recorder:   rec,
		Events:     pub,
		MaxSize:    int64(cfg.Acquisition.MaxArtifactSize),
		Budget:     cfg.Acquisition.RequestBudget,
		Logger:     log.Get(),
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return eng, nil
}

// submit queues a webhook delivery; results go to the chat through the
// live Telegram connection.
func (a *app) submit(ctx context.Context, req webhook.SubmitRequest) (string, error) {
	return a.handler.Enqueue(ctx, a.client.Responder(), bot.Submission{
		UserID: req.UserID,
		ChatID: req.ChatID,
		Text:   req.URL,
		Source: SourceWebhook,
	})
}

func (a *app) reloadAccess() (int, error) {
	return a.guard.ReloadFrom(a.reload)
}

// run serves until ctx is done or a component fails. SIGHUP reloads the
// access table.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer a.pool.Stop()

	if a.sweeper != nil {
		a.sweeper.Start(ctx)
		defer a.sweeper.Stop()
	}

	errCh := make(chan error, 3)
	go func() {
		if err := a.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("telegram: %w", err)
		}
	}()
	if a.api != nil {
		go func() {
			if err := a.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		a.logger.Info("API server enabled", "listen", a.cfg.API.Listen)
	}
	if a.webhook != nil {
		go func() {
			if err := a.webhook.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		a.logger.Info("webhook server enabled", "listen", a.cfg.Webhook.Listen, "path", a.cfg.Webhook.Path)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	a.logger.Info("tg-stream-bot running (press Ctrl+C to stop)")
	for {
		select {
		case <-hup:
			n, err := a.reloadAccess()
			if err != nil {
				a.logger.Error("access reload failed; keeping previous table", "error", err)
				continue
			}
			a.logger.Info("access table reloaded", "entries", n)
			a.hub.Publish(events.AccessReloaded, map[string]any{"entries": n, "source": "signal"})
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case err := <-errCh:
			a.logger.Error("component failed", "error", err)
			return err
		}
	}
}

// close runs after the pool has drained.
func (a *app) close() {
	if a.ws != nil {
		if n := a.ws.Live(); n > 0 {
			a.logger.Warn("workspaces left behind at shutdown; the next sweep removes them", "count", n)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
}
