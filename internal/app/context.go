package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/logging"
	"stageline/internal/metrics"
	"stageline/internal/migrate"
	"stageline/internal/notify"
	"stageline/internal/repo"
)

type Options struct {
	Workspace string
	Settings  *config.Settings
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Runtime is everything a command or the server needs to run workflow
// operations against one workspace.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Notify *notify.Dispatcher
	Logger zerolog.Logger

	closers []func() error
}

// Open migrates the workspace database, loads stageline.yml and builds the
// engine. Every configured template is validated up front; a broken template
// is fatal.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	settings := opts.Settings
	if settings == nil {
		s, err := config.LoadSettings()
		if err != nil {
			return nil, err
		}
		settings = s
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	registry := cfg.Registry()
	if _, err := registry.LoadAll(); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rt := &Runtime{DB: conn, Config: cfg, Logger: opts.Logger}
	notifiers, closers := Notifiers(cfg, settings)
	rt.closers = closers
	rt.Notify = notify.NewDispatcher(opts.Logger, opts.Metrics, notifiers...)
	if settings.NotifyTimeout > 0 {
		rt.Notify.Timeout = settings.NotifyTimeout
	}

	eng := engine.New(conn, registry)
	eng.Notify = rt.Notify
	eng.Metrics = opts.Metrics
	eng.Logger = logging.Component(opts.Logger, "engine")
	rt.Engine = eng
	return rt, nil
}

// Notifiers builds the progression notifiers named by the config file and
// environment. The returned closers release client connections.
func Notifiers(cfg *config.Config, s *config.Settings) ([]notify.Notifier, []func() error) {
	var (
		out     []notify.Notifier
		closers []func() error
	)
	for _, wh := range cfg.Notifications.Webhooks {
		out = append(out, notify.NewWebhook(wh))
	}
	if s.RedisEnabled() {
		channel := s.RedisChannel
		if cfg.Notifications.Redis.Channel != "" {
			channel = cfg.Notifications.Redis.Channel
		}
		r := notify.NewRedis(s.RedisAddr, channel)
		out = append(out, r)
		closers = append(closers, r.Close)
	}
	if s.SlackToken != "" {
		if channel := s.SlackChannelOr(cfg.Notifications.Slack.Channel); channel != "" {
			out = append(out, notify.NewSlack(s.SlackToken, channel))
		}
	}
	return out, closers
}

// Close waits for in-flight notifications, then releases connections.
func (rt *Runtime) Close() error {
	rt.Notify.Wait()
	var errs []error
	for _, c := range rt.closers {
		errs = append(errs, c())
	}
	errs = append(errs, rt.DB.Close())
	return errors.Join(errs...)
}

// ResolveProject picks the project a command acts on: the override when
// given, otherwise the only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	p, err := r.SingleProject(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("no project found; run `stageline project create` or pass --project")
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}
