// Package app wires the storage, registry, dispatcher, engine and HTTP API
// into one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/dropbox/godropbox/time2"
	"github.com/rs/zerolog"

	"auditline/internal/channels"
	"auditline/internal/config"
	"auditline/internal/db"
	"auditline/internal/dispatch"
	"auditline/internal/domain"
	"auditline/internal/engine"
	"auditline/internal/engine/auth"
	"auditline/internal/events"
	"auditline/internal/logging"
	"auditline/internal/migrate"
	"auditline/internal/registry"
	"auditline/internal/repo"
	"auditline/internal/server"
)

type Options struct {
	Workspace string
	// Config overrides the workspace auditline.yml.
	Config *config.Config
	Logger *zerolog.Logger
	// Memory opens a throwaway in-memory database.
	Memory bool
	// MailTransport replaces SMTP for the email channel.
	MailTransport channels.MailTransport
	Clock         time2.Clock
}

// App holds every long-lived component of a server process.
type App struct {
	Config        *config.Config
	Logger        zerolog.Logger
	DB            *sql.DB
	Repo          repo.Repo
	Events        events.Writer
	Registry      *registry.Registry
	Dispatcher    *dispatch.Dispatcher
	Engine        engine.Engine
	Subscriptions auth.Service

	connections *repo.ConnectionRecords
	closers     []func() error
}

// Open loads config, opens and migrates the database, and builds the
// component graph. Nothing runs until Run is called.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Memory: opts.Memory})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Config:        cfg,
		Logger:        log,
		DB:            conn,
		Repo:          repo.Repo{DB: conn},
		Events:        events.Writer{DB: conn},
		Subscriptions: auth.Service{DB: conn},
		closers:       []func() error{conn.Close},
	}
	clock := opts.Clock
	if clock == nil {
		clock = time2.DefaultClock
	}

	recorder, err := a.connectionRecorder(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Registry = registry.New(registry.Options{
		Timeout:       cfg.Liveness.Timeout,
		SweepInterval: cfg.Liveness.SweepInterval,
		Clock:         clock,
		Recorder:      recorder,
		Logger:        logging.Component(log, "registry"),
	})

	a.Dispatcher = dispatch.New(dispatch.Options{
		Preferences: a.Repo,
		Senders:     a.senders(opts.MailTransport),
		InApp:       a.Registry,
		Attempts:    a.Repo,
		Alerter:     eventAlerter{events: a.Events, log: logging.Component(log, "alerts")},
		Workers:     cfg.Dispatch.Workers,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Backoff:     cfg.Dispatch.Backoff,
		SendTimeout: cfg.Dispatch.SendTimeout,
		Clock:       clock,
		Logger:      logging.Component(log, "dispatch"),
	})

	a.Engine = engine.New(conn, cfg)
	a.Engine.Notifier = a.Dispatcher
	a.Engine.Publisher = a.Registry
	a.Engine.Logger = logging.Component(log, "engine")
	return a, nil
}

func (a *App) connectionRecorder(ctx context.Context) (registry.Recorder, error) {
	switch a.Config.Persistence.Connections {
	case "redis":
		rc := repo.NewRedisConnectionRecords(a.Config.Persistence.RedisAddr, a.Config.Persistence.RedisTTL)
		if err := rc.Client.Ping(ctx).Err(); err != nil {
			rc.Close()
			return nil, fmt.Errorf("connect redis %s: %w", a.Config.Persistence.RedisAddr, err)
		}
		a.closers = append(a.closers, rc.Close)
		return rc, nil
	case "", "sqlite":
		a.connections = &repo.ConnectionRecords{DB: a.DB}
		return a.connections, nil
	default:
		return nil, fmt.Errorf("unknown persistence.connections %q", a.Config.Persistence.Connections)
	}
}

func (a *App) senders(mail channels.MailTransport) map[domain.Channel]dispatch.Sender {
	ch := a.Config.Channels
	out := map[domain.Channel]dispatch.Sender{}
	if config.Enabled(ch.Email.Enabled) {
		transport := mail
		if transport == nil && ch.Email.SMTPAddr != "" {
			host, _, err := net.SplitHostPort(ch.Email.SMTPAddr)
			if err != nil {
				host = ch.Email.SMTPAddr
			}
			transport = channels.NewSMTPTransport(ch.Email.SMTPAddr, host, ch.Email.Username, ch.Email.Password)
		}
		if transport != nil {
			out[domain.ChannelEmail] = channels.NewEmailSender(ch.Email.From, transport)
		} else {
			a.Logger.Info().Msg("email channel has no smtp_addr; email delivery disabled")
		}
	}
	if config.Enabled(ch.Chat.Enabled) {
		out[domain.ChannelChat] = channels.NewChatSender(nil)
	}
	if config.Enabled(ch.Webhook.Enabled) {
		out[domain.ChannelWebhook] = channels.NewWebhookSender(nil, ch.Webhook.Secret)
	}
	return out
}

// Handler builds the HTTP API over the app's components.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:        a.Engine,
		Registry:      a.Registry,
		Subscriptions: a.Subscriptions,
		BasePath:      a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:       a.Config.Server.JWTSecret,
			AllowQueryToken: true,
		},
		WebSocket: server.WebSocketConfig{
			SendBuffer:  a.Config.Liveness.SendBuffer,
			ReadTimeout: a.Config.Liveness.Timeout,
		},
		Logger: logging.Component(a.Logger, "http"),
	})
}

// Run drives the registry sweeper and the dispatcher until ctx is done.
// Connection records left active by a previous process are closed first.
func (a *App) Run(ctx context.Context) {
	if a.connections != nil {
		n, err := a.connections.CloseAllActive(ctx, "server_restart", a.Engine.Now())
		if err != nil {
			a.Logger.Warn().Err(err).Msg("close stale connection records")
		} else if n > 0 {
			a.Logger.Info().Int64("count", n).Msg("closed stale connection records")
		}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Registry.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.Dispatcher.Run(ctx)
	}()
	wg.Wait()
	if pending := a.Dispatcher.Pending(); pending > 0 {
		a.Logger.Warn().Int("pending", pending).Msg("dispatcher stopped with queued deliveries")
	}
}

// Close releases storage handles in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// eventAlerter records exhausted deliveries in the audit log.
type eventAlerter struct {
	events events.Writer
	log    zerolog.Logger
}

func (e eventAlerter) DeliveryExhausted(ctx context.Context, intent domain.NotificationIntent, attempt domain.DeliveryAttempt) {
	e.log.Error().
		Str("intent_id", intent.ID).
		Str("recipient", intent.Recipient).
		Str("channel", string(attempt.Channel)).
		Int("attempts", attempt.AttemptNumber).
		Str("error", attempt.ErrorDetail).
		Msg("delivery exhausted")
	err := e.events.Record(ctx, events.Entry{
		Type:       events.DeliveryExhausted,
		OrgID:      intent.Metadata["org_id"],
		EntityKind: "delivery",
		EntityID:   intent.ID,
		Payload: events.EventPayload{
			"recipient": intent.Recipient,
			"kind":      intent.Kind,
			"channel":   string(attempt.Channel),
			"attempts":  attempt.AttemptNumber,
			"error":     attempt.ErrorDetail,
		},
	})
	if err != nil {
		e.log.Warn().Err(err).Str("intent_id", intent.ID).Msg("record exhausted delivery")
	}
}
