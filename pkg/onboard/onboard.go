// Package onboard assembles the onboarding coordinator with its storage,
// vault, HTTP collaborators and progress transport.
package onboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/onboard/internal/engine"
	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/internal/progress/natstransport"
	"github.com/rendis/onboard/internal/progress/wstransport"
	"github.com/rendis/onboard/internal/remote"
	"github.com/rendis/onboard/internal/scheduler"
	"github.com/rendis/onboard/internal/secrets"
	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/pkg/schema"
)

// Public names for hosts that only import this package.
type (
	Config             = engine.Config
	Coordinator        = engine.Coordinator
	Step               = schema.Step
	StateSnapshot      = schema.StateSnapshot
	WorkflowResult     = schema.WorkflowResult
	Session            = schema.Session
	OnboardError       = schema.OnboardError
	PlatformConnection = schema.PlatformConnection
	Journey            = store.Journey
	StreamEvent        = streaming.StreamEvent
)

// Services replaces the HTTP collaborators. Nil fields keep the HTTP adapter.
type Services struct {
	Email        engine.EmailVerificationService
	Platforms    engine.PlatformAuthService
	Registration engine.RegistrationService
	Training     engine.TrainingService
	Refresher    scheduler.Refresher
}

type options struct {
	logger     *slog.Logger
	registry   *prometheus.Registry
	httpClient *http.Client
	services   Services
	hub        *streaming.MemoryHub
	transport  progress.Transport
	natsOpts   []nats.Option
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegistry collects metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// WithHTTPClient sets the client used by the HTTP collaborators.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithServices overrides collaborators, e.g. for embedded backends.
func WithServices(s Services) Option { return func(o *options) { o.services = s } }

// WithHub shares an existing event hub.
func WithHub(h *streaming.MemoryHub) Option { return func(o *options) { o.hub = h } }

// WithTransport bypasses transport selection from Settings.
func WithTransport(t progress.Transport) Option { return func(o *options) { o.transport = t } }

// WithNATSOptions passes extra options to the NATS transport.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(o *options) { o.natsOpts = append(o.natsOpts, opts...) }
}

// Onboard is a ready-to-use coordinator together with the resources it owns.
type Onboard struct {
	*engine.Coordinator

	store    *store.LibSQLStore
	events   *store.EventLog
	tokens   *secrets.TokenStore
	hub      *streaming.MemoryHub
	registry *prometheus.Registry
	sweeper  *scheduler.RefreshSweeper
	logger   *slog.Logger
}

// New opens the database, unlocks the vault and wires the coordinator.
// The refresh sweeper, when enabled, runs until Close.
func New(ctx context.Context, s Settings, opts ...Option) (*Onboard, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if o.hub == nil {
		o.hub = streaming.NewMemoryHub()
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	db, err := openStore(ctx, s.DBPath)
	if err != nil {
		return nil, err
	}
	ob := &Onboard{
		store:    db,
		events:   store.NewEventLog(db),
		hub:      o.hub,
		registry: o.registry,
		logger:   o.logger,
	}
	if err := ob.wire(ctx, s, o); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ob, nil
}

func (ob *Onboard) wire(ctx context.Context, s Settings, o options) error {
	vault, err := secrets.OpenAESVault(ctx, ob.store, s.VaultPassphrase)
	if err != nil {
		return fmt.Errorf("unlock vault: %w", err)
	}
	ob.tokens = secrets.NewTokenStore(vault)

	svc, err := services(s, o)
	if err != nil {
		return err
	}
	transport, err := selectTransport(s.Engine.Channel, o, ob.hub)
	if err != nil {
		return err
	}

	coord, err := engine.NewCoordinator(s.Engine, engine.Deps{
		Email:        svc.Email,
		Platforms:    svc.Platforms,
		Registration: svc.Registration,
		Training:     svc.Training,
		Tokens:       ob.tokens,
		Progress:     transport,
		Hub:          ob.hub,
		Journal:      ob.events,
		Registerer:   ob.registry,
		Logger:       o.logger,
	})
	if err != nil {
		return err
	}
	ob.Coordinator = coord

	if s.Refresh.Enabled && svc.Refresher != nil {
		sweeper, err := scheduler.NewRefreshSweeper(ob.tokens, svc.Refresher, scheduler.RefreshConfig{
			Spec:        s.Refresh.Spec,
			Window:      s.Refresh.Window,
			Concurrency: s.Refresh.Concurrency,
		}, o.logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		ob.sweeper = sweeper
	}
	return nil
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = "file:" + path
	}
	db, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func services(s Settings, o options) (Services, error) {
	svc := o.services
	if svc.Email != nil && svc.Platforms != nil && svc.Registration != nil && svc.Training != nil {
		return svc, nil
	}
	client, err := remote.New(remote.Options{
		BaseURL:    s.Engine.BaseURL,
		HTTPClient: o.httpClient,
		Headers:    s.Headers,
		Logger:     o.logger,
	})
	if err != nil {
		return Services{}, err
	}
	platforms := remote.NewPlatformService(client)
	if svc.Email == nil {
		svc.Email = remote.NewEmailService(client)
	}
	if svc.Platforms == nil {
		svc.Platforms = platforms
	}
	if svc.Registration == nil {
		svc.Registration = remote.NewRegistrationService(client)
	}
	if svc.Training == nil {
		svc.Training = remote.NewTrainingService(client)
	}
	if svc.Refresher == nil {
		svc.Refresher = platforms
	}
	return svc, nil
}

// selectTransport picks the progress transport. A ws or nats transport
// without a URL leaves training on local simulation.
func selectTransport(cfg engine.ChannelConfig, o options, hub *streaming.MemoryHub) (progress.Transport, error) {
	if o.transport != nil {
		return o.transport, nil
	}
	switch cfg.Transport {
	case "", "ws":
		if cfg.URL == "" {
			return nil, nil
		}
		return wstransport.New(cfg.URL, cfg.Codec, o.logger), nil
	case "nats":
		if cfg.URL == "" {
			return nil, nil
		}
		return natstransport.New(cfg.URL, o.logger, o.natsOpts...), nil
	case "hub":
		return &progress.HubTransport{Hub: hub}, nil
	default:
		return nil, fmt.Errorf("unknown progress transport %q", cfg.Transport)
	}
}

// Hub returns the event hub state changes and hub-transport progress flow through.
func (ob *Onboard) Hub() *streaming.MemoryHub { return ob.hub }

// Registry returns the registry all metrics are collected on.
func (ob *Onboard) Registry() *prometheus.Registry { return ob.registry }

// Tokens returns the encrypted token store.
func (ob *Onboard) Tokens() *secrets.TokenStore { return ob.tokens }

// Replay reconstructs a past workflow from its journal.
func (ob *Onboard) Replay(ctx context.Context, workflowID string) (*Journey, error) {
	ob.Flush()
	return ob.events.Replay(ctx, workflowID)
}

// Workflows lists the most recent journaled workflow ids.
func (ob *Onboard) Workflows(ctx context.Context, limit int) ([]string, error) {
	ob.Flush()
	return ob.store.ListWorkflowIDs(ctx, limit)
}

// PublishProgress injects a training event for userID on the hub
// transport. Other transports ignore it.
func (ob *Onboard) PublishProgress(ctx context.Context, userID, event string, data map[string]any) error {
	return progress.PublishEvent(ctx, ob.hub, userID, event, data)
}

// Close stops the sweeper, cancels any running workflow, flushes the
// journal and closes the database.
func (ob *Onboard) Close() error {
	if ob.sweeper != nil {
		ob.sweeper.Stop()
	}
	if ob.Coordinator != nil {
		ob.Coordinator.Close()
	}
	return ob.store.Close()
}
