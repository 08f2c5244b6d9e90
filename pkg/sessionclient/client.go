// Package sessionclient wires the session lifecycle and OTP registration into one client.
// Build it once per process with New and Close it on shutdown.
package sessionclient

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/coreidpin/coreidpin-sub004/internal/authapi"
	"github.com/coreidpin/coreidpin-sub004/internal/config"
	regrepo "github.com/coreidpin/coreidpin-sub004/internal/registration/repository"
	regservice "github.com/coreidpin/coreidpin-sub004/internal/registration/service"
	"github.com/coreidpin/coreidpin-sub004/internal/security"
	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/session/repository"
	"github.com/coreidpin/coreidpin-sub004/internal/session/service"
	"github.com/coreidpin/coreidpin-sub004/internal/storage"
	"github.com/coreidpin/coreidpin-sub004/internal/storage/memory"
	"github.com/coreidpin/coreidpin-sub004/internal/storage/postgres"
	"github.com/coreidpin/coreidpin-sub004/internal/storage/sqlite"
	"github.com/coreidpin/coreidpin-sub004/internal/telemetry"
	"github.com/coreidpin/coreidpin-sub004/internal/telemetry/otel"
	"github.com/coreidpin/coreidpin-sub004/internal/telemetry/producer"
	"github.com/coreidpin/coreidpin-sub004/internal/transport"
)

type (
	Config       = config.Config
	SessionState = domain.SessionState
	UserType     = domain.UserType
	Hooks        = service.Hooks
	Reason       = service.Reason
	TokenGrant   = service.TokenGrant
	Profile      = regservice.Profile
)

// Reasons passed to Hooks.
const (
	ReasonInactivity    = service.ReasonInactivity
	ReasonTokenExpired  = service.ReasonTokenExpired
	ReasonRefreshFailed = service.ReasonRefreshFailed
	ReasonLoggedOut     = service.ReasonLoggedOut
)

// LoadConfig reads configuration from the environment and an optional .env file.
func LoadConfig() (*Config, error) { return config.Load() }

// Options are process-level collaborators that do not come from the environment.
type Options struct {
	// Hooks receive forced-logout messages and redirects.
	Hooks Hooks
	// Logger defaults to JSON on stderr at LOG_LEVEL.
	Logger *slog.Logger
	// Origin identifies this instance on the change bus; defaults to a random UUID.
	Origin string
	// KV and Bus replace the configured storage. The client does not close them.
	KV  storage.KV
	Bus storage.Bus
}

// Client is the facade UI code talks to.
type Client struct {
	// Session gates authorized requests and owns the stored session.
	Session *service.Manager
	// Registration drives the OTP sign-up flow.
	Registration *regservice.Machine

	origin    string
	logger    *slog.Logger
	events    *telemetry.Dispatcher
	kafka     *producer.KafkaProducer
	providers *otel.Providers
	closers   []func() error
}

// New builds every component from cfg.
func New(ctx context.Context, cfg *Config, opts Options) (_ *Client, err error) {
	if cfg == nil {
		return nil, errors.New("sessionclient: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	}
	origin := opts.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	c := &Client{origin: origin, logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	kv, bus := opts.KV, opts.Bus
	if kv == nil {
		if kv, bus, err = c.openStorage(ctx, cfg); err != nil {
			return nil, err
		}
	} else if bus == nil {
		mb := memory.NewBus()
		c.closers = append(c.closers, mb.Close)
		bus = mb
	}

	c.providers, err = otel.NewProviders(ctx, otel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sessionclient: telemetry: %w", err)
	}
	c.providers.SetGlobal()
	emitters := []telemetry.EventEmitter{otel.NewEventEmitter(c.providers.LoggerProvider)}
	if c.kafka = producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic); c.kafka != nil {
		emitters = append(emitters, c.kafka)
		logger.Info("sessionclient: kafka event producer enabled", "topic", cfg.TelemetryKafkaTopic)
	}
	c.events = telemetry.NewDispatcher(telemetry.Multi(emitters...), origin, logger)
	metrics := telemetry.NewInstruments()

	var pub crypto.PublicKey
	if cfg.JWTPublicKey != "" {
		if pub, err = security.LoadVerificationKey(cfg.JWTPublicKey); err != nil {
			return nil, fmt.Errorf("sessionclient: JWT_PUBLIC_KEY: %w", err)
		}
	}
	inspector := security.NewTokenInspector(pub, cfg.JWTIssuer)

	api := authapi.NewClient(cfg.APIBaseURL, cfg.HTTPClientTimeout())
	var provider service.ProviderRefresher
	if cfg.ProviderRefreshEnabled() {
		provider = authapi.NewProviderRefresher(cfg.IDPTokenURL, cfg.IDPClientID, cfg.IDPClientSecret, cfg.HTTPClientTimeout())
	}

	policy := domain.ExpiryPolicy{Buffer: cfg.ExpiryBuffer(), RefreshThreshold: cfg.RefreshThreshold()}
	repo := repository.NewKVRepository(kv, bus, origin, logger)
	coord := service.NewCoordinator(service.CoordinatorConfig{
		Repo:     repo,
		Provider: provider,
		Fallback: api,
		CSRF:     api,
		Lock:     service.NewRefreshLock(kv, bus, origin, cfg.RefreshLockTTL(), logger),
		Policy:   policy,
		Events:   c.events,
		Metrics:  metrics,
		Logger:   logger,
	})
	expiry := service.NewExpiryHandler(repo, opts.Hooks, cfg.LogoutRedirectDelay(), c.events, metrics, logger)
	c.Session = service.NewManager(service.ManagerConfig{
		Repo:              repo,
		Bus:               bus,
		Coordinator:       coord,
		Expiry:            expiry,
		Inspector:         inspector,
		Policy:            policy,
		InactivityTimeout: cfg.InactivityTimeout(),
		RetryInterval:     cfg.RefreshRetryInterval(),
		DefaultLifetime:   cfg.OTPSessionLifetime(),
		Events:            c.events,
		Logger:            logger,
	})

	maxResends := cfg.OTPMaxResends
	if maxResends == 0 {
		maxResends = -1
	}
	c.Registration = regservice.NewMachine(ctx, regservice.MachineConfig{
		Repo:          regrepo.NewKVRepository(kv, bus, origin, cfg.RegistrationExpiry(), logger),
		Client:        api,
		Sessions:      c.Session,
		Cooldown:      cfg.ResendCooldown(),
		MaxResends:    maxResends,
		CompleteGrace: cfg.RegistrationGrace(),
		Events:        c.events,
		Metrics:       metrics,
		Logger:        logger,
	})

	logger.Info("sessionclient: ready", "origin", origin, "storage", cfg.StorageDriver,
		"provider_refresh", provider != nil, "verify_tokens", inspector.Verifies())
	return c, nil
}

func (c *Client) openStorage(ctx context.Context, cfg *Config) (storage.KV, storage.Bus, error) {
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		st, err := postgres.Open(cfg.DatabaseURL, cfg.StorageNamespace)
		if err != nil {
			return nil, nil, fmt.Errorf("sessionclient: open postgres: %w", err)
		}
		c.closers = append(c.closers, st.Close)
		bus, err := postgres.OpenBus(ctx, cfg.DatabaseURL, st.DB(), cfg.StorageNamespace, c.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("sessionclient: open postgres bus: %w", err)
		}
		// Close the listener before the pool it publishes through.
		c.closers = append([]func() error{bus.Close}, c.closers...)
		return st, bus, nil
	case config.StorageSQLite:
		st, err := sqlite.Open(cfg.StoragePath, cfg.StorageNamespace)
		if err != nil {
			return nil, nil, fmt.Errorf("sessionclient: open sqlite: %w", err)
		}
		bus := memory.NewBus()
		c.closers = append(c.closers, bus.Close, st.Close)
		return st, bus, nil
	default:
		st, bus := memory.NewStore(), memory.NewBus()
		c.closers = append(c.closers, bus.Close, st.Close)
		return st, bus, nil
	}
}

// Origin returns this instance's ID on the change bus.
func (c *Client) Origin() string { return c.origin }

// HTTPClient returns an http.Client that authorizes every request with the current session.
func (c *Client) HTTPClient(base http.RoundTripper) *http.Client {
	return transport.NewClient(c.Session, base)
}

// Close stops background work, flushes telemetry and releases storage.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Registration != nil {
		c.Registration.Close()
	}
	if c.Session != nil {
		c.Session.Close()
	}
	if err := c.events.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain events: %w", err))
	}
	if err := c.kafka.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka: %w", err))
	}
	if c.providers != nil {
		if err := c.providers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
