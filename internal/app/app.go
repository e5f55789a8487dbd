// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/campaign-relay/internal/alerts"
	"github.com/bissquit/campaign-relay/internal/config"
	"github.com/bissquit/campaign-relay/internal/credentials"
	credentialspostgres "github.com/bissquit/campaign-relay/internal/credentials/postgres"
	"github.com/bissquit/campaign-relay/internal/delivery"
	deliverypostgres "github.com/bissquit/campaign-relay/internal/delivery/postgres"
	"github.com/bissquit/campaign-relay/internal/delivery/queue"
	"github.com/bissquit/campaign-relay/internal/mailer"
	"github.com/bissquit/campaign-relay/internal/mailer/brevo"
	"github.com/bissquit/campaign-relay/internal/mailer/gmail"
	"github.com/bissquit/campaign-relay/internal/mailer/smtp"
	"github.com/bissquit/campaign-relay/internal/operator"
	"github.com/bissquit/campaign-relay/internal/pacing"
	"github.com/bissquit/campaign-relay/internal/pkg/ctxlog"
	"github.com/bissquit/campaign-relay/internal/pkg/httputil"
	"github.com/bissquit/campaign-relay/internal/pkg/metrics"
	"github.com/bissquit/campaign-relay/internal/pkg/postgres"
	"github.com/bissquit/campaign-relay/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	collectInterval = 15 * time.Second
	shutdownTimeout = 30 * time.Second
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	queue         delivery.Queue
	service       *delivery.Service
	worker        *delivery.Worker
	alerts        *alerts.Webhook
	server        *http.Server
	metricsServer *http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := InitLogger(cfg.Log)
	info := version.Get()
	metrics.SetBuildInfo(info.Version, info.Commit)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := Connect(connectCtx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := app.setupDelivery(); err != nil {
		app.closeStores()
		return nil, fmt.Errorf("setup delivery: %w", err)
	}

	router, err := app.setupRouter()
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Connect opens the PostgreSQL pool described by cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	return postgres.Connect(ctx, postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
	})
}

// NewCredentialManager builds the credential manager over the identity store.
// The OAuth refresher is attached only when a client is configured.
func NewCredentialManager(cfg *config.Config, store credentials.Store) (*credentials.Manager, error) {
	cipher, err := credentials.NewAEADCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	var refresher credentials.Refresher
	if cfg.OAuth.ClientID != "" && cfg.OAuth.ClientSecret != "" {
		r, err := credentials.NewOAuthRefresher(credentials.OAuthConfig{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
		})
		if err != nil {
			return nil, fmt.Errorf("create oauth refresher: %w", err)
		}
		refresher = r
	} else {
		slog.Warn("oauth client is not configured: expired access tokens will not be refreshed")
	}

	return credentials.NewManager(store, cipher, refresher, credentials.ManagerConfig{
		SafetyMargin: cfg.Delivery.RefreshMargin,
		CacheTTL:     cfg.Delivery.CredentialTTL,
	}), nil
}

func (a *App) setupDelivery() error {
	cfg := a.config

	q, err := a.newQueue()
	if err != nil {
		return err
	}
	a.queue = q

	credentialManager, err := NewCredentialManager(cfg, credentialspostgres.NewRepository(a.db))
	if err != nil {
		return err
	}

	senders, err := newSenders(cfg)
	if err != nil {
		return err
	}

	var notifier delivery.StatusNotifier
	if cfg.Alerts.Enabled {
		webhook, err := alerts.NewWebhook(alerts.Config{
			WebhookURL: cfg.Alerts.WebhookURL,
			Username:   cfg.Alerts.Username,
			Timeout:    cfg.Alerts.Timeout,
		})
		if err != nil {
			return err
		}
		notifier = webhook
		a.alerts = webhook
		slog.Info("campaign alerts enabled")
	}

	repo := deliverypostgres.NewRepository(a.db)
	selector := pacing.NewSelector()

	coordinator := delivery.NewCoordinator(delivery.CoordinatorConfig{
		DefaultBatchSize: cfg.Delivery.DefaultBatchSize,
		LeaseGrace:       cfg.Delivery.LeaseGrace,
	}, repo, q, credentialManager, selector, notifier)

	dispatcher := delivery.NewDispatcher(delivery.DispatcherConfig{
		SendTimeout:   cfg.Delivery.SendTimeout,
		LeaseGrace:    cfg.Delivery.LeaseGrace,
		RatePerSecond: cfg.Delivery.RatePerSecond,
		RateBurst:     cfg.Delivery.RateBurst,
	}, repo, q, credentialManager, selector, notifier, senders...)

	a.worker = delivery.NewWorker(delivery.WorkerConfig{
		BatchSize:         cfg.Delivery.FetchSize,
		PollInterval:      cfg.Delivery.PollInterval,
		MaxAttempts:       cfg.Delivery.MaxAttempts,
		InitialBackoff:    cfg.Delivery.InitialBackoff,
		MaxBackoff:        cfg.Delivery.MaxBackoff,
		BackoffMultiplier: cfg.Delivery.BackoffMultiplier,
		NumWorkers:        cfg.Delivery.Workers,
	}, q, map[delivery.UnitKind]delivery.UnitHandler{
		delivery.UnitKindPage:     coordinator,
		delivery.UnitKindDispatch: dispatcher,
	})

	a.service = delivery.NewService(repo, q)
	return nil
}

func (a *App) newQueue() (delivery.Queue, error) {
	cfg := a.config

	slog.Info("work queue configured", "driver", cfg.Delivery.QueueDriver)

	switch cfg.Delivery.QueueDriver {
	case config.QueueDriverMemory:
		return queue.NewMemory(cfg.Delivery.LockTimeout), nil
	case config.QueueDriverPostgres:
		return deliverypostgres.NewQueue(a.db, cfg.Delivery.LockTimeout), nil
	case config.QueueDriverRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return queue.NewRedis(a.redis, cfg.Redis.KeyPrefix, cfg.Delivery.LockTimeout), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Delivery.QueueDriver)
}

func newSenders(cfg *config.Config) ([]mailer.Sender, error) {
	var senders []mailer.Sender

	p := cfg.Providers
	if p.Gmail.Enabled {
		senders = append(senders, gmail.NewSender(gmail.Config{
			Enabled:  true,
			Endpoint: p.Gmail.Endpoint,
			Timeout:  cfg.Delivery.SendTimeout,
		}))
	}
	if p.SMTP.Enabled {
		s, err := smtp.NewSender(smtp.Config{
			Enabled:              true,
			Host:                 p.SMTP.Host,
			Port:                 p.SMTP.Port,
			AuthMethod:           p.SMTP.AuthMethod,
			InsecureSkipSTARTTLS: p.SMTP.InsecureSkipSTARTTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("create smtp sender: %w", err)
		}
		senders = append(senders, s)
	}
	if p.Brevo.Enabled {
		senders = append(senders, brevo.NewSender(brevo.Config{
			Enabled: true,
			APIURL:  p.Brevo.APIURL,
			Timeout: cfg.Delivery.SendTimeout,
		}))
	}

	if len(senders) == 0 {
		return nil, errors.New("no mail provider enabled")
	}
	return senders, nil
}

// Run starts the worker pool, HTTP servers and collectors, and blocks until
// ctx is cancelled or one of them fails. Shutdown runs before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.config.Delivery.QueueDriver == config.QueueDriverMemory {
		// Memory units do not survive a restart; re-seed paging for active campaigns.
		n, err := a.service.ResumeActive(ctx)
		if err != nil {
			return fmt.Errorf("resume active campaigns: %w", err)
		}
		a.logger.Info("resumed active campaigns", "count", n)
	}

	a.worker.Start(gctx)

	g.Go(func() error {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("starting server",
			"host", a.config.Server.Host,
			"port", a.config.Server.Port,
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		metrics.RunCollector(gctx, collectInterval, func() { metrics.RecordDBPoolMetrics(a.db) })
		return nil
	})

	g.Go(func() error {
		metrics.RunCollector(gctx, collectInterval, func() { a.collectQueueDepth(gctx) })
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) collectQueueDepth(ctx context.Context) {
	depth, err := a.queue.Depth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("failed to get queue depth", "error", err)
		}
		return
	}
	delivery.RecordQueueDepth(depth)
}

// Shutdown gracefully shuts down the application. Repeated calls return the
// first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Stop the worker first so no unit is claimed against a closing pool.
	a.worker.Stop()
	if a.alerts != nil {
		a.alerts.Wait()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a.closeStores()
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("close redis", "error", err)
		}
	}
	a.db.Close()
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Service returns the campaign lifecycle service.
func (a *App) Service() *delivery.Service {
	return a.service
}

func (a *App) setupRouter() (*chi.Mux, error) {
	authenticator, err := operator.NewAuthenticator(operator.Config{
		SecretKey: a.config.Auth.JWTSecret,
		TokenTTL:  a.config.Auth.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, "/healthz", "/readyz"))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	deliveryHandler := delivery.NewHandler(a.service)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(authenticator))
		deliveryHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Queue unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

// InitLogger builds the process logger and installs it as the slog default.
func InitLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
