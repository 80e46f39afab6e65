// Package app wires configuration into a running subscription service.
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/practpec/voyaj-api/internal/config"
	"github.com/practpec/voyaj-api/pkg/api"
	"github.com/practpec/voyaj-api/pkg/billing"
	"github.com/practpec/voyaj-api/pkg/billing/mercadopago"
	billingprom "github.com/practpec/voyaj-api/pkg/billing/metrics/prometheus"
	"github.com/practpec/voyaj-api/pkg/billing/stripe"
	"github.com/practpec/voyaj-api/pkg/notify"
	"github.com/practpec/voyaj-api/pkg/notify/postmark"
	"github.com/practpec/voyaj-api/pkg/subscription"
	sublog "github.com/practpec/voyaj-api/pkg/subscription/logger/zerolog"
	subprom "github.com/practpec/voyaj-api/pkg/subscription/metrics/prometheus"
	"github.com/practpec/voyaj-api/storage/memory"
	"github.com/practpec/voyaj-api/storage/mongo"
	"github.com/practpec/voyaj-api/storage/postgres"
	"github.com/practpec/voyaj-api/storage/redis"
	"github.com/practpec/voyaj-api/storage/tiered"
)

// AdminTokenHeader carries the admin token for /admin routes
const AdminTokenHeader = "X-Admin-Token"

// App holds the wired components of one process
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Catalog *subscription.Catalog

	Manager   *subscription.Manager
	Validator *subscription.Validator
	Processor *subscription.Processor
	Scheduler *subscription.Scheduler

	// Handler serves the whole HTTP surface
	Handler http.Handler

	// Registry holds every Prometheus collector of the process
	Registry *prometheus.Registry

	migrate func(ctx context.Context) error
	closers []func(ctx context.Context) error
}

// stores groups the persistence ports the engine needs
type stores struct {
	subs    subscription.SubscriptionStore
	events  subscription.ProcessedEventStore
	notices subscription.LimitNoticeTracker
	usage   subscription.UsageProvider
	users   subscription.UserDirectory
}

// New builds every component described by cfg. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	subLogger := sublog.NewLogger(logger)

	catalog, err := buildCatalog(cfg.Stripe)
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog

	var (
		subMetrics  subscription.Metrics = &subscription.NoopMetrics{}
		billMetrics billing.Metrics      = &billing.NoopMetrics{}
	)
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		subMetrics = subprom.NewMetrics(a.Registry, cfg.Metrics.Namespace)
		billMetrics = billingprom.NewMetrics(a.Registry, cfg.Metrics.Namespace)
	}

	st, err := a.openStores(ctx, subLogger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	// Mongo indexes are idempotent and always ensured; SQL migrations are opt-in
	if a.migrate != nil && (cfg.Storage.Backend == config.StorageMongo || cfg.Postgres.AutoMigrate) {
		if err := a.migrate(ctx); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	gateways, err := buildGateways(cfg, catalog, billMetrics, subMetrics, subLogger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	sender, err := buildSender(cfg.Postmark, subLogger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	notifier, err := notify.New(notify.Config{Users: st.users, Sender: sender, Catalog: catalog, Logger: subLogger})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	executor := subscription.NewExecutor(notifier, subLogger, subMetrics)

	a.Validator, err = subscription.NewValidator(subscription.ValidatorConfig{
		Catalog:       catalog,
		Subscriptions: st.subs,
		Usage:         subscription.NewCircuitBreakerUsage(st.usage, subscription.DefaultBreakerConfig(), subLogger, subMetrics),
		Cache:         subscription.NewDecisionCache(cfg.Entitlements.CacheTTL, cfg.Entitlements.CacheSize, subscription.SystemClock{}),
		Notices:       st.notices,
		NoticeWindow:  cfg.Entitlements.NoticeWindow,
		Executor:      executor,
		Logger:        subLogger,
		Metrics:       subMetrics,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	executor.SetInvalidator(a.Validator)

	defaultProvider := "stripe"
	if _, ok := gateways["stripe"]; !ok {
		if _, ok := gateways["mercadopago"]; ok {
			defaultProvider = "mercadopago"
		}
	}
	a.Manager, err = subscription.NewManager(subscription.Config{
		Catalog:         catalog,
		Subscriptions:   st.subs,
		Gateways:        gateways,
		DefaultProvider: defaultProvider,
		Users:           st.users,
		Executor:        executor,
		Logger:          subLogger,
		Metrics:         subMetrics,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	a.Processor, err = subscription.NewProcessor(subscription.ProcessorConfig{
		Manager:    a.Manager,
		Events:     st.events,
		MaxRetries: cfg.Scheduler.MaxRetries,
		Logger:     subLogger,
		Metrics:    subMetrics,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}
	a.Scheduler = subscription.NewScheduler(a.Manager, a.Processor, a.Validator).WithWarningDays(cfg.Scheduler.WarningDays)

	webhooks, err := buildWebhooks(gateways, a.Processor, billMetrics, subLogger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	apiConfig := api.Config{
		Manager:   a.Manager,
		Validator: a.Validator,
		Scheduler: a.Scheduler,
		Processor: a.Processor,
		Webhooks:  webhooks,
		GetUserID: api.FromHeader(cfg.HTTP.UserHeader),
		Logger:    subLogger,
	}
	if token := cfg.HTTP.AdminToken; token != "" {
		apiConfig.IsAdmin = func(r *http.Request) bool {
			return subtle.ConstantTimeCompare([]byte(r.Header.Get(AdminTokenHeader)), []byte(token)) == 1
		}
	}
	if a.Registry != nil {
		apiConfig.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
	}
	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.Handler = accessLog(logger)(handler.Routes())

	return a, nil
}

func (a *App) openStores(ctx context.Context, logger subscription.Logger) (*stores, error) {
	cfg := a.Config
	st := &stores{}

	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Postgres.DSN
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.Logger = logger
		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { pg.Close(); return nil })
		a.migrate = pg.Migrate
		st.subs, st.events, st.notices = pg, pg, pg

	case config.StorageMongo:
		mg, err := a.openMongo(ctx)
		if err != nil {
			return nil, err
		}
		a.migrate = mg.EnsureIndexes
		st.subs, st.events, st.notices, st.usage, st.users = mg, mg, mg, mg, mg

	default:
		mem := memory.New()
		st.subs, st.events, st.notices, st.usage, st.users = mem, mem, mem, mem, mem
	}

	// Trips, photos and users belong to the Voyaj API database
	if st.usage == nil {
		if cfg.Mongo.URI != "" {
			mg, err := a.openMongo(ctx)
			if err != nil {
				return nil, err
			}
			st.usage, st.users = mg, mg
		} else {
			a.Logger.Warn().Msg("MONGO_URI not set, usage counts and user lookups use an empty in-memory directory")
			mem := memory.New()
			st.usage, st.users = mem, mem
		}
	}

	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs, err := redis.New(client, redis.Config{KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			return nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })

		notices, err := tiered.New(tiered.Config{
			Hot:       rs,
			Cold:      st.notices,
			AsyncSync: true,
			AsyncErrorHandler: func(err error) {
				a.Logger.Warn().Err(err).Msg("limit notice tier degraded")
			},
		})
		if err != nil {
			return nil, err
		}
		// runs before the redis closer so pending cold writes still land
		a.closers = append(a.closers, func(context.Context) error { return notices.Close() })
		st.notices = notices
	}
	return st, nil
}

func (a *App) openMongo(ctx context.Context) (*mongo.Storage, error) {
	mgConfig := mongo.DefaultConfig()
	mgConfig.URI = a.Config.Mongo.URI
	mgConfig.Database = a.Config.Mongo.Database
	mg, err := mongo.New(ctx, mgConfig)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, mg.Close)
	return mg, nil
}

// buildCatalog applies configured provider price ids to the default plans
func buildCatalog(cfg config.StripeConfig) (*subscription.Catalog, error) {
	plans := subscription.DefaultCatalog().Plans()
	for i := range plans {
		switch plans[i].ID {
		case subscription.PlanAventurero:
			if cfg.AventureroPriceID != "" {
				plans[i].ProviderPriceID = cfg.AventureroPriceID
			}
		case subscription.PlanNomadaDigital:
			if cfg.NomadaDigitalPriceID != "" {
				plans[i].ProviderPriceID = cfg.NomadaDigitalPriceID
			}
		}
	}
	catalog, err := subscription.NewCatalog(plans...)
	if err != nil {
		return nil, fmt.Errorf("failed to build plan catalog: %w", err)
	}
	return catalog, nil
}

func buildGateways(
	cfg *config.Config, catalog *subscription.Catalog, billMetrics billing.Metrics,
	subMetrics subscription.Metrics, logger subscription.Logger,
) (subscription.Gateways, error) {
	var gws []subscription.PaymentGateway

	if cfg.Stripe.SecretKey != "" {
		gw, err := stripe.NewGateway(stripe.Config{Config: billing.Config{
			Catalog:       catalog,
			APIKey:        cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Metrics:       billMetrics,
			Logger:        logger,
		}})
		if err != nil {
			return nil, fmt.Errorf("failed to create stripe gateway: %w", err)
		}
		gws = append(gws, subscription.NewCircuitBreakerGateway(gw, subscription.DefaultBreakerConfig(), logger, subMetrics))
	}

	if cfg.MercadoPago.AccessToken != "" {
		gw, err := mercadopago.NewGateway(mercadopago.Config{
			Config: billing.Config{
				Catalog:       catalog,
				APIKey:        cfg.MercadoPago.AccessToken,
				WebhookSecret: cfg.MercadoPago.WebhookSecret,
				Metrics:       billMetrics,
				Logger:        logger,
			},
			NotificationURL: cfg.MercadoPago.NotificationURL,
			Sandbox:         cfg.MercadoPago.Sandbox,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create mercadopago gateway: %w", err)
		}
		gws = append(gws, subscription.NewCircuitBreakerGateway(gw, subscription.DefaultBreakerConfig(), logger, subMetrics))
	}

	return subscription.NewGateways(gws...), nil
}

func buildWebhooks(
	gateways subscription.Gateways, processor *subscription.Processor,
	metrics billing.Metrics, logger subscription.Logger,
) (map[string]http.Handler, error) {
	headers := map[string]string{
		"stripe":      stripe.SignatureHeader,
		"mercadopago": mercadopago.SignatureHeader,
	}

	out := make(map[string]http.Handler, len(gateways))
	for name, gw := range gateways {
		h, err := billing.NewWebhookHandler(billing.WebhookHandlerConfig{
			Gateway:         gw,
			Processor:       processor,
			SignatureHeader: headers[name],
			Metrics:         metrics,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s webhook handler: %w", name, err)
		}
		out[name] = h
	}
	return out, nil
}

func buildSender(cfg config.PostmarkConfig, logger subscription.Logger) (notify.Sender, error) {
	if cfg.ServerToken == "" {
		return notify.LogSender{Logger: logger}, nil
	}
	sender, err := postmark.New(postmark.Config{
		ServerToken:  cfg.ServerToken,
		AccountToken: cfg.AccountToken,
		SenderEmail:  cfg.SenderEmail,
		SupportEmail: cfg.SupportEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postmark sender: %w", err)
	}
	return sender, nil
}

// Migrate applies the storage schema. Backends without a schema are a no-op.
func (a *App) Migrate(ctx context.Context) error {
	if a.migrate == nil {
		return nil
	}
	return a.migrate(ctx)
}

// Serve runs the HTTP server and, when enabled, the maintenance loop until ctx
// is cancelled.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config.HTTP
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.Handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		a.Logger.Info().Msg("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	if a.Config.Scheduler.Enabled {
		g.Go(func() error {
			a.Scheduler.Run(gctx, a.Config.Scheduler.Interval)
			return nil
		})
	}
	return g.Wait()
}

// Close releases storage connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// accessLog logs one line per request
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			event := logger.Info()
			if ww.Status() >= http.StatusInternalServerError {
				event = logger.Warn()
			}
			event.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
