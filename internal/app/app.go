// Package app wires every component into the single fabric process and
// drives its lifecycle: config validation, cache/database/upstream
// bring-up, idempotent migrations, the notification scheduler, and the
// gateway's HTTP server, bracketed by a CARTOGRAPHER_UP/CARTOGRAPHER_DOWN
// broadcast and a clean-shutdown marker on disk.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/cartofabric/fabric/internal/config"
	"github.com/cartofabric/fabric/internal/httpserver"
	"github.com/cartofabric/fabric/internal/platform"
	"github.com/cartofabric/fabric/internal/state"
	coretelemetry "github.com/cartofabric/fabric/internal/telemetry"
	"github.com/cartofabric/fabric/pkg/anomaly"
	"github.com/cartofabric/fabric/pkg/cache"
	"github.com/cartofabric/fabric/pkg/circuitbreaker"
	"github.com/cartofabric/fabric/pkg/dispatchpolicy"
	"github.com/cartofabric/fabric/pkg/gateway"
	"github.com/cartofabric/fabric/pkg/identity"
	"github.com/cartofabric/fabric/pkg/massoutage"
	"github.com/cartofabric/fabric/pkg/notify"
	"github.com/cartofabric/fabric/pkg/notifytypes"
	"github.com/cartofabric/fabric/pkg/scheduler"
	"github.com/cartofabric/fabric/pkg/servicetoken"
	"github.com/cartofabric/fabric/pkg/slack"
	"github.com/cartofabric/fabric/pkg/store"
	"github.com/cartofabric/fabric/pkg/upstream"
	"github.com/cartofabric/fabric/pkg/usersync"
	"github.com/cartofabric/fabric/pkg/webhook"
)

const (
	serviceName        = "fabric"
	serviceVersion     = "dev"
	flagServiceStatus  = "service_status"
	shutdownDrainPause = time.Second
	versionStateKey    = "latest_version_check"
	schedBoltFile      = "scheduler_broadcasts.db"
	outageBoltFile     = "massoutage.db"
	stateBoltFile      = "state.db"
)

// networkAccessAdapter adapts store.Networks' (store.Role, error) result
// onto gateway.NetworkAccess, which needs a plain string: store.Role and
// string are distinct named types and don't satisfy each other.
type networkAccessAdapter struct {
	networks *store.Networks
}

func (a networkAccessAdapter) AccessRole(ctx context.Context, networkID, userID uuid.UUID) (string, error) {
	role, err := a.networks.AccessRole(ctx, networkID, userID)
	return string(role), err
}

// components holds every long-lived dependency built during startup, so
// shutdown can unwind them in a sensible order.
type components struct {
	cfg *config.Config

	pool  *pgxpool.Pool
	rdb   *redis.Client
	cache *cache.Cache

	stateStore  *state.Store
	outageStore *massoutage.BoltStore
	schedDB     *bolt.DB

	breakers  *circuitbreaker.Registry
	upstreams *upstream.Pool
	authority *servicetoken.Authority

	provider   identity.Identity
	syncEngine *usersync.Engine
	webhooks   *webhook.Handler

	anomalyMgr *anomaly.Manager
	outages    *massoutage.Manager
	dispatcher *notify.Dispatcher
	scheduler  *scheduler.Scheduler

	gw *gateway.Gateway
}

// Run executes the full process lifecycle: bring every component up,
// serve until ctx is canceled, then shut down cleanly. The returned
// error is the first unrecoverable startup failure; a normal shutdown
// via ctx cancellation returns nil.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := coretelemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting fabric", "env", cfg.Env, "auth_provider", cfg.AuthProvider)

	shutdownTracer, err := coretelemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, serviceVersion)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	c, err := bringUp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.closeInfra(logger)

	if err := platform.RunMigrations(c.pool, cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	c.upstreams.WarmUpAll(ctx)

	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	announceUp(ctx, c, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      buildRouter(c, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
			return
		}
		serveErr <- nil
	}()

	var serveFailure error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveFailure = <-serveErr:
		if serveFailure != nil {
			logger.Error("http server failed", "error", serveFailure)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}

	announceDown(shutdownCtx, c, logger)
	return serveFailure
}

// bringUp builds every component in dependency order: infra first
// (cache, database, bolt state files, upstream pool), then the identity
// plane, then the notification pipeline, then the gateway itself.
func bringUp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{cfg: cfg}

	if cfg.RedisCacheEnabled {
		rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable at startup, cache will run degraded", "error", err)
		} else {
			c.rdb = rdb
		}
	}
	c.cache = cache.New(c.rdb, logger)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	c.pool = pool

	if err := c.openStateStores(cfg); err != nil {
		return nil, err
	}

	c.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger, func(name string, from, to circuitbreaker.State) {
		coretelemetry.CircuitState.WithLabelValues(name).Set(to.GaugeValue())
		logger.Info("circuit breaker transition", "upstream", name, "from", from.String(), "to", to.String())
	})

	c.upstreams = upstream.NewPool(logger, c.breakers)
	registerUpstreams(c.upstreams, cfg)
	if err := c.upstreams.InitializeAll(); err != nil {
		return nil, fmt.Errorf("initializing upstream pool: %w", err)
	}

	c.authority, err = servicetoken.New(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("initializing service-token authority: %w", err)
	}

	users := store.NewUsers(c.pool)
	links := store.NewProviderLinks(c.pool)
	networks := store.NewNetworks(c.pool)

	c.provider, err = buildIdentityProvider(ctx, cfg, c.authority, users, logger)
	if err != nil {
		return nil, err
	}

	c.syncEngine = usersync.New(users, links, nil, logger)
	c.webhooks = webhook.NewHandler(c.provider, c.syncEngine, logger)

	c.anomalyMgr = anomaly.NewManager()
	c.outages = massoutage.NewManager(c.outageStore, logger)

	policy := dispatchpolicy.New(dispatchpolicy.NewInMemoryRateLimiter(), logger)
	recipients := store.NewNotifyRecipients(c.pool)
	channels := buildChannelAdapters(cfg, logger)
	c.dispatcher = notify.New(recipients, recipients, policy, channels, c.outages, logger)

	broadcasts, err := scheduler.OpenBoltBroadcastStore(c.schedDB)
	if err != nil {
		return nil, fmt.Errorf("opening broadcast store: %w", err)
	}

	c.scheduler, err = scheduler.New(
		broadcasts,
		networks,
		c.dispatcher,
		scheduler.NewHTTPVersionSource(cfg.ApplicationURL+"/VERSION", http.DefaultClient),
		c.stateStore,
		scheduler.Config{
			CurrentVersion:  serviceVersion,
			VersionStateKey: versionStateKey,
			ChangelogURL:    cfg.ApplicationURL + "/changelog",
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}

	c.gw = gateway.New(
		gateway.Config{
			SessionCookieName: cfg.SessionCookieName,
			CSRFCookieName:    cfg.CSRFCookieName,
			TrustedOrigins:    cfg.CSRFTrustedOrigins,
		},
		c.upstreams,
		c.authority,
		c.cache,
		networkAccessAdapter{networks: networks},
		logger,
	)

	return c, nil
}

// openStateStores opens the three independent bbolt-backed stores under
// cfg.StateDir: internal/state's own file, the mass-outage buffer file,
// and a dedicated db handle for the scheduler's broadcast bucket (which
// expects an already-open *bolt.DB rather than a path).
func (c *components) openStateStores(cfg *config.Config) error {
	stateStore, err := state.Open(filepath.Join(cfg.StateDir, stateBoltFile))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	c.stateStore = stateStore

	outageStore, err := massoutage.OpenBoltStore(filepath.Join(cfg.StateDir, outageBoltFile))
	if err != nil {
		return fmt.Errorf("opening mass-outage store: %w", err)
	}
	c.outageStore = outageStore

	schedDB, err := bolt.Open(filepath.Join(cfg.StateDir, schedBoltFile), 0o600, nil)
	if err != nil {
		return fmt.Errorf("opening scheduler broadcast db: %w", err)
	}
	c.schedDB = schedDB

	return nil
}

// registerUpstreams registers every proxied upstream the gateway can
// reach, skipping any whose base URL isn't configured.
func registerUpstreams(pool *upstream.Pool, cfg *config.Config) {
	register := func(name, baseURL string) {
		if baseURL == "" {
			return
		}
		pool.Register(name, baseURL)
	}
	register(upstream.Identity, cfg.AuthServiceURL)
	register(upstream.Health, cfg.HealthServiceURL)
	register(upstream.Metrics, cfg.MetricsServiceURL)
	register(upstream.Assistant, cfg.AssistantServiceURL)
	register(upstream.Notification, cfg.NotificationServiceURL)
}

// buildIdentityProvider selects the configured identity provider: local
// (self-hosted, token-authority-backed) or cloud (hosted IdP with
// webhook-verified sync).
func buildIdentityProvider(ctx context.Context, cfg *config.Config, authority *servicetoken.Authority, users *store.Users, logger *slog.Logger) (identity.Identity, error) {
	switch cfg.AuthProvider {
	case "", "local":
		return identity.NewLocalProvider(authority, store.NewActiveUsers(users)), nil
	case "clerk":
		verifier := webhook.NewVerifier(cfg.ClerkWebhookSecret)
		return identity.NewCloudProvider(ctx, identity.CloudConfig{
			APIBase:      "https://api.clerk.com/v1",
			SecretKey:    cfg.ClerkSecretKey,
			RedirectBase: cfg.ApplicationURL,
		}, verifier, logger), nil
	case "workos":
		verifier := webhook.NewVerifier(cfg.WorkOSWebhookSecret)
		return identity.NewCloudProvider(ctx, identity.CloudConfig{
			APIBase:       "https://api.workos.com",
			SecretKey:     cfg.WorkOSAPIKey,
			OAuthClientID: cfg.WorkOSClientID,
			RedirectBase:  cfg.ApplicationURL,
		}, verifier, logger), nil
	default:
		return nil, fmt.Errorf("unknown AUTH_PROVIDER %q", cfg.AuthProvider)
	}
}

// buildChannelAdapters wires every configured notification channel:
// email (Resend) always, chat DM and chat channel when a Slack bot token
// is present.
func buildChannelAdapters(cfg *config.Config, logger *slog.Logger) map[string]notify.ChannelAdapter {
	channels := map[string]notify.ChannelAdapter{
		"email": notify.NewEmailAdapter(notify.NewResendTransport(cfg.ResendAPIKey, cfg.EmailFrom)),
	}
	if cfg.SlackBotToken != "" {
		notifier := slack.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
		channels["chat_dm"] = notify.NewChatDMAdapter(notifier)
		if cfg.SlackAlertChannel != "" {
			channels["chat_channel"] = notify.NewChatChannelAdapter(notifier, cfg.SlackAlertChannel)
		}
	}
	return channels
}

// buildRouter assembles the root chi router: health/ready/metrics
// endpoints, the identity sub-router, the IdP webhook endpoint, and the
// gateway's catch-all proxy for everything else.
func buildRouter(c *components, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(httpserver.RequestID)
	r.Use(httpserver.Logger(logger))
	r.Use(httpserver.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   c.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := c.pool.Ping(ctx); err != nil {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "not_ready", "database unavailable")
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	metricsReg := coretelemetry.NewMetricsRegistry(coretelemetry.All()...)
	r.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	r.Route("/identity", func(ir chi.Router) {
		ir.Get("/login", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, c.provider.LoginURL(r.URL.Query().Get("redirect")), http.StatusFound)
		})
		ir.Get("/logout", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, c.provider.LogoutURL(r.URL.Query().Get("redirect")), http.StatusFound)
		})
		ir.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			claims, err := c.provider.ValidateSession(r.Context(), r)
			if err != nil {
				httpserver.RespondAppErr(w, err)
				return
			}
			httpserver.Respond(w, http.StatusOK, claims)
		})
	})

	r.Mount("/webhooks/identity", c.webhooks.Routes())

	r.Mount("/", c.gw.Router())

	return r
}

// announceUp reads the prior shutdown marker (if any) to decide the
// startup message, then broadcasts CARTOGRAPHER_UP and writes a fresh
// "running" marker so an unclean exit is visible on the next startup.
func announceUp(ctx context.Context, c *components, logger *slog.Logger) {
	var prior state.ShutdownMarker
	message := "fabric started"
	if err := c.stateStore.Get(state.KeyShutdownMarker, &prior); err == nil && !prior.CleanShutdown {
		message = "fabric restarted after an unclean shutdown"
	}

	now := time.Now()
	if err := c.stateStore.Put(state.KeyShutdownMarker, state.ShutdownMarker{CleanShutdown: false, LastStartup: &now}); err != nil {
		logger.Error("writing startup state marker", "error", err)
	}

	priority := notifytypes.PriorityMedium
	_, err := c.dispatcher.DispatchGlobal(ctx, flagServiceStatus, notifytypes.NotificationEvent{
		EventID:   uuid.NewString(),
		Timestamp: now,
		Type:      notifytypes.EventCartographerUp,
		Priority:  &priority,
		Title:     "fabric is up",
		Message:   message,
	}, now)
	if err != nil {
		logger.Error("dispatching startup notification", "error", err)
	}
}

// announceDown broadcasts CARTOGRAPHER_DOWN, pauses briefly to give the
// notification pipeline a chance to flush, persists a snapshot of every
// tracked anomaly baseline, stops the scheduler, closes the upstream
// pool, and finally marks the shutdown clean on disk.
func announceDown(ctx context.Context, c *components, logger *slog.Logger) {
	now := time.Now()
	priority := notifytypes.PriorityCritical
	_, err := c.dispatcher.DispatchGlobal(ctx, flagServiceStatus, notifytypes.NotificationEvent{
		EventID:   uuid.NewString(),
		Timestamp: now,
		Type:      notifytypes.EventCartographerDown,
		Priority:  &priority,
		Title:     "fabric is shutting down",
		Message:   "fabric is shutting down for maintenance or restart",
	}, now)
	if err != nil {
		logger.Error("dispatching shutdown notification", "error", err)
	}
	time.Sleep(shutdownDrainPause)

	snapshot := c.anomalyMgr.Snapshot()
	if err := c.stateStore.Put(state.KeyAnomalySnapshot, snapshot); err != nil {
		logger.Error("persisting anomaly snapshot", "error", err)
	}

	if err := c.scheduler.Stop(); err != nil {
		logger.Error("stopping scheduler", "error", err)
	}
	c.upstreams.CloseAll()

	if err := c.stateStore.Put(state.KeyShutdownMarker, state.ShutdownMarker{CleanShutdown: true, LastShutdown: &now}); err != nil {
		logger.Error("writing shutdown state marker", "error", err)
	}
}

// closeInfra releases the database pool, redis client, and bbolt handles
// opened during bringUp. Called via defer even if startup failed partway
// through, so every field is nil-checked.
func (c *components) closeInfra(logger *slog.Logger) {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}
	if c.outageStore != nil {
		if err := c.outageStore.Close(); err != nil {
			logger.Error("closing mass-outage store", "error", err)
		}
	}
	if c.schedDB != nil {
		if err := c.schedDB.Close(); err != nil {
			logger.Error("closing scheduler broadcast db", "error", err)
		}
	}
	if c.stateStore != nil {
		if err := c.stateStore.Close(); err != nil {
			logger.Error("closing state store", "error", err)
		}
	}
}
