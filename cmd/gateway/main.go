package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"aegis/pkg/events"
	"aegis/pkg/hardening"
	"aegis/pkg/httpx"
	"aegis/pkg/identity"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/pipeline"
	"aegis/pkg/ratelimit"
	"aegis/pkg/session"
	"aegis/pkg/store"
	"aegis/pkg/telemetry"
)

type Server struct {
	Chain      *pipeline.Chain
	Users      *UserStore
	Projects   *ProjectStore
	Sessions   session.Store
	Hub        *events.Hub
	EventLog   *events.PostgresSink
	Metrics    *metrics.Registry
	Redis      *redis.Client
	CookieName string
	AuthSecret string

	LoginLimit  ratelimit.Config
	APILimit    ratelimit.Config
	FreshWindow time.Duration
}

// Testable seams for main().
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetry, openRedisFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTel func(ctx context.Context, service string) (func(context.Context) error, error),
	openRedis func(ctx context.Context) (*redis.Client, error),
	listen func(server *http.Server) error,
) error {
	ctx := context.Background()
	shutdown, err := initTel(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	authSecret := env("AUTH_TOKEN_SECRET", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AuthSecret:         authSecret,
		TrustedProxyCIDRs:  env("TRUSTED_PROXY_CIDRS", ""),
	}); err != nil {
		return err
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory stores: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	hub := events.NewHub()
	sinks := events.Multi{events.LogSink{}, hub}
	var eventLog *events.PostgresSink
	if strings.TrimSpace(env("DATABASE_URL", "")) != "" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if env("EVENTS_AUTO_MIGRATE", "false") == "true" {
			if _, err := pool.Exec(ctx, store.EventsSchema); err != nil {
				return fmt.Errorf("events schema: %w", err)
			}
		}
		eventLog = &events.PostgresSink{DB: pool}
		sinks = append(sinks, eventLog)
	}
	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		kafkaSink, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_EVENTS_TOPIC", "security-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	var counters ratelimit.CounterStore
	var suspects ratelimit.SuspectStore
	var sessions session.Store
	if redisClient != nil {
		counters = ratelimit.NewRedisStore(redisClient)
		suspects = ratelimit.NewRedisSuspects(redisClient)
		sessions = session.NewRedisStore(redisClient, time.Hour*time.Duration(envInt("SESSION_TTL_HOURS", 24)))
	} else {
		counters = ratelimit.NewMemoryStore()
		suspects = ratelimit.NewMemorySuspects()
		sessions = session.NewMemoryStore()
	}

	users := NewUserStore(sessions, authSecret)
	users.Seed(env("SEED_USERS", "admin@example.com:change-me:SUPER_ADMIN,demo@example.com:demo-pass:USER"))

	resolver := identity.NewResolver(users)
	resolver.CookieName = env("SESSION_COOKIE_NAME", "session_id")
	resolver.Secret = authSecret

	guardian := session.NewGuardian(sessions, sinks)
	guardian.RegenerationInterval = time.Minute * time.Duration(envInt("SESSION_REGEN_MINUTES", 30))
	guardian.StrictDrift = env("SESSION_STRICT_DRIFT", "false") == "true"

	reg := metrics.NewRegistry()
	chain := &pipeline.Chain{
		Limiter:  ratelimit.New(counters, suspects),
		Resolver: resolver,
		Guardian: guardian,
		Sink:     sinks,
		Metrics:  reg,
		IPs:      &ratelimit.IPResolver{TrustedProxies: ratelimit.ParseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))},
	}

	s := &Server{
		Chain:      chain,
		Users:      users,
		Projects:   NewProjectStore(),
		Sessions:   sessions,
		Hub:        hub,
		EventLog:   eventLog,
		Metrics:    reg,
		Redis:      redisClient,
		CookieName: resolver.CookieName,
		AuthSecret: authSecret,
		LoginLimit: ratelimit.Config{
			Window:      time.Minute * time.Duration(envInt("LOGIN_LIMIT_WINDOW_MIN", 15)),
			MaxAttempts: envInt("LOGIN_LIMIT_ATTEMPTS", 5),
			KeyFunc:     chain.IPEmailKey("email"),
		},
		APILimit: ratelimit.Config{
			Window:      time.Second * time.Duration(envInt("API_LIMIT_WINDOW_SEC", 60)),
			MaxAttempts: envInt("API_LIMIT_ATTEMPTS", 240),
		},
		FreshWindow: time.Minute * time.Duration(envInt("FRESH_AUTH_WINDOW_MIN", 15)),
	}

	server := &http.Server{
		Addr:              ":" + env("PORT", "8080"),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("gateway listening on %s", server.Addr)
	return listen(server)
}

// Routes assembles the middleware chain in pipeline order: sanitize, rate
// limit, identity, session guardian, authorization, then the handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.MaxBodyMiddleware(int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))))
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.Chain.Sanitize)
		r.With(s.Chain.RateLimit("login", s.LoginLimit)).Post("/auth/login", s.handleLogin)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.Chain.Sanitize)
		r.Use(s.Chain.RateLimit("api", s.APILimit))
		r.Use(s.Chain.Authenticate(true))
		r.Use(s.Chain.Guard)

		r.Get("/me", s.handleMe)
		r.Get("/projects", s.handleListProjects)
		r.With(s.Chain.RequireCSRF).Post("/projects", s.handleCreateProject)
		r.With(s.Chain.Authorize(models.ActionRead, "project", projectID, s.Projects.Load)).
			Get("/projects/{id}", s.handleGetProject)
		r.With(s.Chain.RequireCSRF, s.Chain.Authorize(models.ActionWrite, "project", projectID, s.Projects.Load)).
			Put("/projects/{id}", s.handleUpdateProject)
		r.With(s.Chain.RequireCSRF).Post("/projects/bulk", s.handleBulkProjects)
		r.With(s.Chain.RequireCSRF, s.Chain.RequireFresh(s.FreshWindow)).
			Delete("/account", s.handleDeleteAccount)
	})

	r.Route("/security", func(r chi.Router) {
		r.Use(s.Chain.Sanitize)
		r.Use(s.Chain.Authenticate(true))
		r.Use(s.Chain.Guard)
		r.Use(s.Chain.RequireRole(models.RoleAdmin))

		r.Get("/suspicious", s.handleListSuspicious)
		r.Delete("/suspicious/{ip}", s.handleClearSuspicious)
		r.Get("/events", s.handleRecentEvents)
		r.Get("/events/watch", s.handleWatchEvents)
		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	})

	return r
}

func projectID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func env(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}
