package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"

	"github.com/stellar-reserve-sponsor/internal/config"
	"github.com/stellar-reserve-sponsor/internal/handler"
	"github.com/stellar-reserve-sponsor/internal/handler/admin"
	"github.com/stellar-reserve-sponsor/internal/keystore"
	"github.com/stellar-reserve-sponsor/internal/ledger"
	"github.com/stellar-reserve-sponsor/internal/middleware"
	"github.com/stellar-reserve-sponsor/internal/policy"
	"github.com/stellar-reserve-sponsor/internal/service"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store"
	"github.com/stellar-reserve-sponsor/internal/telemetry"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Server stopped")
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("network", cfg.StellarNetwork).
		Str("version", version).
		Msg("Starting stellar reserve sponsor")

	pool, err := store.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if cfg.RunMigrations {
		log.Info().Msg("Running database migrations...")
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		log.Info().Msg("Migrations completed successfully")
	}
	db := store.NewPostgres(pool)

	salt, err := cfg.KeystoreSaltBytes()
	if err != nil {
		return &config.Error{Var: "KEYSTORE_SALT", Reason: "must be hex encoded"}
	}
	cipher, err := keystore.DeriveCipher(cfg.KeystorePassphrase, salt, cfg.KeystoreIterations)
	if err != nil {
		return fmt.Errorf("derive keystore cipher: %w", err)
	}
	keys, err := keystore.New(cfg.SigningSecretKey, cipher, db, cfg.NetworkPassphrase())
	if err != nil {
		return fmt.Errorf("create keystore: %w", err)
	}
	if err := keys.Load(ctx); err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}
	log.Info().Int("sponsor_accounts", keys.SponsorCount()).Msg("Keystore loaded")

	horizon := &horizonclient.Client{
		HorizonURL: cfg.DefaultHorizonURL(),
		HTTP:       &http.Client{Timeout: cfg.SubmitTimeout + 5*time.Second},
	}
	codec := stellar.NewCodec(cfg.NetworkPassphrase(), cfg.MaxEnvelopeBytes)
	builder := stellar.NewBuilder(horizon, keys, cfg.MasterFundingPublicKey, cfg.NetworkPassphrase(), cfg.MasterCosign)
	relay := stellar.NewRelay(horizon, cfg.SubmitTimeout)
	accounts := stellar.NewAccountService(horizon)

	counter, closeCounter, err := windowCounter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCounter()

	l := ledger.New(db).WithObserver(telemetry.LedgerObserver{})
	engine := policy.NewEngine(counter)
	reconciler := service.NewReconciler(db, l, relay, service.ReconcilerConfig{
		NotFoundGrace:     cfg.NotFoundGrace,
		Interval:          cfg.ReconcileInterval,
		RequestsPerSecond: cfg.ReconcileRPS,
	})
	signing := service.NewSigningService(db, codec, engine, l, keys, reconciler)
	apiKeys := service.NewAPIKeyService(db, keys, cfg.StellarNetwork, cfg.APIKeyHashCost)
	funding := service.NewFundingService(db, builder, codec, relay, l)

	googleAuth, err := middleware.NewGoogleAuth(cfg.GoogleClientID, cfg.GoogleAllowedDomain, cfg.GoogleAllowedEmails)
	if err != nil {
		return fmt.Errorf("create google auth: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.WriteTimeout))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Metrics)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Handle("/metrics", promhttp.Handler())

	authLimiter := middleware.NewAuthAttemptLimiter(counter, cfg.AuthMaxFailures, cfg.AuthFailureWindow)

	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.IPRateLimit(counter, cfg.IPRateLimitMax, cfg.IPRateLimitWindow)).
			Get("/health", handler.NewHealthHandler(accounts, keys, cfg.MasterFundingPublicKey, cfg.StellarNetwork, version).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(apiKeys, authLimiter))
			r.With(middleware.RequireJSON).Post("/sign", handler.NewSignHandler(signing).ServeHTTP)
			r.Get("/usage", handler.NewUsageHandler(db, l, engine).ServeHTTP)
			r.Get("/info", handler.NewInfoHandler(cfg.NetworkPassphrase(), cfg.MaxEnvelopeBytes).ServeHTTP)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(googleAuth.Middleware(authLimiter))

			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", admin.NewListAPIKeysHandler(apiKeys, l, accounts).ServeHTTP)
				r.With(middleware.RequireJSON).Post("/", admin.NewCreateAPIKeyHandler(apiKeys).ServeHTTP)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", admin.NewGetAPIKeyHandler(apiKeys, l, accounts).ServeHTTP)
					r.With(middleware.RequireJSON).Patch("/", admin.NewUpdateAPIKeyHandler(apiKeys).ServeHTTP)
					r.Delete("/", admin.NewRevokeAPIKeyHandler(apiKeys).ServeHTTP)
					r.Post("/regenerate", admin.NewRegenerateAPIKeyHandler(apiKeys).ServeHTTP)
					r.Post("/activate", admin.NewBuildActivateHandler(funding).ServeHTTP)
					r.With(middleware.RequireJSON).Post("/activate/submit", admin.NewSubmitActivateHandler(funding).ServeHTTP)
					r.With(middleware.RequireJSON).Post("/fund", admin.NewBuildFundHandler(funding).ServeHTTP)
					r.With(middleware.RequireJSON).Post("/fund/submit", admin.NewSubmitFundHandler(funding).ServeHTTP)
					r.Post("/sweep", admin.NewSweepHandler(funding).ServeHTTP)
				})
			})

			r.Get("/transactions", admin.NewTransactionsHandler(db, reconciler).ServeHTTP)
			r.Post("/transactions/{id}/check", admin.NewCheckTransactionHandler(reconciler).ServeHTTP)
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconciler.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	<-reconcileDone
	return nil
}

// windowCounter shares rate windows through Redis when REDIS_URL is set so
// replicas enforce one limit; otherwise windows live in process memory.
func windowCounter(ctx context.Context, cfg *config.Config) (policy.WindowCounter, func(), error) {
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, rate limit windows are per process")
		return policy.NewMemoryCounter(), func() {}, nil
	}
	client, err := policy.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return policy.NewRedisCounter(client, "sponsor:ratelimit"), func() { _ = client.Close() }, nil
}
