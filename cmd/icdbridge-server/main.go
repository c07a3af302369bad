package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/icdbridge/icdbridge/internal/config"
	"github.com/icdbridge/icdbridge/internal/domain/account"
	"github.com/icdbridge/icdbridge/internal/domain/comorbidity"
	"github.com/icdbridge/icdbridge/internal/domain/conversion"
	"github.com/icdbridge/icdbridge/internal/domain/mapping"
	"github.com/icdbridge/icdbridge/internal/domain/terminology"
	"github.com/icdbridge/icdbridge/internal/platform/auth"
	"github.com/icdbridge/icdbridge/internal/platform/dataload"
	"github.com/icdbridge/icdbridge/internal/platform/db"
	"github.com/icdbridge/icdbridge/internal/platform/middleware"
	"github.com/icdbridge/icdbridge/internal/platform/quota"
	"github.com/icdbridge/icdbridge/internal/platform/snapshot"
	"github.com/icdbridge/icdbridge/internal/platform/validation"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "icdbridge-server",
		Short:        "ICD-9-CM / ICD-10-CM conversion API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dataCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the conversion API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// stores holds the account, key and usage backends selected by STORAGE and
// QUOTA_BACKEND.
type stores struct {
	pool     *pgxpool.Pool
	redis    *redis.Client
	accounts account.AccountRepository
	keys     account.APIKeyRepository
	ledger   quota.Ledger
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.Storage {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		applied, err := db.EnsureSchema(ctx, pool)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("database schema up to date")
		s.accounts = account.NewAccountRepo(pool)
		s.keys = account.NewAPIKeyRepo(pool)
		s.ledger = quota.NewPGLedger(pool)
	default:
		logger.Warn().Msg("STORAGE=memory: accounts and usage are lost on restart")
		s.accounts = account.NewMemoryAccountRepo()
		s.keys = account.NewMemoryAPIKeyRepo()
		s.ledger = quota.NewMemoryLedger()
	}

	if cfg.QuotaBackend == "redis" {
		client, err := quota.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.redis = client
		s.ledger = quota.NewRedisLedger(client)
		logger.Info().Msg("quota ledger: redis")
	}
	return s, nil
}

func (s *stores) Close() {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// newTokenIssuer signs with JWT_SIGNING_KEY, or with a random 32-byte key
// when it is unset.
func newTokenIssuer(cfg *config.Config, logger zerolog.Logger) (*auth.TokenIssuer, error) {
	if cfg.JWTSigningKey != "" {
		tokens, err := auth.NewTokenIssuerHex(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_SIGNING_KEY: %w", err)
		}
		return tokens, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	logger.Warn().Msg("JWT_SIGNING_KEY not set, using a random key; tokens will not survive a restart")
	return auth.NewTokenIssuer(key, cfg.JWTIssuer, cfg.TokenTTL), nil
}

func newLoader(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*dataload.Loader, error) {
	src, err := dataload.NewSource(ctx, cfg.DataSource, dataload.S3Options{
		Region:   cfg.DataS3Region,
		Endpoint: cfg.DataS3Endpoint,
	})
	if err != nil {
		return nil, err
	}
	return dataload.NewLoader(src, cfg.FamilyPrefixLength, logger), nil
}

// application is everything the HTTP surface needs.
type application struct {
	cfg      *config.Config
	logger   zerolog.Logger
	holder   *snapshot.Holder
	pool     *pgxpool.Pool
	accounts *account.Service
	authn    *auth.Authenticator
	keys     *auth.APIKeyManager
	tokens   *auth.TokenIssuer
	gateway  *quota.Gateway
	limiter  *middleware.RateLimiter
}

func newApplication(cfg *config.Config, logger zerolog.Logger, holder *snapshot.Holder, st *stores, tokens *auth.TokenIssuer) *application {
	keys := auth.NewAPIKeyManager(st.keys, logger)
	rateCfg := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rateCfg.RequestsPerSecond <= 0 {
		rateCfg = middleware.DefaultRateLimitConfig()
	}
	return &application{
		cfg:      cfg,
		logger:   logger,
		holder:   holder,
		pool:     st.pool,
		accounts: account.NewService(st.accounts),
		authn:    auth.NewAuthenticator(st.accounts, keys, tokens),
		keys:     keys,
		tokens:   tokens,
		gateway:  quota.NewGateway(st.ledger, quota.Tiers(cfg.TierLimits()), logger),
		limiter:  middleware.NewRateLimiter(rateCfg),
	}
}

func (a *application) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  a.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.APIKeyHeader},
		ExposeHeaders: []string{quota.HeaderLimit, quota.HeaderRemaining, quota.HeaderReset, "Retry-After", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit, a.cfg.BatchBodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))

	e.GET("/health", a.health)

	authMW := auth.Middleware(a.authn, a.logger)
	metered := []echo.MiddlewareFunc{authMW, a.limiter.Middleware(), quota.Middleware(a.gateway, a.logger)}

	api := e.Group("/api/v1")
	auth.NewHandler(a.accounts, a.keys, a.tokens).RegisterRoutes(api, authMW)
	quota.NewHandler(a.gateway).RegisterRoutes(api, authMW, a.limiter.Middleware())

	engine := conversion.NewEngine(a.holder, a.cfg.MaxBatchSize)
	conversion.NewHandler(engine).RegisterRoutes(api, metered...)
	terminology.NewHandler(terminology.NewService(a.holder)).RegisterRoutes(api, metered...)
	mapping.NewHandler(a.holder).RegisterRoutes(api, metered...)
	comorbidity.NewHandler(a.holder).RegisterRoutes(api, metered...)

	fhirGroup := e.Group("/fhir")
	conversion.NewTranslateHandler(engine).RegisterRoutes(fhirGroup, metered...)

	return e
}

// health handles GET /health. It answers 503 when the database is
// unreachable; reference data is always present once the server is up.
func (a *application) health(c echo.Context) error {
	body := map[string]interface{}{
		"status":  "ok",
		"version": version,
		"data":    a.holder.Current().Summary(),
	}
	status := http.StatusOK
	if a.pool != nil {
		stats := db.Check(c.Request().Context(), a.pool)
		body["database"] = stats
		if stats.Error != "" {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	return c.JSON(status, body)
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open stores")
	}
	defer st.Close()

	loader, err := newLoader(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure data source")
	}
	initial, err := loader.Load(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load reference data")
	}
	holder := snapshot.NewHolder(initial)
	logger.Info().Interface("data", initial.Summary()).Msg("reference data loaded")

	tokens, err := newTokenIssuer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token issuer")
	}

	app := newApplication(cfg, logger, holder, st, tokens)
	e := app.routes()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snapshot.NewReloader(holder, loader.Load, cfg.DataRefreshInterval, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		app.limiter.Run(gctx, time.Minute)
		return nil
	})
	if ml, ok := st.ledger.(*quota.MemoryLedger); ok {
		g.Go(func() error {
			pruneLedger(gctx, ml)
			return nil
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// pruneLedger drops in-memory usage from previous days once an hour.
func pruneLedger(ctx context.Context, l *quota.MemoryLedger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(quota.StartOfDay(time.Now()))
		}
	}
}
