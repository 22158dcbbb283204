package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/papertrade/internal/auth"
	"github.com/ksred/papertrade/internal/config"
	"github.com/ksred/papertrade/internal/database"
	"github.com/ksred/papertrade/internal/ledger"
	"github.com/ksred/papertrade/internal/portfolio"
	"github.com/ksred/papertrade/internal/pricing"
	"github.com/ksred/papertrade/internal/scanner"
	"github.com/ksred/papertrade/internal/trading"
	"github.com/ksred/papertrade/internal/types"
	"github.com/ksred/papertrade/pkg/middleware"
)

const adminUserID = "admin"

// setupLogging installs pretty console output outside production and sets
// the global level
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// newOracle builds the configured price source. The recorder is nil when
// prices cannot be set through the API.
func newOracle(cfg config.Pricing, db *gorm.DB) (pricing.Oracle, pricing.Recorder) {
	var (
		source   pricing.Oracle
		recorder pricing.Recorder
	)
	switch cfg.Source {
	case "static":
		static := pricing.NewStaticOracle(nil)
		source, recorder = static, static
	case "alpaca":
		source = pricing.NewAlpacaOracle(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	default:
		dbOracle := pricing.NewDatabaseOracle(db)
		source, recorder = dbOracle, dbOracle
	}
	return pricing.WithTimeout(source, cfg.QuoteTimeout), recorder
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := ledger.New()
	book := portfolio.NewBook()
	oracle, recorder := newOracle(cfg.Pricing, db)

	authService := auth.NewService(db, l, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if cfg.Auth.AdminAPIKey != "" {
		if err := authService.EnsureUser(ctx, adminUserID, types.RoleAdmin, cfg.Auth.AdminAPIKey, cfg.Auth.AdminAPISecret); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to bootstrap admin credentials")
		}
	}

	tradingService := trading.NewService(db, l, book, oracle)
	orderScanner := scanner.New(tradingService, oracle, tradingService.Engine(), scanner.Options{
		Interval: cfg.Scanner.Interval,
		Workers:  cfg.Scanner.Workers,
	})
	go orderScanner.Start(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	setupRoutes(router, middleware.NewRateLimiter(ctx, 10), authService, routeHandlers{
		auth:      auth.NewGinHandlers(authService),
		trading:   trading.NewGinHandlers(tradingService),
		funds:     ledger.NewGinHandlers(ledger.NewFundService(db, l)),
		portfolio: portfolio.NewGinHandlers(portfolio.NewService(db, book)),
		pricing:   pricing.NewGinHandlers(oracle, recorder),
		scanner:   orderScanner,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("addr", cfg.Server.Addr).Str("price_source", cfg.Pricing.Source).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	zlog.Info().Msg("Server exiting")
}

// requestLogger logs each request through zerolog
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zlog.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

type routeHandlers struct {
	auth      *auth.GinHandlers
	trading   *trading.GinHandlers
	funds     *ledger.GinHandlers
	portfolio *portfolio.GinHandlers
	pricing   *pricing.GinHandlers
	scanner   *scanner.Scanner
}

// setupRoutes configures all API endpoints and their handlers:
//   - Auth routes: public, strictly rate limited
//   - User routes: JWT authentication, limited per user
//   - Admin routes: JWT authentication plus the ADMIN role
func setupRoutes(router *gin.Engine, rl *middleware.RateLimiter, authenticator middleware.Authenticator, h routeHandlers) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(rl.Handler())
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		user := v1.Group("")
		user.Use(middleware.JWTAuth(authenticator), rl.Handler())
		{
			user.POST("/orders", h.trading.SubmitOrderHandler())
			user.GET("/orders", h.trading.ListOrdersHandler())
			user.GET("/orders/:order_id", h.trading.GetOrderHandler())
			user.POST("/orders/:order_id/cancel", h.trading.CancelOrderHandler())
			user.GET("/trades", h.trading.ListTradesHandler())

			user.GET("/account", h.funds.GetAccountHandler())
			user.GET("/funds", h.funds.ListHandler())
			user.POST("/funds/deposits", h.funds.RequestDepositHandler())
			user.POST("/funds/withdrawals", h.funds.RequestWithdrawalHandler())

			user.GET("/positions", h.portfolio.ListPositionsHandler())
			user.GET("/prices/:ticker", h.pricing.GetPriceHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(authenticator), middleware.RequireRole(types.RoleAdmin))
		{
			admin.POST("/users", h.auth.CreateUserHandler())
			admin.POST("/orders/:order_id/reject", h.trading.ForceRejectHandler())
			admin.POST("/funds/:transaction_id/approve", h.funds.ApproveHandler())
			admin.POST("/funds/:transaction_id/reject", h.funds.RejectHandler())
			admin.PUT("/prices/:ticker", h.pricing.SetPriceHandler())
			admin.POST("/scanner/sweep", h.scanner.SweepHandler())
		}
	}
}
