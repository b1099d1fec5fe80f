package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-nft/internal/auction"
	"github.com/ksred/klear-nft/internal/auth"
	"github.com/ksred/klear-nft/internal/chain"
	"github.com/ksred/klear-nft/internal/config"
	"github.com/ksred/klear-nft/internal/database"
	"github.com/ksred/klear-nft/internal/settlement"
	"github.com/ksred/klear-nft/internal/wallet"
	"github.com/ksred/klear-nft/pkg/middleware"
	"github.com/ksred/klear-nft/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupLogging pretty prints outside production. log.level picks the global
// level and log.debug forces debug output.
func setupLogging(cfg config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Log.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	configPath := flag.String("config", os.Getenv("KLEAR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	// Initialize database
	db, err := database.NewDatabase(cfg.DB)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	chainClient, closeChain, err := newChainClient(startupCtx, cfg.Chain)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize chain client")
	}
	defer closeChain()

	resolver, err := newResolver(cfg.Wallet)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize wallet resolver")
	}

	policy, err := settlement.ParseBidPolicy(cfg.Settlement.BidPolicy)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid bid policy")
	}
	schedule, err := settlement.ParseSchedule(cfg.Settlement.Schedule)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid settlement schedule")
	}
	location, err := time.LoadLocation(cfg.Settlement.Timezone)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid settlement timezone")
	}

	// Initialize services and handlers
	marketplaceDB := auction.NewDatabase(db)
	settlementDB := settlement.NewDatabase(db)

	engine := settlement.NewEngine(marketplaceDB, settlementDB, resolver, chain.NewExecutor(chainClient), settlement.EngineConfig{
		Policy:         policy,
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		Workers:        cfg.Settlement.Workers,
		NativeCurrency: cfg.Chain.NativeCurrency,
		ItemTimeout:    cfg.Settlement.ItemTimeout,
	})
	if !cfg.Settlement.Enabled {
		schedule = nil
		zlog.Warn().Msg("Scheduled settlement disabled, passes run only on manual trigger")
	}
	settlementProcessor := settlement.NewProcessor(engine, settlementDB, schedule, location)
	settlementService := settlement.NewService(settlementProcessor, settlementDB, marketplaceDB, cfg.Settlement.RunHistory)
	settlementHandlers := settlement.NewGinHandlers(settlementService, auction.ErrItemNotFound)

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authService.RegisterAPICredentials(cfg.Auth.OperatorKey, cfg.Auth.OperatorSecret)
	authHandlers := auth.NewGinHandlers(authService)

	// Start the settlement processor
	processorCtx, processorCancel := context.WithCancel(context.Background())
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		settlementProcessor.Start(processorCtx)
	}()

	zlog.Info().
		Str("env", cfg.App.Env).
		Str("schedule", cfg.Settlement.Schedule).
		Str("timezone", location.String()).
		Str("bid_policy", string(policy)).
		Str("chain_mode", cfg.Chain.Mode).
		Bool("wallet_sandbox", resolver.Sandboxed()).
		Msg("Settlement configured")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg.Auth.JWTSecret, authHandlers, settlementHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// A pass in progress finishes its in-flight items before the loop exits
	processorCancel()
	<-processorDone

	zlog.Info().Msg("Server exiting")
}

func newChainClient(ctx context.Context, cfg config.ChainConfig) (chain.Client, func(), error) {
	if cfg.Mode == "dryrun" {
		zlog.Warn().Msg("Chain dry-run mode: transactions are simulated")
		return chain.NewDryRunClient(), func() {}, nil
	}

	client, err := chain.DialEthClient(ctx, chain.EthConfig{
		RPCURL:    cfg.RPCURL,
		ChainID:   cfg.ChainID,
		GasLimit:  cfg.GasLimit,
		TxTimeout: cfg.TxTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func newResolver(cfg config.WalletConfig) (*wallet.Resolver, error) {
	if !cfg.Sandbox {
		return wallet.NewResolver(wallet.NewRemoteProvider(cfg.BaseURL, cfg.APIKey, cfg.Timeout)), nil
	}

	buyer, err := wallet.CredentialFromHex(cfg.SandboxBuyerPrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.SandboxSellerPrivateKey == "" {
		return wallet.NewSandboxResolver(buyer, nil), nil
	}
	seller, err := wallet.CredentialFromHex(cfg.SandboxSellerPrivateKey)
	if err != nil {
		return nil, err
	}
	return wallet.NewSandboxResolver(buyer, &seller), nil
}

// setupRoutes configures the API endpoints:
// - Auth routes: public, issue operator tokens
// - Status routes: public health and metrics
// - Internal routes: settlement operations, operator token required
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		status := v1.Group("/status")
		{
			status.GET("/health", func(c *gin.Context) {
				response.Success(c, gin.H{"status": "ok", "timestamp": time.Now()})
			})
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.OperatorAuth(jwtSecret))
		{
			internal.POST("/settlement/run", settlementHandlers.RunSettlementHandler())
			internal.GET("/settlement/runs", settlementHandlers.ListRunsHandler())
			internal.GET("/settlement/items/:item_id", settlementHandlers.GetItemSettlementHandler())
		}
	}
}
