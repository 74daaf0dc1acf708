package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	cfg "github.com/sand/solana-trading-bot/backend/config"
	"github.com/sand/solana-trading-bot/backend/internal/chain"
	"github.com/sand/solana-trading-bot/backend/internal/core/ports"
	"github.com/sand/solana-trading-bot/backend/internal/handlers"
	"github.com/sand/solana-trading-bot/backend/internal/jupiter"
	"github.com/sand/solana-trading-bot/backend/internal/keyvault"
	"github.com/sand/solana-trading-bot/backend/internal/limits"
	"github.com/sand/solana-trading-bot/backend/internal/metrics"
	"github.com/sand/solana-trading-bot/backend/internal/usecases"
	"github.com/sand/solana-trading-bot/backend/internal/usecases/repository"
	"github.com/sand/solana-trading-bot/backend/internal/usecases/repository/memory"
	"github.com/sand/solana-trading-bot/backend/internal/workers"
	"github.com/sand/solana-trading-bot/backend/migrations"
	"github.com/sand/solana-trading-bot/backend/pkg/database"
)

// Server timeout constants.
const (
	readTimeoutSeconds     = 15
	writeTimeoutSeconds    = 15
	idleTimeoutSeconds     = 60
	shutdownTimeoutSeconds = 10
)

type storage struct {
	trades  ports.TradeLedger
	users   ports.UserRepository
	wallets ports.WalletRepository
	close   func()
}

func main() {
	time.Local = time.UTC

	config, err := cfg.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(config)
	logger.Warn("Starting application with configuration",
		"env", config.App.Environment,
		"debug", config.App.Debug,
		"network", chain.NetworkName(config.Solana.Devnet),
		"dry_run", config.Solana.DryRun,
		"server_port", config.HTTP.Port,
		"kdf", config.Security.KDF,
		"cipher", config.Security.Cipher)

	store, err := initStorage(logger, config)
	if err != nil {
		logger.Error("Failed to initialise storage", "error", err)
		os.Exit(1)
	}
	defer store.close()

	m := metrics.New()

	vault, err := initVault(logger, config, store.wallets)
	if err != nil {
		logger.Error("Failed to initialise key vault", "error", err)
		os.Exit(1)
	}
	defer vault.Close()

	rpcClient := rpc.New(chain.RPCEndpoint(config.Solana.RPCURL, config.Solana.Devnet))
	submitter := chain.NewSubmitter(logger, rpcClient, chain.SubmitterConfig{
		Commitment:     rpc.CommitmentType(config.Solana.Commitment),
		ConfirmTimeout: config.Solana.ConfirmTimeout,
		PollInterval:   config.Solana.PollInterval,
		DryRun:         config.Solana.DryRun,
	}, m)

	quotes := jupiter.NewClient(logger, jupiterConfig(config), jupiter.WithMetrics(m))

	defaultLimit := decimal.NewFromFloat(config.Limits.DailyLimitSOL)
	guard := limits.NewGuard(logger, usecases.LimitSource{
		Ledger:            store.trades,
		Users:             store.users,
		DefaultDailyLimit: defaultLimit,
	}, limits.Config{
		MinTradeSOL:      decimal.NewFromFloat(config.Limits.MinTradeSOL),
		MaxTradeSOL:      decimal.NewFromFloat(config.Limits.MaxTradeSOL),
		MaxTradesPerHour: config.Limits.MaxTradesPerHour,
		MaxTradesPerDay:  config.Limits.MaxTradesPerDay,
		LockTimeout:      config.Limits.UserLockTimeout,
	}, limits.WithMetrics(m))

	feed := handlers.NewWebSocketManager(logger)
	defer feed.Close()

	tradeService := usecases.NewTradeService(logger, usecases.TradeConfig{
		MaxSlippageBps: config.Limits.MaxSlippageBps,
	}, usecases.TradeDeps{
		Ledger:    store.trades,
		Users:     store.users,
		Wallets:   store.wallets,
		Quotes:    quotes,
		Signers:   usecases.VaultSigners{Vault: vault},
		Submitter: submitter,
		Guard:     guard,
		Tokens:    chain.DefaultRegistry(),
		Events:    feed,
		Metrics:   m,
	})
	userService := usecases.NewUserService(logger, store.users, guard, defaultLimit)
	walletService := usecases.NewWalletService(logger, store.wallets, store.users, vault, submitter)

	scheduler, err := initWorkers(logger, config, tradeService, guard, walletService)
	if err != nil {
		logger.Error("Failed to schedule workers", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	if config.HTTP.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET is empty, admin endpoints will reject every request")
	}
	auth := handlers.NewAdminAuth(logger, config.HTTP.AdminJWTSecret)
	httpHandler := handlers.NewHTTPHandler(logger, tradeService, userService, m, feed, auth, handlers.RuntimeInfo{
		Network: chain.NetworkName(config.Solana.Devnet),
		DryRun:  config.Solana.DryRun,
	})
	wsHandler := handlers.NewWebSocketHandler(logger, feed, auth)

	router := mux.NewRouter()

	// websocket route first, the api subrouter owns /api/v1 only
	wsHandler.RegisterRoutes(router)
	httpHandler.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  readTimeoutSeconds * time.Second,
		WriteTimeout: writeTimeoutSeconds * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	go func() {
		logger.Info("Starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
	defer cancel()

	scheduler.Stop(shutdownCtx)

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return
	}

	logger.Info("Server exited properly")
}

func newLogger(config *cfg.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.Log.Level}
	if config.App.Debug {
		opts.Level = slog.LevelDebug
	}

	if config.App.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// initStorage connects to postgres and migrates it. Without a database url
// the bot keeps everything in memory, which is only accepted in dry-run mode.
func initStorage(logger *slog.Logger, config *cfg.Config) (*storage, error) {
	if config.DB.DatabaseURL == "" {
		if !config.Solana.DryRun {
			return nil, errors.New("DATABASE_URL is required unless SOLANA_DRY_RUN is set")
		}
		logger.Warn("No database configured, using in-memory storage")
		mem := memory.New()
		return &storage{trades: mem.Trades(), users: mem.Users(), wallets: mem.Wallets(), close: func() {}}, nil
	}

	pg, err := database.New(config,
		database.MaxPoolSize(config.DB.PoolMax),
		database.ConnTimeout(config.DB.ConnectTimeout),
		database.HealthCheckPeriod(config.DB.HealthCheckPeriod),
		database.Isolation(pgx.ReadCommitted),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	logger.Info("Running database migrations")
	if err = database.RunMigrations(logger, config.DB.DatabaseURL, migrations.FS); err != nil {
		pg.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	return &storage{
		trades:  repository.NewTradesRepository(logger, pg),
		users:   repository.NewUsersRepository(logger, pg),
		wallets: repository.NewWalletsRepository(logger, pg),
		close:   pg.Close,
	}, nil
}

func initVault(logger *slog.Logger, config *cfg.Config, store keyvault.KeyStore) (*keyvault.Vault, error) {
	kdf, err := keyvault.ParseKDF(config.Security.KDF)
	if err != nil {
		return nil, err
	}
	cipher, err := keyvault.ParseCipher(config.Security.Cipher)
	if err != nil {
		return nil, err
	}

	params := keyvault.Argon2idParams(config.Security.Argon2Time, config.Security.Argon2MemoryKiB, config.Security.Argon2Threads)
	if kdf == keyvault.KDFScrypt {
		params = keyvault.ScryptParams(15, 8, 1)
	}

	return keyvault.New(logger.With("component", "keyvault"), store, []byte(config.Security.MasterEncryptionKey),
		keyvault.WithKDF(params),
		keyvault.WithCipher(cipher),
	)
}

func jupiterConfig(config *cfg.Config) jupiter.Config {
	jc := jupiter.DefaultConfig()
	jc.BaseURL = config.Jupiter.APIURL
	jc.APIKey = config.Jupiter.APIKey
	jc.Timeout = config.Jupiter.Timeout
	jc.Retry.MaxAttempts = config.Jupiter.MaxRetries
	jc.Retry.InitialBackoff = config.Jupiter.InitialBackoff
	jc.Retry.MaxBackoff = config.Jupiter.MaxBackoff
	jc.RateLimit = rate.Limit(config.Jupiter.RateLimit)
	jc.RateBurst = config.Jupiter.RateBurst
	jc.QuoteTTL = config.Jupiter.QuoteTTL
	jc.MaxAccounts = config.Jupiter.MaxAccounts
	return jc
}

func initWorkers(
	logger *slog.Logger,
	config *cfg.Config,
	trades workers.TradeSweeper,
	guard workers.ReservationReleaser,
	wallets workers.BalanceSyncer,
) (*workers.Scheduler, error) {
	scheduler := workers.NewScheduler(logger)

	if err := scheduler.Add(config.Workers.SweepSchedule,
		workers.NewStaleTradeSweeper(logger, trades, config.Workers.StaleAfter)); err != nil {
		return nil, err
	}
	if err := scheduler.Add(config.Workers.SweepSchedule,
		workers.NewReservationJanitor(logger, guard, config.Workers.ReservationTTL)); err != nil {
		return nil, err
	}
	if config.Workers.BalanceSchedule != "" {
		if err := scheduler.Add(config.Workers.BalanceSchedule, workers.NewBalanceRefresher(logger, wallets)); err != nil {
			return nil, err
		}
	}

	logger.Info("All workers initialized")
	return scheduler, nil
}
