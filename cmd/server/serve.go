package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/codegen"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
	"github.com/warp/ledger-engine/referral"
	"github.com/warp/ledger-engine/settlement"
	"github.com/warp/ledger-engine/store/postgres"
	"github.com/warp/ledger-engine/store/sqlite"
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "HTTP server port (overrides PORT)")
	serveCmd.Flags().String("driver", "", "Database driver: sqlite or postgres (overrides DB_DRIVER)")
	serveCmd.Flags().String("db", "", "SQLite database path, \":memory:\" for in-memory (overrides DB_SQLITE_PATH)")
	serveCmd.Flags().Bool("migrate", false, "Apply PostgreSQL migrations before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.App.Port = port
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.DB.Driver = strings.ToLower(driver)
	}
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		cfg.DB.SQLitePath = path
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	migrateFirst, _ := cmd.Flags().GetBool("migrate")
	store, closer, err := openStore(cfg, migrateFirst)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	if err := ledger.SeedDefaultSettings(ctx, store); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}

	handler, err := buildHandler(cfg, store, logger)
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Handler()
	}
	router := api.NewRouter(handler, api.RouterOptions{Metrics: metricsHandler})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.App.Port, "driver", cfg.DB.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config, migrateFirst bool) (ledger.TxStore, io.Closer, error) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		dsn := cfg.ConnectionString()
		if migrateFirst {
			if err := postgres.Migrate(dsn); err != nil {
				return nil, nil, err
			}
		}
		store, err := postgres.New(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil

	default:
		store, err := sqlite.New(cfg.DB.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, store, nil
	}
}

func buildHandler(cfg *config.Config, store ledger.TxStore, logger *slog.Logger) (*api.Handler, error) {
	referralCodes, err := codegen.New(codegen.AlphabetUpperAlnum, cfg.Codes.ReferralLength, cfg.GeneratorOptions()...)
	if err != nil {
		return nil, fmt.Errorf("referral code generator: %w", err)
	}
	vouchers, err := codegen.New(codegen.AlphabetUpperAlnum, cfg.Codes.VoucherLength, cfg.GeneratorOptions()...)
	if err != nil {
		return nil, fmt.Errorf("voucher generator: %w", err)
	}

	debit, err := cfg.BuyerDebitPolicy()
	if err != nil {
		return nil, err
	}
	noReferrer, err := cfg.NoReferrerPolicy()
	if err != nil {
		return nil, err
	}

	engine := settlement.NewEngine(store, vouchers,
		settlement.WithBuyerDebitPolicy(debit),
		settlement.WithLogger(logger),
	)
	issuer := referral.NewIssuer(store,
		referral.WithNoReferrerPolicy(noReferrer),
		referral.WithLogger(logger),
	)
	registrar := referral.NewRegistrar(store, referralCodes, referral.WithLogger(logger))

	return api.NewHandler(store, engine, issuer, registrar, logger), nil
}
