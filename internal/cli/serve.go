package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paperdash/config"
	"paperdash/events"
	"paperdash/hub"
	"paperdash/journal"
	"paperdash/ledger"
	"paperdash/pkg/id"
	"paperdash/rate"
	"paperdash/server"
)

func newServeCmd(rc *RootConfig) *cobra.Command {
	var (
		addr   string
		dbPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot side: ledger, journal, broadcaster, and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rc.Config()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Journal.DBPath = dbPath
			}
			return runServe(rc, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite journal database (overrides config)")
	return cmd
}

func runServe(rc *RootConfig, cfg *config.Config) error {
	logger := rc.Logger()

	sqlite, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	async := journal.NewAsync(sqlite, cfg.Journal.QueueSize, logger)
	defer func() {
		if err := async.Close(); err != nil {
			logger.Error("close journal", zap.Error(err))
		}
	}()

	hubOpts := []hub.Option{hub.WithRateSampler(rate.NewDefault())}
	var h *hub.Hub
	if rc.ConfigPath != "" {
		reloader := config.NewReloader(rc.ConfigPath, cfg, func(next *config.Config) error {
			// Balance and journal settings are fixed for the life of the
			// process; only the dashboard-facing account metadata is
			// hot-swappable.
			h.SetSymbols(next.Account.Symbols)
			h.SetPaperMode(next.Account.PaperMode)
			return nil
		})
		hubOpts = append(hubOpts, hub.WithReloader(reloader))
	}
	h = hub.New(logger, hubOpts...)
	defer h.Stop()

	led := ledger.New(async, h, logger, ledger.WithTradeLog(async))
	defer led.Close()

	ctx := context.Background()
	if err := led.Initialize(ctx, decimal.NewFromFloat(cfg.Account.StartingBalance)); err != nil {
		return err
	}

	h.SetRunning(true)
	h.SetPaperMode(cfg.Account.PaperMode)
	h.SetSymbols(cfg.Account.Symbols)
	h.BroadcastSessionInfo(events.SessionInfo{
		SessionID: id.New(),
		StartedAt: time.Now().UnixMilli(),
		PaperMode: cfg.Account.PaperMode,
	})

	srv := server.New(h, led, server.LedgerPositions{Ledger: led}, logger,
		server.WithTradeHistory(sqlite),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}

	h.SetRunning(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	return nil
}
