package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowtrading/auction-engine/internal/api"
	"github.com/flowtrading/auction-engine/internal/auction"
	"github.com/flowtrading/auction-engine/internal/auth"
	"github.com/flowtrading/auction-engine/internal/book"
	"github.com/flowtrading/auction-engine/internal/config"
	"github.com/flowtrading/auction-engine/internal/settlement"
	"github.com/flowtrading/auction-engine/internal/solver"
	"github.com/flowtrading/auction-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}
	if cfg.Secret == "" {
		slog.Error("secret must be configured (APP_SECRET or config file)")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.Path != "" {
		sqlite, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Database.CreateIfMissing)
		if err != nil {
			slog.Error("database open failed", "path", cfg.Database.Path, "err", err)
			os.Exit(1)
		}
		st = sqlite
		slog.Info("opened database", "path", cfg.Database.Path)
	} else {
		slog.Warn("database.path not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with a Redis read-through cache for outcome pages if configured.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		st = store.NewCachedStore(st, redis.NewClient(opt), 30*time.Second)
		slog.Info("redis outcome cache enabled")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Auction service and auto-solve mailbox ---
	auctionSvc := auction.NewService(st, solver.Settings{}, 10*time.Second, wsHub)
	mailbox := auction.NewMailbox(func(ctx context.Context, t time.Time) error {
		_, err := auctionSvc.Run(ctx, t)
		return err
	})
	mailbox.Start(ctx)

	// --- Bid book ---
	bookSvc := book.NewService(st, mailbox)

	// --- Scheduled batches and settlement ---
	settleSvc := settlement.NewService(st, 6)
	every, err := cfg.Schedule.EveryDuration()
	if err != nil {
		slog.Error("invalid schedule", "err", err)
		os.Exit(1)
	}
	if every > 0 {
		from, err := cfg.Schedule.FromTime()
		if err != nil {
			slog.Error("invalid schedule", "err", err)
			os.Exit(1)
		}
		if from.IsZero() {
			from = time.Now().UTC()
		}
		scheduler := auction.NewScheduler(from, every, func(ctx context.Context, t time.Time) error {
			if _, err := auctionSvc.Run(ctx, t); err != nil {
				return err
			}
			_, err := settleSvc.Roll(ctx)
			return err
		})
		scheduler.Start(ctx)
		slog.Info("batch schedule enabled", "from", from.Format(time.RFC3339), "every", every.String())
	}

	// --- HTTP server ---
	verifier := auth.NewVerifier(cfg.Secret)
	server := api.NewServer(bookSvc, auctionSvc, verifier, wsHub)

	srv := &http.Server{
		Addr:         cfg.Server.BindAddress,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("auction-engine listening", "addr", cfg.Server.BindAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down auction-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("auction-engine stopped")
}
