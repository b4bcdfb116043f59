// Command orchestrator wires the transaction orchestration core plus the
// Postgres store and HTTP provider adapter into a running process:
// logger, config, database, adapters, managers, background workers,
// server, graceful shutdown, in that order.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/compensation"
	"github.com/crowka/paycomponent-module-sub000/internal/config"
	"github.com/crowka/paycomponent-module-sub000/internal/dlq"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/httpapi"
	"github.com/crowka/paycomponent-module-sub000/internal/idempotency"
	"github.com/crowka/paycomponent-module-sub000/internal/lock"
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
	"github.com/crowka/paycomponent-module-sub000/internal/reconcile"
	"github.com/crowka/paycomponent-module-sub000/internal/recovery"
	"github.com/crowka/paycomponent-module-sub000/internal/retry"
	"github.com/crowka/paycomponent-module-sub000/internal/retryqueue"
	"github.com/crowka/paycomponent-module-sub000/internal/storepg"
	"github.com/crowka/paycomponent-module-sub000/internal/txn"
)

func main() {
	// 1. Logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 2. Config.
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Database.
	db, err := storepg.Connect(ctx, cfg.Database.ToStorePG(), logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := storepg.New(db)
	sink := storepg.NewEventSink(db)
	bus := eventbus.New(sink)

	// 4. Clock.
	clk := clock.NewRealClock()

	// 5. Locking and idempotency, both durable caches over Store.
	locker := lock.New(st, bus, clk).WithTTL(cfg.Locking.TTL)
	idem := idempotency.New(st, bus, clk).WithTTL(cfg.Idempotency.TTL)

	// 6. Retry queue and manager.
	retryQueue := retryqueue.New(st, clk)
	if err := retryQueue.Load(ctx); err != nil {
		logger.Error("failed to load retry queue", "error", err)
		os.Exit(1)
	}
	retryMgr := retry.New(st, retryQueue, locker, bus, clk, cfg.Retry.ToPolicy())

	// 7. Dead-letter queue and recovery manager; the retry manager doubles
	// as recovery.Scheduler.
	deadLetters := dlq.New(st, bus, clk)

	// 8. Provider adapter, needed by two of the three recovery strategies.
	providerPort := provider.NewHTTPAdapter(cfg.Provider.ToProvider())

	strategies := []recovery.Strategy{
		recovery.NewNetworkRecovery(providerPort),
		recovery.NewTimeoutRecovery(providerPort, clk, cfg.Recovery.MaxWaitTime),
		recovery.NewGeneralRecovery(),
	}
	recoveryMgr := recovery.New(st, locker, retryMgr, deadLetters, bus, clk, strategies)

	// 9. Compensation ledger, handlers over the same provider port the
	// forward path uses.
	comp := compensation.New(st, locker, bus, clk, compensation.DefaultHandlers(providerPort))

	// 10. Transaction manager, the component every other one answers to.
	txnMgr := txn.New(st, locker, idem, retryMgr, recoveryMgr, comp, providerPort, bus, clk).
		WithCompensationRetries(cfg.Compensation.MaxRetries)

	// 11. Break the retry/transaction-manager construction cycle now that
	// both exist.
	retryMgr.SetDispatcher(txnMgr)

	// 12. Reconciler.
	reconciler := reconcile.New(st, providerPort, txnMgr, txnMgr, bus, clk, logger).
		WithInterval(cfg.Reconciler.Interval).
		WithWindow(cfg.Reconciler.Window).
		WithExpirationCutoff(cfg.Reconciler.ExpirationCutoff)

	// 13. Background loops.
	go retryMgr.RunDispatch(ctx)
	go idem.RunSweep(ctx, cfg.Idempotency.SweepInterval)
	go reconciler.Start(ctx)

	// 14. HTTP surface: health check plus the thin Begin/UpdateStatus/Get/
	// webhook front door over the transaction manager.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpapi.NewHandler(txnMgr, providerPort).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 15. Graceful shutdown.
	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", "error", err)
	}

	logger.Info("exit")
}
