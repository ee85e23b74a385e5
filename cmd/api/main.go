package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvallett/cardops/internal/api"
	"github.com/nvallett/cardops/internal/config"
	"github.com/nvallett/cardops/internal/ledger"
	"github.com/nvallett/cardops/internal/store/memory"
	"github.com/nvallett/cardops/internal/store/postgres"
	"github.com/nvallett/cardops/pkg/wal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	var backend ledger.Ledger
	var cleanup func()

	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := postgres.Connect(context.Background(), cfg.DBSource)
		if err != nil {
			logger.Error("unable to connect to database", "error", err)
			os.Exit(1)
		}
		backend = store
		cleanup = store.Close
	default:
		log, err := wal.Open(cfg.WALPath)
		if err != nil {
			logger.Error("unable to open wal", "error", err, "path", cfg.WALPath)
			os.Exit(1)
		}
		store, err := memory.New(log)
		if err != nil {
			logger.Error("wal replay failed", "error", err, "path", cfg.WALPath)
			os.Exit(1)
		}
		backend = store
		cleanup = func() { log.Close() }
	}

	handler := api.NewHandler(backend, logger)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Use(api.RequestID)
	handler.Register(r)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "backend", cfg.Backend, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	cleanup()
	logger.Info("server exited")
}
