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

	"github.com/nacsos/meta-cache/internal/config"
	delivery "github.com/nacsos/meta-cache/internal/delivery/http"
	"github.com/nacsos/meta-cache/internal/jobs"
	"github.com/nacsos/meta-cache/internal/logging"
	"github.com/nacsos/meta-cache/internal/middleware"
	"github.com/nacsos/meta-cache/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.Must(cfg.LogLevel)
	defer log.Sync()

	ctx := context.Background()
	st, err := store.New(ctx, cfg.Database.URL, log)
	if err != nil {
		log.Fatalw("database connection failed", "error", err)
	}
	defer st.Close()

	var notifier delivery.Notifier
	if cfg.Redis.URL != "" {
		bus, err := jobs.New(cfg.Redis.URL)
		if err != nil {
			log.Fatalw("redis connection failed", "error", err)
		}
		defer bus.Close()
		notifier = bus
	} else {
		log.Info("no redis configured, workers will poll")
	}

	handler := delivery.NewHandler(st, notifier, log)
	auth := middleware.NewAuthMiddleware(st, log)
	router := delivery.NewRouter(handler, auth)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infow("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("shutdown failed", "error", err)
	}
}
