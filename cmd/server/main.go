package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"shadowchat/internal/config"
	"shadowchat/internal/db"
	"shadowchat/internal/filestore"
	"shadowchat/internal/httpapi"
	"shadowchat/internal/middleware"
	"shadowchat/internal/registry"
	"shadowchat/internal/sweeper"
	"shadowchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open database: ", err)
	}
	defer database.Close()
	logger.Info("database initialized", "path", cfg.DBPath)

	files, err := filestore.New(cfg.FileRoot)
	if err != nil {
		log.Fatal("Failed to open file store: ", err)
	}

	reg := registry.New(logger)
	dist := ws.NewDistributor(database, reg, logger)
	wsHandler := ws.NewHandler(database, files, reg, dist, cfg.AllowedOrigins, logger)

	burnSweeper := sweeper.New(database, files, dist, cfg.SweepInterval, logger)
	burnSweeper.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := middleware.NewRateLimiter(ctx, 30, time.Minute)
	api := httpapi.New(database, files, wsHandler, limiter, cfg.MaxUploadBytes, logger)

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     loggingMiddleware(api.Router(), logger),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	burnSweeper.Stop()
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}
