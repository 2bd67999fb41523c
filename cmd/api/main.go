package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pulseboard/api/internal/app"
	"pulseboard/api/internal/audit"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/filestore"
	"pulseboard/api/internal/logger"
	"pulseboard/api/internal/session"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	zlog := logger.New()
	defer func() { _ = zlog.Sync() }()

	var files filestore.Store
	if strings.TrimSpace(cfg.GitHubOwner) != "" {
		log.Printf("Using GitHub repository %s/%s as the state store", cfg.GitHubOwner, cfg.GitHubRepo)
		files = filestore.NewGitHub(filestore.GitHubConfig{
			Owner:      cfg.GitHubOwner,
			Repo:       cfg.GitHubRepo,
			Branch:     cfg.GitHubBranch,
			Token:      cfg.GitHubToken,
			APIVersion: cfg.GitHubAPIVersion,
		})
	} else {
		log.Printf("Using local git repository under %s as the state store", cfg.DataDir)
		git, err := filestore.NewGit(cfg.DataDir)
		if err != nil {
			log.Fatalf("local git store failed: %v", err)
		}
		files = git
	}

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	if err := os.MkdirAll(cfg.AuditDir, 0o755); err != nil {
		log.Fatalf("failed to create audit dir: %v", err)
	}

	service := app.New(cfg, files, sessions, audit.New(cfg.AuditDir, zlog), zlog)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, zlog)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Pulseboard API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
