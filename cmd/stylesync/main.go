package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/atelierworks/stylesync/internal/localstore"
	"github.com/atelierworks/stylesync/internal/remotestore"
	"github.com/atelierworks/stylesync/internal/syncengine"
)

func main() {
	_ = godotenv.Load()

	identity := strings.TrimSpace(os.Getenv("STYLESYNC_IDENTITY"))
	if identity == "" {
		log.Fatalf("STYLESYNC_IDENTITY is required")
	}
	localPath := envOrDefault("STYLESYNC_LOCAL_DB", defaultLocalDB())
	remoteDSN := strings.TrimSpace(os.Getenv("STYLESYNC_REMOTE_DSN"))

	local, err := localstore.Open(localPath)
	if err != nil {
		log.Fatalf("open local store: %v", err)
	}
	defer local.Close()

	remote, err := remotestore.BuildFromDSN(remoteDSN)
	if err != nil {
		log.Fatalf("build remote store: %v", err)
	}
	defer remote.Close()

	engine, err := syncengine.New(local, remote, syncengine.Options{
		Debounce:       durationEnv("STYLESYNC_DEBOUNCE", 3*time.Second),
		ConflictWindow: durationEnv("STYLESYNC_CONFLICT_WINDOW", 30*time.Second),
		WriteTimeout:   durationEnv("STYLESYNC_WRITE_TIMEOUT", 30*time.Second),
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Init(ctx, identity); err != nil {
		log.Fatalf("init session: %v", err)
	}
	log.Printf("stylesync running: local=%s remote=%s identity=%s", localPath, redactDSN(remoteDSN), identity)

	<-ctx.Done()
	log.Printf("shutting down")
	engine.Teardown()
}

func defaultLocalDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stylesync.db"
	}
	return filepath.Join(home, ".stylesync", "stylesync.db")
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, raw, fallback)
		return fallback
	}
	return parsed
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	if idx := strings.Index(dsn, "@"); idx >= 0 {
		if schemeEnd := strings.Index(dsn, "://"); schemeEnd >= 0 {
			return dsn[:schemeEnd+3] + "***" + dsn[idx:]
		}
	}
	return dsn
}
