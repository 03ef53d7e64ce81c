// Package main provides the Ergo engine CLI.
//
// Usage:
//
//	ergo migrate                 - Run schema migrations
//	ergo serve                   - Start workers, scheduler and the HTTP surface
//	ergo make_api_key            - Generate a new API key
//	ergo id to-uuid <objectid>   - Map an object id to its deterministic UUID
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/ergohq/ergo/internal/engine"
	"github.com/ergohq/ergo/internal/metrics"
	"github.com/ergohq/ergo/internal/platform/database"
	"github.com/ergohq/ergo/internal/platform/migrations"
	"github.com/ergohq/ergo/internal/queue"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/internal/storage/memory"
	"github.com/ergohq/ergo/internal/storage/postgres"
	"github.com/ergohq/ergo/pkg/config"
	"github.com/ergohq/ergo/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "migrate":
		cmdMigrate()
	case "serve":
		cmdServe()
	case "make_api_key":
		cmdMakeAPIKey()
	case "id":
		cmdID(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Ergo - event-driven task automation engine

Usage:
  ergo <command> [arguments]

Commands:
  migrate                 Run schema migrations
  serve                   Start workers, scheduler and the HTTP surface
  make_api_key            Generate a new API key (printed once)
  id to-uuid <objectid>   Map an object id to its deterministic UUID

Environment Variables:
  DATABASE_URL  PostgreSQL DSN (in-memory storage when empty)
  REDIS_URL     Queue broker (in-memory broker when empty)
  BIND_PORT     HTTP listen port (default 6543)
  LOG_LEVEL     debug|info|warn|error (default info)

Examples:
  ergo migrate
  ergo serve
  ergo id to-uuid task:42`)
}

func cmdMigrate() {
	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}
	if cfg.Database.DSN == "" {
		fatal("migrate requires DATABASE_URL")
	}
	if err := migrations.Apply(cfg.Database.DSN, cfg.Database.MigrationsPath); err != nil {
		fatal("%v", err)
	}
	fmt.Println("migrations applied")
}

func cmdServe() {
	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}
	log := logger.New(cfg.Logging)

	ctx := context.Background()

	var store storage.Store
	if cfg.Database.DSN != "" {
		db, err := database.Open(ctx, cfg.Database.DSN)
		if err != nil {
			fatal("connect to postgres: %v", err)
		}
		defer db.Close()
		database.Configure(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		store = postgres.New(db)
		log.Info("using postgres storage")
	} else {
		store = memory.New()
		log.Warn("DATABASE_URL not set; using in-memory storage")
	}

	var broker queue.Broker
	if cfg.Redis.URL != "" {
		redisBroker, err := queue.NewRedisBrokerURL(cfg.Redis.URL)
		if err != nil {
			fatal("connect to redis: %v", err)
		}
		if err := redisBroker.Ping(ctx); err != nil {
			fatal("ping redis: %v", err)
		}
		broker = redisBroker
		log.Info("using redis broker")
	} else {
		broker = queue.NewMemoryBroker()
		log.Warn("REDIS_URL not set; using in-memory broker")
	}

	eng := engine.New(cfg, log, store, broker, metrics.New())
	if err := eng.Start(ctx); err != nil {
		fatal("start engine: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.WithField("signal", sig.String()).Info("shutting down")

	if err := eng.Stop(ctx); err != nil {
		fatal("shutdown: %v", err)
	}
}

func cmdMakeAPIKey() {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		fatal("generate key: %v", err)
	}
	key := "ergo_" + base64.RawURLEncoding.EncodeToString(raw)
	hash := sha256.Sum256([]byte(key))

	fmt.Printf("API key (shown once): %s\n", key)
	fmt.Printf("SHA-256 hash:         %s\n", hex.EncodeToString(hash[:]))
}

// ergoIDNamespace anchors deterministic object-id to UUID mapping.
var ergoIDNamespace = uuid.MustParse("8e3c8f5e-9f4a-4c2e-9f18-60b1d5a0c9df")

func cmdID(args []string) {
	if len(args) < 2 || args[0] != "to-uuid" {
		fmt.Fprintln(os.Stderr, "Usage: ergo id to-uuid <objectid>")
		os.Exit(1)
	}
	fmt.Println(uuid.NewSHA1(ergoIDNamespace, []byte(args[1])).String())
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
