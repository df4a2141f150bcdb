// Package main applies, rolls back or reports the database schema migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/keelhost/control-plane/internal/store/postgres"
	"github.com/keelhost/control-plane/pkg/config"
	"github.com/keelhost/control-plane/pkg/logger"
)

func main() {
	target := flag.Int64("to", 0, "with down: roll back to this version instead of one step")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-to version] up|down|status")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != "postgres" {
		log.Error("migrations require STORE_DRIVER=postgres", "store_driver", cfg.StoreDriver)
		os.Exit(1)
	}

	store, err := postgres.NewPostgresStore(postgres.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = postgres.Migrate(ctx, store.DB(), log.Logger)
	case "down":
		err = postgres.MigrateDown(ctx, store.DB(), *target, log.Logger)
	case "status":
		err = postgres.MigrationStatus(ctx, store.DB())
	default:
		flag.Usage()
		store.Close()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration failed", "error", err)
		store.Close()
		os.Exit(1)
	}
}
