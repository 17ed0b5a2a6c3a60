package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/splax/sheetledger/internal/app/migrate"
	"github.com/splax/sheetledger/internal/repository/mongo"
	"github.com/splax/sheetledger/pkg/config"
	"github.com/splax/sheetledger/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	cfg := config.LoadConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var runner migrate.Runner
	switch cfg.StoreDriver {
	case config.StorePostgres:
		r, err := migrate.NewSQL(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migration runner", "error", err)
			os.Exit(1)
		}
		runner = r
	case config.StoreMongo:
		store, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Error("failed to connect to mongo", "error", err)
			os.Exit(1)
		}
		defer store.Close(context.Background())
		r, err := migrate.NewIndexes(store, log)
		if err != nil {
			log.Error("failed to configure migration runner", "error", err)
			os.Exit(1)
		}
		runner = r
	default:
		log.Info("store has no schema to migrate", "driver", cfg.StoreDriver)
		return
	}

	var err error
	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command, "driver", cfg.StoreDriver)
}
