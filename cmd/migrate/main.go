package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ariefcatur/bookstore-checkout/internal/config"
	"github.com/ariefcatur/bookstore-checkout/internal/logging"
	"github.com/ariefcatur/bookstore-checkout/internal/postgres"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of migrating up")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.Env, cfg.ServiceName+"-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *down > 0 {
		if err := postgres.MigrateDown(cfg.PostgresDSN, *down); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		log.Info("rolled back", zap.Int("steps", *down))
		return
	}

	v, err := postgres.Migrate(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	log.Info("migration successful", zap.Uint("version", v))
}
