// Command reconcile recomputes every student, merchant and offer aggregate
// from the ledger once and exits. Run it after an outage left totals stale.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"offer-redemption-engine/internal/config"
	"offer-redemption-engine/internal/database"
	"offer-redemption-engine/internal/ledger"
)

func main() {
	configFile := flag.String("config", "", "Config file path")
	timeout := flag.Duration("timeout", 10*time.Minute, "Abort after this long")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	log.Logger = logger

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var db database.Store
	if cfg.Database.Driver == "postgres" {
		db, err = database.NewPostgresDB(ctx, cfg.Database.URL)
	} else {
		db, err = database.NewDB(cfg.Database.Path)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("Failed to initialize database")
	}
	defer db.Close()

	start := time.Now()
	n, err := ledger.NewReconciler(db, logger, cfg.Reconciler.Concurrency).ReconcileAll(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Reconciliation failed")
		os.Exit(1)
	}
	logger.Info().Int("aggregates", n).Dur("took", time.Since(start)).Msg("Reconciliation complete")
}
