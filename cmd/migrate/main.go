package main

import (
	"errors"
	"flag"

	migrate "github.com/golang-migrate/migrate/v4"

	"github.com/noah-isme/hostpay/internal/config"
	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/store"
)

// Usage: migrate [-steps n] up|down|version
func main() {
	steps := flag.Int("steps", 0, "number of migrations to apply or roll back; 0 means all")
	flag.Parse()

	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "migrate").Logger()
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}

	m, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("init migrator")
	}
	defer func() { _, _ = m.Close() }()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}
	switch cmd {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	case "version":
	default:
		logger.Fatal().Str("command", cmd).Msg("unknown command; want up, down or version")
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal().Err(err).Str("command", cmd).Msg("migration failed")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.Fatal().Err(err).Msg("read schema version")
	}
	logger.Info().Str("command", cmd).Uint("version", version).Bool("dirty", dirty).Msg("migrations complete")
}
