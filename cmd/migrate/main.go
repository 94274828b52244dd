package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reallocation-engine/internal/config"
	"github.com/hackgods/slot-reallocation-engine/internal/db"
	"github.com/hackgods/slot-reallocation-engine/internal/logging"
)

// Usage: migrate [up|down|force <version>|version]
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "error")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "migrate").Logger()

	mg, err := db.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrator setup failed")
	}
	defer func() {
		if err := mg.Close(); err != nil {
			logger.Warn().Err(err).Msg("close migrator")
		}
	}()

	if err := execute(mg, os.Args[1:], logger); err != nil {
		logger.Error().Err(err).Msg("migration failed")
		os.Exit(1)
	}
}

type migrator interface {
	Up() error
	Down() error
	Force(version int) error
	Version() (uint, bool, error)
}

func execute(mg migrator, args []string, logger zerolog.Logger) error {
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "up":
		if err := mg.Up(); err != nil {
			return err
		}
	case "down":
		if err := mg.Down(); err != nil {
			return err
		}
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force requires a version")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := mg.Force(v); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	v, dirty, err := mg.Version()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	logger.Info().Str("command", cmd).Uint("version", v).Bool("dirty", dirty).Msg("migrations done")
	return nil
}
