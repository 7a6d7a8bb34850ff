package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/app"
	"github.com/dokzlo13/kafkaconf/internal/config"
	"github.com/dokzlo13/kafkaconf/internal/ledger"
	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// Exit codes
const (
	exitOK     = 0
	exitFailed = 1 // at least one resource failed
	exitFatal  = 2 // configuration or connection failure
)

func main() {
	os.Exit(run())
}

func run() int {
	// Support both -c and --config for config path
	var configPath string
	flag.StringVar(&configPath, "config", "kafkaconf.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "kafkaconf.yaml", "Path to configuration file (shorthand)")
	checkMode := flag.Bool("check", false, "Report the changes that would be made without applying them")
	history := flag.Int("history", 0, "Print the N most recent run history entries and exit")
	resource := flag.String("resource", "", "With -history, only print entries of this resource (kind/name, e.g. topic/orders)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitFatal
	}
	if *checkMode {
		cfg.Reconciler.CheckMode = true
	}

	// Setup logging
	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	log.Info().Str("config", configPath).Msg("Starting kafkaconf")

	application, err := app.New(cfg, configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create application")
		return exitFatal
	}
	defer application.Stop()

	if *history > 0 {
		return printHistory(application, *history, *resource)
	}

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitFatal
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	failed := false
	report := func(res reconcile.Result) {
		failed = res.Failed
		if err := writeJSON(res); err != nil {
			log.Error().Err(err).Msg("Failed to write result")
		}
	}

	if err := application.Run(ctx, report); err != nil {
		log.Error().Err(err).Msg("Reconciliation aborted")
		return exitFatal
	}
	if failed {
		return exitFailed
	}
	return exitOK
}

func printHistory(application *app.App, limit int, resource string) int {
	var (
		entries []*ledger.Entry
		err     error
	)
	if resource != "" {
		ref, perr := reconcile.ParseResourceRef(resource)
		if perr != nil {
			log.Error().Err(perr).Msg("Invalid -resource")
			return exitFatal
		}
		entries, err = application.ResourceHistory(ref, limit)
	} else {
		entries, err = application.History(limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read run history")
		return exitFatal
	}

	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "%s  %s  %-6s %-24s %-9s attempts=%d %v\n",
			e.Timestamp.Format(time.RFC3339), e.RunID, e.Kind, e.Name, e.Status, e.Attempts, e.Payload)
	}
	return exitOK
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	// Logs go to stderr, stdout carries the result
	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
