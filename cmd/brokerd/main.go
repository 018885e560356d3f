package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/broker/cmd/brokerd/commands"
	"github.com/openfroyo/broker/pkg/engine"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes scripts can branch on.
const (
	exitFailure  = 1
	exitInvalid  = 2
	exitDenied   = 3
	exitConflict = 4
)

func main() {
	setupLogging(os.Getenv("BROKER_LOG_LEVEL"), os.Getenv("BROKER_LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, commands.BuildInfo{Version: version, Commit: commit, Date: buildDate})
	stop()
	if err != nil {
		log.Error().Err(err).Msg("brokerd failed")
		os.Exit(exitCode(err))
	}
}

// exitCode separates rejected input and admission denials from failures.
func exitCode(err error) int {
	switch {
	case engine.IsQuotaExceeded(err):
		return exitDenied
	case engine.IsInvalidRequest(err):
		return exitInvalid
	case engine.IsStaleTransition(err) || engine.IsConflict(err):
		return exitConflict
	default:
		return exitFailure
	}
}

// setupLogging configures the global logger used until telemetry takes over.
// BROKER_LOG_FORMAT=json keeps the output machine readable under a supervisor.
func setupLogging(level, format string) {
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = log.Logger.With().Str("app", "brokerd").Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
