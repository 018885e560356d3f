package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/openfroyo/broker/pkg/engine"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"quota", engine.NewQuotaExceededError("account:acme", engine.DimensionCores, 8, 4, 10), exitDenied},
		{"wrapped quota", fmt.Errorf("submit: %w", engine.NewQuotaExceededError("account:acme", engine.DimensionCores, 8, 4, 10)), exitDenied},
		{"invalid", engine.NewInvalidRequestError("unknown resource type", nil), exitInvalid},
		{"stale", engine.NewStaleTransitionError("res-1", engine.StateActive, engine.StateErred), exitConflict},
		{"plain", errors.New("disk full"), exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestSetupLoggingLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	setupLogging("warn", "json")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	setupLogging("nonsense", "")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
