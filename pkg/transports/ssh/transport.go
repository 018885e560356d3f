// Package ssh runs commands and writes files on remote hosts over SSH. The
// Slurm backend drives sacctmgr and sreport through it, and the SFTP
// accounting sink delivers usage batches with it.
package ssh

import (
	"context"
	"errors"
	"os"
	"time"
)

// Runner executes commands on one remote host.
type Runner interface {
	// Run executes cmd and returns its output. A non-zero exit yields both the
	// result and a *TransportError carrying the exit code.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// WriteFile atomically replaces remotePath with data via SFTP.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error

	// HealthCheck verifies the host is reachable, connecting if needed.
	HealthCheck(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the trimmed standard output
	Stdout string

	// Stderr is the trimmed standard error output
	Stderr string

	// ExitCode is the command's exit code, -1 when it did not run to completion
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "sftp")
	Op string

	// Err is the underlying error
	Err error

	// ExitCode is set when a command ran and exited non-zero
	ExitCode int

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a transport failure worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// ExitCode returns the exit code carried by err, or 0 when there is none.
func ExitCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.ExitCode
	}
	return 0
}
