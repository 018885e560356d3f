package kubernetes

import (
	"context"
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/openfroyo/broker/pkg/engine"
)

// mapError classifies API server errors. Errors that are not API statuses
// are network failures and retried.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return engine.NewTransientError("kubernetes "+op+" failed", err).WithOperation(op)
	}

	switch {
	case apierrors.IsNotFound(err):
		return engine.NewNotFoundError("kubernetes object", op).WithOperation(op)
	case apierrors.IsTooManyRequests(err):
		return engine.NewThrottledError("kubernetes API rate limited", err).WithOperation(op)
	case apierrors.IsConflict(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err):
		return engine.NewTransientError("kubernetes "+op+" failed", err).WithOperation(op)
	default:
		return engine.NewPermanentError("kubernetes "+op+" rejected", err).WithOperation(op)
	}
}
