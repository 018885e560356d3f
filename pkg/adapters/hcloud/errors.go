package hcloud

import (
	"context"
	"errors"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/openfroyo/broker/pkg/engine"
)

var (
	throttledCodes = []hcloud.ErrorCode{hcloud.ErrorCodeRateLimitExceeded}

	transientCodes = []hcloud.ErrorCode{
		hcloud.ErrorCodeLocked,
		hcloud.ErrorCodeConflict,
		hcloud.ErrorCodeResourceLocked,
		hcloud.ErrorCodeResourceUnavailable,
		hcloud.ErrorCode("maintenance"),
		hcloud.ErrorCode("timeout"),
		hcloud.ErrorCode("server_error"),
		hcloud.ErrorCode("service_error"),
		hcloud.ErrorCode("unknown_error"),
	}
)

// mapError classifies an hcloud error for the engine. API errors not known to
// be retryable are permanent; transport failures are transient.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr hcloud.Error
	if !errors.As(err, &apiErr) {
		return engine.NewTransientError("hcloud "+op+" failed", err)
	}

	switch {
	case apiErr.Code == hcloud.ErrorCodeNotFound:
		return engine.NewNotFoundError("hcloud server", apiErr.Message)
	case hasCode(apiErr, throttledCodes):
		return engine.NewThrottledError("hcloud "+op+" rate limited", err)
	case hasCode(apiErr, transientCodes):
		return engine.NewTransientError("hcloud "+op+" failed", err)
	default:
		return engine.NewPermanentError("hcloud "+op+" rejected", err)
	}
}

func hasCode(err hcloud.Error, codes []hcloud.ErrorCode) bool {
	for _, c := range codes {
		if err.Code == c {
			return true
		}
	}
	return false
}
