package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

var unavailableCodes = map[string]bool{
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	"RequestExpired":              true,
	"SignatureDoesNotMatch":       true,
	"AccessDeniedException":       true,
	"Throttling":                  true,
	"ThrottlingException":         true,
	"RequestLimitExceeded":        true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"Unavailable":                 true,
	"InternalError":               true,
	"InternalFailure":             true,
	"OptInRequired":               true,
	"InvalidRegion":               true,
}

var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound": true,
	"InvalidVolume.NotFound":     true,
	"ResourceNotFoundException":  true,
}

var tokenCodes = map[string]bool{
	"InvalidSequenceTokenException": true,
	"DataAlreadyAcceptedException":  true,
}

// classify maps an SDK error onto the fleet sentinels so callers can branch
// with errors.Is. Context errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// No API response at all: DNS, TLS, connection refused, credential
		// resolution.
		return fmt.Errorf("%w: %w", fleet.ErrProviderUnavailable, err)
	}

	code := apiErr.ErrorCode()
	switch {
	case unavailableCodes[code]:
		return fmt.Errorf("%w: %w", fleet.ErrProviderUnavailable, err)
	case notFoundCodes[code]:
		return fmt.Errorf("%w: %w", fleet.ErrNotFound, err)
	case tokenCodes[code]:
		return fmt.Errorf("%w: %w", fleet.ErrSequenceTokenRejected, err)
	}
	return err
}
