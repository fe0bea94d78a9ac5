package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
)

// Sentinel errors returned by the synthesizer.
var (
	ErrRateLimit   = errors.New("synth.anthropic: rate limited")
	ErrUnavailable = errors.New("synth.anthropic: service unavailable")
	ErrAuth        = errors.New("synth.anthropic: authentication failed")
	ErrEmpty       = errors.New("synth.anthropic: empty response")
	ErrBadOutline  = errors.New("synth.anthropic: malformed outline")
)

// mapError converts an SDK error into a sentinel. Non-API errors are
// returned as-is.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *sdkanthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimit, apiErr.Error())
	case 529, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Error())
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (HTTP %d): %s", ErrAuth, apiErr.StatusCode, apiErr.Error())
	default:
		return fmt.Errorf("synth.anthropic: HTTP %d: %w", apiErr.StatusCode, err)
	}
}
