package reasoning

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	openai "github.com/openai/openai-go"
)

// exponentialBackoff waits base before the first retry and doubles after
// each one: 2s, 4s, 8s with the default base.
func exponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		if retry < 1 {
			retry = 1
		}
		return base << (retry - 1)
	}
}

// isTransient reports whether a failed call is worth retrying: network
// errors, timeouts, rate limiting and server errors. Other 4xx responses
// and malformed envelopes are final.
func isTransient(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func statusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
