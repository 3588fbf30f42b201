// Package retry implements the gateway's one retry policy: up to three
// attempts with a 50ms linear backoff, used wherever the core calls out to
// an external adapter (chain node, Lightning node) that can fail
// transiently, rather than threading retry logic into every call site.
package retry

import (
	"context"
	"time"
)

const (
	MaxAttempts = 3
	BaseDelay   = 50 * time.Millisecond
)

// Do calls fn up to MaxAttempts times, sleeping attempt*BaseDelay between
// attempts (linear backoff: 50ms, then 100ms). It returns the last error if
// every attempt fails, or nil as soon as one succeeds. A cancelled context
// aborts immediately without spending a further attempt.
func Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * BaseDelay):
		}
	}
	return err
}
