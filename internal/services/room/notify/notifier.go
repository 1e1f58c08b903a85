// Package notify delivers create-match handoffs from the room service to
// the match service with at-least-once retry semantics.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
	"github.com/gridmatch/gridmatch/internal/platform/timeouts"
	"github.com/gridmatch/gridmatch/internal/services/room"
)

const (
	// DefaultMaxAttempts bounds automatic delivery attempts per handoff.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is multiplied by the attempt number between retries,
	// so waits grow linearly: base, 2*base, 3*base.
	DefaultBaseDelay = 600 * time.Millisecond
)

// Notifier posts create-match requests to the match service. Delivery is
// at-least-once: the match service treats a duplicate create as success,
// so a retry after a lost response converges on the same match.
type Notifier struct {
	baseURL     string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logf        func(format string, args ...any)
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithRetryPolicy overrides the attempt count and base delay.
func WithRetryPolicy(maxAttempts int, baseDelay time.Duration) Option {
	return func(n *Notifier) {
		if maxAttempts > 0 {
			n.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			n.baseDelay = baseDelay
		}
	}
}

// WithSleeper overrides the inter-attempt wait, primarily for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(n *Notifier) {
		if sleep != nil {
			n.sleep = sleep
		}
	}
}

// WithLogger overrides the attempt logger.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(n *Notifier) {
		if logf != nil {
			n.logf = logf
		}
	}
}

// New creates a notifier targeting the match service at baseURL.
func New(baseURL string, opts ...Option) *Notifier {
	notifier := &Notifier{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{},
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       sleepCtx,
		logf:        log.Printf,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(notifier)
		}
	}
	return notifier
}

// createMatchRequest mirrors the match service's POST /games body.
type createMatchRequest struct {
	MatchID      string   `json:"match_id"`
	Participants []string `json:"participants"`
	Starting     string   `json:"starting"`
}

// Deliver posts the handoff, retrying until an attempt succeeds, the
// attempts are exhausted, or ctx is cancelled. Exhaustion reports
// UPSTREAM_UNAVAILABLE wrapping the last attempt's failure.
func (n *Notifier) Deliver(ctx context.Context, handoff room.Handoff) error {
	body, err := json.Marshal(createMatchRequest{
		MatchID:      handoff.MatchID,
		Participants: handoff.Participants,
		Starting:     handoff.Starting,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidInput, "encode handoff", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		lastErr = n.attempt(ctx, body)
		if lastErr == nil {
			if attempt > 1 {
				n.logf("handoff for match %s delivered on attempt %d", handoff.MatchID, attempt)
			}
			return nil
		}
		if ctx.Err() != nil {
			return apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "handoff cancelled", ctx.Err())
		}
		n.logf("handoff for match %s attempt %d/%d failed: %v", handoff.MatchID, attempt, n.maxAttempts, lastErr)
		if attempt < n.maxAttempts {
			if err := n.sleep(ctx, n.baseDelay*time.Duration(attempt)); err != nil {
				return apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "handoff cancelled", err)
			}
		}
	}
	return apperrors.Wrap(apperrors.CodeUpstreamUnavailable,
		fmt.Sprintf("handoff for match %s failed after %d attempts", handoff.MatchID, n.maxAttempts), lastErr)
}

// Go runs Deliver on its own goroutine so the room request path is never
// blocked by retries. The returned channel reports the final outcome.
func (n *Notifier) Go(ctx context.Context, handoff room.Handoff) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- n.Deliver(ctx, handoff)
	}()
	return done
}

// attempt makes a single bounded delivery request. A 2xx response is
// success; so is 409, which means a previous attempt already landed.
func (n *Notifier) attempt(ctx context.Context, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeouts.HandoffRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, n.baseURL+"/games", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("match service responded %d", resp.StatusCode)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
