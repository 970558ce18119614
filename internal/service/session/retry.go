package session

import (
	"context"
	"log"
	"time"

	"kitesync/internal/integrations/kite"
)

// DefaultAttempts bounds the retry loop. Retries exist solely to recover
// from session staleness and races, so the cap stays small.
const DefaultAttempts = 2

// Operation is a remote-API call executed against a validated session.
type Operation func(ctx context.Context, client Client) error

// Runner wraps operations with session assurance, validation-on-retry, and
// bounded linear backoff. Only authentication-class failures are treated as
// transient; token expiry and everything else fail fast.
type Runner struct {
	sessions *Manager
	attempts int
	sleep    func(time.Duration)
}

type RunnerOption func(*Runner)

func WithAttempts(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithSleep overrides the backoff sleep; tests use it to observe waits.
func WithSleep(sleep func(time.Duration)) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

func NewRunner(sessions *Manager, opts ...RunnerOption) *Runner {
	r := &Runner{
		sessions: sessions,
		attempts: DefaultAttempts,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes op with session assurance. Attempt n waits n seconds before
// attempt n+1 on an auth-class failure; a token-expired failure propagates
// immediately because only a new request token, issued out-of-band, can fix
// it.
func (r *Runner) Run(ctx context.Context, creds Credentials, op Operation) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var client Client
		client, err = r.sessions.EnsureSession(ctx, creds)
		if err == nil && attempt > 1 && !r.sessions.ValidateSession(ctx) {
			r.sessions.ResetSession()
			client, err = r.sessions.EnsureSession(ctx, creds)
		}
		if err == nil {
			err = op(ctx, client)
			if err == nil {
				return nil
			}
		}

		switch kite.KindOf(err) {
		case kite.KindTokenExpired:
			return err
		case kite.KindAuth:
			if attempt == r.attempts {
				return err
			}
			log.Printf("auth failure on attempt %d/%d, resetting session: %v", attempt, r.attempts, err)
			r.sessions.ResetSession()
			r.sleep(time.Duration(attempt) * time.Second)
		default:
			return err
		}
	}
	return err
}
