package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"kitesync/internal/integrations/kite"
)

func newTestRunner(broker *fakeBroker) (*Runner, *Manager, *[]time.Duration) {
	m := NewManager(broker.factory)
	sleeps := &[]time.Duration{}
	r := NewRunner(m, WithSleep(func(d time.Duration) {
		*sleeps = append(*sleeps, d)
	}))
	return r, m, sleeps
}

func TestRunAuthFailureThenSuccess(t *testing.T) {
	broker := &fakeBroker{}
	r, _, sleeps := newTestRunner(broker)

	calls := 0
	err := r.Run(context.Background(), testCreds, func(ctx context.Context, client Client) error {
		calls++
		if calls == 1 {
			return &kite.Error{Kind: kite.KindAuth, Status: 403, Message: "invalid api key"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("operation ran %d times, want 2", calls)
	}
	// The reset between attempts forces exactly one extra exchange.
	if got := broker.exchangeCount(); got != 2 {
		t.Fatalf("got %d exchanges, want 2 (one reset between attempts)", got)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 1*time.Second {
		t.Fatalf("sleeps = %v, want [1s]", *sleeps)
	}
}

func TestRunTokenExpiredPropagatesImmediately(t *testing.T) {
	broker := &fakeBroker{}
	r, _, sleeps := newTestRunner(broker)

	want := &kite.Error{Kind: kite.KindTokenExpired, Status: 403, ErrorType: "TokenException", Message: "token expired"}
	calls := 0
	err := r.Run(context.Background(), testCreds, func(ctx context.Context, client Client) error {
		calls++
		return want
	})
	if !errors.Is(err, want) && err != want {
		t.Fatalf("err = %v, want the token-expired error unchanged", err)
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1", calls)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none", *sleeps)
	}
	if !kite.IsTokenExpired(err) {
		t.Fatal("classification lost in propagation")
	}
}

func TestRunGenericErrorNoRetryNoReset(t *testing.T) {
	broker := &fakeBroker{}
	r, m, sleeps := newTestRunner(broker)

	boom := errors.New("store unavailable")
	calls := 0
	err := r.Run(context.Background(), testCreds, func(ctx context.Context, client Client) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1", calls)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none", *sleeps)
	}
	if !m.IsAuthenticated() {
		t.Fatal("generic failure must not reset the session")
	}
}

func TestRunAuthFailureExhaustsAttempts(t *testing.T) {
	broker := &fakeBroker{}
	r, _, sleeps := newTestRunner(broker)

	calls := 0
	err := r.Run(context.Background(), testCreds, func(ctx context.Context, client Client) error {
		calls++
		return &kite.Error{Kind: kite.KindAuth, Status: 403, Message: "invalid api key"}
	})
	if !kite.IsAuth(err) {
		t.Fatalf("err = %v, want auth-class", err)
	}
	if calls != DefaultAttempts {
		t.Fatalf("operation ran %d times, want %d", calls, DefaultAttempts)
	}
	if len(*sleeps) != DefaultAttempts-1 {
		t.Fatalf("sleeps = %v, want one per non-final attempt", *sleeps)
	}
}

func TestRunLinearBackoff(t *testing.T) {
	broker := &fakeBroker{}
	m := NewManager(broker.factory)
	var sleeps []time.Duration
	r := NewRunner(m,
		WithAttempts(3),
		WithSleep(func(d time.Duration) { sleeps = append(sleeps, d) }),
	)

	_ = r.Run(context.Background(), testCreds, func(ctx context.Context, client Client) error {
		return &kite.Error{Kind: kite.KindAuth, Status: 403, Message: "nope"}
	})
	if len(sleeps) != 2 || sleeps[0] != 1*time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("sleeps = %v, want [1s 2s]", sleeps)
	}
}

func TestRunExchangeFailureConsumesAttempt(t *testing.T) {
	broker := &fakeBroker{
		exchangeErr: func(call int) error {
			if call == 1 {
				return &kite.Error{Kind: kite.KindAuth, Status: 403, Message: "bad checksum"}
			}
			return nil
		},
	}
	r, _, sleeps := newTestRunner(broker)

	calls := 0
	err := r.Run(context.Background(), testCreds, func(ctx context.Context, client Client) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1 (first attempt lost to the exchange)", calls)
	}
	if len(*sleeps) != 1 {
		t.Fatalf("sleeps = %v, want [1s]", *sleeps)
	}
}

func TestRunValidatesOnRetry(t *testing.T) {
	broker := &fakeBroker{}
	r, _, _ := newTestRunner(broker)

	calls := 0
	err := r.Run(context.Background(), testCreds, func(ctx context.Context, client Client) error {
		calls++
		if calls == 1 {
			return &kite.Error{Kind: kite.KindAuth, Status: 403, Message: "stale"}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	broker.mu.Lock()
	profiles := broker.profiles
	broker.mu.Unlock()
	if profiles != 1 {
		t.Fatalf("got %d validation probes, want 1 (attempts after the first validate)", profiles)
	}
}
