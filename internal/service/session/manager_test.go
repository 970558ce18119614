package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"kitesync/internal/integrations/kite"
)

// fakeClient scripts the two calls the session layer makes; the data-fetch
// methods are inert.
type fakeClient struct {
	exchange func(ctx context.Context, requestToken, apiSecret string) (kite.SessionData, error)
	profile  func(ctx context.Context) (kite.Profile, error)

	mu    sync.Mutex
	token string
}

func (f *fakeClient) ExchangeSession(ctx context.Context, requestToken, apiSecret string) (kite.SessionData, error) {
	if f.exchange != nil {
		return f.exchange(ctx, requestToken, apiSecret)
	}
	return kite.SessionData{AccessToken: "tok"}, nil
}

func (f *fakeClient) Profile(ctx context.Context) (kite.Profile, error) {
	if f.profile != nil {
		return f.profile(ctx)
	}
	return kite.Profile{UserID: "AB1234"}, nil
}

func (f *fakeClient) Holdings(ctx context.Context) ([]kite.Holding, error) { return nil, nil }

func (f *fakeClient) Positions(ctx context.Context) (kite.Positions, error) {
	return kite.Positions{}, nil
}

func (f *fakeClient) Margins(ctx context.Context, segment string) (kite.Margins, error) {
	return kite.Margins{}, nil
}

func (f *fakeClient) OrderMargins(ctx context.Context, orders []kite.OrderParams) ([]kite.OrderMargins, error) {
	return nil, nil
}

func (f *fakeClient) SetAccessToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

// fakeBroker counts exchanges and profile probes across every client its
// factory hands out, with per-call error scripting.
type fakeBroker struct {
	mu          sync.Mutex
	exchanges   int
	profiles    int
	exchangeErr func(call int) error
	profileErr  func(call int) error
	block       chan struct{}
}

func (b *fakeBroker) factory(apiKey string) Client {
	return &fakeClient{
		exchange: func(ctx context.Context, requestToken, apiSecret string) (kite.SessionData, error) {
			b.mu.Lock()
			b.exchanges++
			n := b.exchanges
			b.mu.Unlock()
			if b.block != nil {
				<-b.block
			}
			if b.exchangeErr != nil {
				if err := b.exchangeErr(n); err != nil {
					return kite.SessionData{}, err
				}
			}
			return kite.SessionData{AccessToken: fmt.Sprintf("tok-%d", n)}, nil
		},
		profile: func(ctx context.Context) (kite.Profile, error) {
			b.mu.Lock()
			b.profiles++
			n := b.profiles
			b.mu.Unlock()
			if b.profileErr != nil {
				if err := b.profileErr(n); err != nil {
					return kite.Profile{}, err
				}
			}
			return kite.Profile{UserID: "AB1234"}, nil
		},
	}
}

func (b *fakeBroker) exchangeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges
}

var testCreds = Credentials{APIKey: "key", APISecret: "secret", RequestToken: "rt"}

func TestEnsureSessionSingleFlight(t *testing.T) {
	broker := &fakeBroker{block: make(chan struct{})}
	m := NewManager(broker.factory)

	const callers = 8
	var wg sync.WaitGroup
	clients := make([]Client, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = m.EnsureSession(context.Background(), testCreds)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(broker.block)
	wg.Wait()

	if got := broker.exchangeCount(); got != 1 {
		t.Fatalf("got %d exchanges for %d concurrent callers, want 1", got, callers)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if clients[i] != clients[0] {
			t.Fatalf("caller %d observed a different session", i)
		}
	}
}

func TestEnsureSessionReturnsLiveSessionWithoutExchange(t *testing.T) {
	broker := &fakeBroker{}
	m := NewManager(broker.factory)

	ctx := context.Background()
	if _, err := m.EnsureSession(ctx, testCreds); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EnsureSession(ctx, testCreds); err != nil {
		t.Fatal(err)
	}
	if got := broker.exchangeCount(); got != 1 {
		t.Fatalf("got %d exchanges, want 1", got)
	}
}

func TestEnsureSessionFailureLeavesNoPartialState(t *testing.T) {
	broker := &fakeBroker{
		exchangeErr: func(call int) error {
			if call == 1 {
				return &kite.Error{Kind: kite.KindAuth, Status: 403, Message: "bad checksum"}
			}
			return nil
		},
	}
	m := NewManager(broker.factory)

	ctx := context.Background()
	if _, err := m.EnsureSession(ctx, testCreds); err == nil {
		t.Fatal("expected exchange failure")
	}
	if m.IsAuthenticated() {
		t.Fatal("failed exchange must not leave a session behind")
	}
	// The pending marker must be cleared so the next caller can retry.
	if _, err := m.EnsureSession(ctx, testCreds); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected live session after successful exchange")
	}
}

func TestEnsureSessionReplacesSessionForDifferentKey(t *testing.T) {
	broker := &fakeBroker{}
	m := NewManager(broker.factory)

	ctx := context.Background()
	if _, err := m.EnsureSession(ctx, testCreds); err != nil {
		t.Fatal(err)
	}
	other := Credentials{APIKey: "other-key", APISecret: "s", RequestToken: "rt2"}
	if _, err := m.EnsureSession(ctx, other); err != nil {
		t.Fatal(err)
	}
	if got := broker.exchangeCount(); got != 2 {
		t.Fatalf("got %d exchanges, want 2", got)
	}
}

func TestIsAuthenticatedTTLAndReset(t *testing.T) {
	broker := &fakeBroker{}
	now := time.Now()
	m := NewManager(broker.factory, WithClock(func() time.Time { return now }))

	if m.IsAuthenticated() {
		t.Fatal("authenticated before any exchange")
	}
	if _, err := m.EnsureSession(context.Background(), testCreds); err != nil {
		t.Fatal(err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected authenticated after exchange")
	}

	now = now.Add(DefaultTTL - time.Minute)
	if !m.IsAuthenticated() {
		t.Fatal("session expired early")
	}
	now = now.Add(2 * time.Minute)
	if m.IsAuthenticated() {
		t.Fatal("session outlived TTL")
	}

	now = now.Add(-2 * time.Minute)
	if !m.IsAuthenticated() {
		t.Fatal("expected live session again")
	}
	m.ResetSession()
	if m.IsAuthenticated() {
		t.Fatal("authenticated after reset")
	}
}

func TestExpiredSessionTriggersNewExchange(t *testing.T) {
	broker := &fakeBroker{}
	now := time.Now()
	m := NewManager(broker.factory, WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if _, err := m.EnsureSession(ctx, testCreds); err != nil {
		t.Fatal(err)
	}
	now = now.Add(DefaultTTL + time.Second)
	if _, err := m.EnsureSession(ctx, testCreds); err != nil {
		t.Fatal(err)
	}
	if got := broker.exchangeCount(); got != 2 {
		t.Fatalf("got %d exchanges, want 2 (lazy expiry on use)", got)
	}
}

func TestValidateSessionResetsOnFailure(t *testing.T) {
	broker := &fakeBroker{
		profileErr: func(call int) error {
			return &kite.Error{Kind: kite.KindTokenExpired, Status: 403, ErrorType: "TokenException", Message: "token expired"}
		},
	}
	m := NewManager(broker.factory)

	ctx := context.Background()
	if m.ValidateSession(ctx) {
		t.Fatal("validated with no session")
	}
	if _, err := m.EnsureSession(ctx, testCreds); err != nil {
		t.Fatal(err)
	}
	if m.ValidateSession(ctx) {
		t.Fatal("expected validation failure")
	}
	if m.IsAuthenticated() {
		t.Fatal("failed validation must reset the session")
	}
}

func TestValidateSessionSucceeds(t *testing.T) {
	broker := &fakeBroker{}
	m := NewManager(broker.factory)
	if _, err := m.EnsureSession(context.Background(), testCreds); err != nil {
		t.Fatal(err)
	}
	if !m.ValidateSession(context.Background()) {
		t.Fatal("expected validation success")
	}
	if !m.IsAuthenticated() {
		t.Fatal("validation must not disturb a healthy session")
	}
}

func TestHealthClampsTimeUntilExpiry(t *testing.T) {
	broker := &fakeBroker{}
	now := time.Now()
	m := NewManager(broker.factory, WithClock(func() time.Time { return now }))

	h := m.Health()
	if h.IsAuthenticated || h.HasValidToken || h.SessionAge != 0 || h.TimeUntilExpiry != 0 {
		t.Fatalf("empty manager health = %+v", h)
	}

	if _, err := m.EnsureSession(context.Background(), testCreds); err != nil {
		t.Fatal(err)
	}
	now = now.Add(9 * time.Hour)
	h = m.Health()
	if h.TimeUntilExpiry != 0 {
		t.Fatalf("timeUntilExpiry = %v, want 0 after TTL elapsed", h.TimeUntilExpiry)
	}
	if h.IsAuthenticated {
		t.Fatal("expired session reported authenticated")
	}
	if !h.HasValidToken {
		t.Fatal("token is still present, only stale")
	}
	if h.SessionAge != (9 * time.Hour).Seconds() {
		t.Fatalf("sessionAge = %v", h.SessionAge)
	}
}

func TestEnsureSessionContextCancelledWhileWaiting(t *testing.T) {
	broker := &fakeBroker{block: make(chan struct{})}
	m := NewManager(broker.factory)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = m.EnsureSession(context.Background(), testCreds)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.EnsureSession(ctx, testCreds)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(broker.block)
}
