// Package session owns the single authenticated broker connection for the
// process: its creation, validation, lazy expiry, and the retry policy
// wrapped around operations that use it.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"kitesync/internal/domain"
	"kitesync/internal/integrations/kite"
)

// DefaultTTL is how long an issued access token is trusted before the next
// use forces a fresh exchange. Kite tokens die at the end of the trading
// day; 8 hours keeps us inside that window.
const DefaultTTL = 8 * time.Hour

// Client is the slice of the broker API the session layer and the sync
// operations need from a connection handle.
type Client interface {
	ExchangeSession(ctx context.Context, requestToken, apiSecret string) (kite.SessionData, error)
	Profile(ctx context.Context) (kite.Profile, error)
	Holdings(ctx context.Context) ([]kite.Holding, error)
	Positions(ctx context.Context) (kite.Positions, error)
	Margins(ctx context.Context, segment string) (kite.Margins, error)
	OrderMargins(ctx context.Context, orders []kite.OrderParams) ([]kite.OrderMargins, error)
	SetAccessToken(token string)
}

// Factory builds a fresh, unauthenticated connection handle for an api key.
type Factory func(apiKey string) Client

// Credentials is the immutable tuple identifying one account's
// authentication material for a single call.
type Credentials struct {
	APIKey       string
	APISecret    string
	RequestToken string
}

type state struct {
	apiKey      string
	accessToken string
	issuedAt    time.Time
	client      Client
}

// Manager holds at most one live session per process and serializes
// concurrent initialization attempts: while an exchange is in flight every
// other caller waits on it instead of racing to start a second one.
type Manager struct {
	factory Factory
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	current *state
	pending chan struct{}
}

type ManagerOption func(*Manager)

func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock overrides the time source; tests use it to age sessions.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory: factory,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureSession returns a validated connection handle, creating one if
// needed. For all concurrent callers with the same credentials exactly one
// underlying exchange occurs.
func (m *Manager) EnsureSession(ctx context.Context, creds Credentials) (Client, error) {
	for {
		m.mu.Lock()
		if client, ok := m.liveLocked(creds.APIKey); ok {
			m.mu.Unlock()
			return client, nil
		}
		if m.pending != nil {
			wait := m.pending
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wait:
			}
			// The in-flight exchange resolved; re-check whether it left a
			// usable session before starting our own.
			continue
		}
		pending := make(chan struct{})
		m.pending = pending
		m.mu.Unlock()
		return m.initialize(ctx, creds, pending)
	}
}

// liveLocked reports whether the current session belongs to apiKey, holds a
// token, and is within TTL. Expiry is detected here, lazily, on use.
func (m *Manager) liveLocked(apiKey string) (Client, bool) {
	s := m.current
	if s == nil || s.apiKey != apiKey || s.accessToken == "" {
		return nil, false
	}
	if m.now().Sub(s.issuedAt) >= m.ttl {
		return nil, false
	}
	return s.client, true
}

func (m *Manager) initialize(ctx context.Context, creds Credentials, pending chan struct{}) (Client, error) {
	client := m.factory(creds.APIKey)
	data, err := client.ExchangeSession(ctx, creds.RequestToken, creds.APISecret)
	if err == nil {
		client.SetAccessToken(data.AccessToken)
	}

	m.mu.Lock()
	if m.pending == pending {
		m.pending = nil
		if err != nil {
			// No half-initialized session may stay visible.
			m.current = nil
		} else {
			m.current = &state{
				apiKey:      creds.APIKey,
				accessToken: data.AccessToken,
				issuedAt:    m.now(),
				client:      client,
			}
		}
	}
	// If ResetSession cleared the marker mid-exchange the result is not
	// recorded, but a successful handle is still returned to this caller.
	close(pending)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return client, nil
}

// ResetSession unconditionally clears the session and any pending marker.
// Safe from any context, including from a failed validation.
func (m *Manager) ResetSession() {
	m.mu.Lock()
	m.current = nil
	m.pending = nil
	m.mu.Unlock()
}

// IsAuthenticated is a pure read: true iff a session exists with a token
// and within TTL.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	return s != nil && s.accessToken != "" && m.now().Sub(s.issuedAt) < m.ttl
}

// ValidateSession probes the current session with a profile fetch. On any
// failure it resets the session as a side effect and returns false; callers
// must not assume idempotence.
func (m *Manager) ValidateSession(ctx context.Context) bool {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil || s.accessToken == "" {
		return false
	}
	if _, err := s.client.Profile(ctx); err != nil {
		log.Printf("session validation failed for key %s: %v", s.apiKey, err)
		m.ResetSession()
		return false
	}
	return true
}

// Health returns the introspection snapshot; no network calls.
func (m *Manager) Health() domain.SessionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	var h domain.SessionHealth
	s := m.current
	if s == nil {
		return h
	}
	age := m.now().Sub(s.issuedAt)
	remaining := m.ttl - age
	if remaining < 0 {
		remaining = 0
	}
	h.HasValidToken = s.accessToken != ""
	h.IsAuthenticated = h.HasValidToken && age < m.ttl
	h.SessionAge = age.Seconds()
	h.TimeUntilExpiry = remaining.Seconds()
	return h
}

// Token exposes the live session's api key and access token for read-only
// consumers (the price feed). ok is false when no live session exists.
func (m *Manager) Token() (apiKey, accessToken string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, live := m.liveLocked(m.currentAPIKeyLocked())
	if !live || client == nil {
		return "", "", false
	}
	return m.current.apiKey, m.current.accessToken, true
}

func (m *Manager) currentAPIKeyLocked() string {
	if m.current == nil {
		return ""
	}
	return m.current.apiKey
}
