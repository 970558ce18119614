package kite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.kite.trade"
	LoginBaseURL   = "https://kite.zerodha.com/connect/login"

	kiteVersion = "3"
)

// Client is an authenticated connection handle to the Kite Connect API,
// bound to one api key. The access token is set after a successful session
// exchange.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	tokenMu     sync.RWMutex
	accessToken string
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit bounds outbound request rate; Kite rejects clients that
// exceed ~3 req/s per endpoint class.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(3), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) APIKey() string { return c.apiKey }

func (c *Client) SetAccessToken(token string) {
	c.tokenMu.Lock()
	c.accessToken = token
	c.tokenMu.Unlock()
}

func (c *Client) authorization() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return fmt.Sprintf("token %s:%s", c.apiKey, c.accessToken)
}

// LoginURL is the browser URL a user must visit to mint a fresh request
// token for the given api key.
func LoginURL(apiKey string) string {
	return fmt.Sprintf("%s?v=%s&api_key=%s", LoginBaseURL, kiteVersion, url.QueryEscape(apiKey))
}

// ExchangeSession trades a request token for an access token. The checksum
// is SHA-256 over api_key + request_token + api_secret, per the Connect
// login contract.
func (c *Client) ExchangeSession(ctx context.Context, requestToken, apiSecret string) (SessionData, error) {
	sum := sha256.Sum256([]byte(c.apiKey + requestToken + apiSecret))
	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(sum[:]))

	var data SessionData
	if err := c.do(ctx, http.MethodPost, "/session/token", form, nil, &data); err != nil {
		return SessionData{}, err
	}
	if data.AccessToken == "" {
		return SessionData{}, &Error{Kind: KindOther, Status: http.StatusOK, Message: "session response missing access_token"}
	}
	return data, nil
}

// Profile fetches the account profile; used as the lightweight session
// validation probe.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var p Profile
	err := c.do(ctx, http.MethodGet, "/user/profile", nil, nil, &p)
	return p, err
}

func (c *Client) Holdings(ctx context.Context) ([]Holding, error) {
	var rows []Holding
	err := c.do(ctx, http.MethodGet, "/portfolio/holdings", nil, nil, &rows)
	return rows, err
}

func (c *Client) Positions(ctx context.Context) (Positions, error) {
	var p Positions
	err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, nil, &p)
	return p, err
}

func (c *Client) Margins(ctx context.Context, segment string) (Margins, error) {
	var m Margins
	err := c.do(ctx, http.MethodGet, "/user/margins/"+url.PathEscape(segment), nil, nil, &m)
	return m, err
}

// OrderMargins runs the batched margin calculation for a basket of
// hypothetical orders.
func (c *Client) OrderMargins(ctx context.Context, orders []OrderParams) ([]OrderMargins, error) {
	var rows []OrderMargins
	err := c.do(ctx, http.MethodPost, "/margins/orders", nil, orders, &rows)
	return rows, err
}

// envelope is the uniform Kite response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, jsonBody, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	contentType := ""
	switch {
	case form != nil:
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case jsonBody != nil:
		raw, err := json.Marshal(jsonBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Kite-Version", kiteVersion)
	req.Header.Set("Authorization", c.authorization())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &Error{
				Kind:    classify(resp.StatusCode, ""),
				Status:  resp.StatusCode,
				Message: strings.TrimSpace(string(raw)),
			}
		}
		return fmt.Errorf("decode kite response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Status != "success" {
		return &Error{
			Kind:      classify(resp.StatusCode, env.ErrorType),
			Status:    resp.StatusCode,
			ErrorType: env.ErrorType,
			Message:   env.Message,
		}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode kite data: %w", err)
		}
	}
	return nil
}
