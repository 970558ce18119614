package domain

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideNone Side = "NONE"
)

type SyncDomain string

const (
	SyncHoldings  SyncDomain = "holdings"
	SyncPositions SyncDomain = "positions"
	SyncMargins   SyncDomain = "margins"
)

type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusFailed  SyncStatus = "FAILED"
)

// Account holds one brokerage account's identity and credential material.
// RequestToken is single-use and refreshed out-of-band by the login flow.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKey       string    `json:"api_key"`
	APISecret    string    `json:"-"`
	RequestToken string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Holding struct {
	AccountID       string    `json:"account_id"`
	Tradingsymbol   string    `json:"tradingsymbol"`
	Exchange        string    `json:"exchange"`
	ISIN            string    `json:"isin"`
	InstrumentToken uint32    `json:"instrument_token"`
	Quantity        float64   `json:"quantity"`
	T1Quantity      float64   `json:"t1_quantity"`
	AveragePrice    float64   `json:"average_price"`
	LastPrice       float64   `json:"last_price"`
	ClosePrice      float64   `json:"close_price"`
	PnL             float64   `json:"pnl"`
	DayChange       float64   `json:"day_change"`
	DayChangePct    float64   `json:"day_change_percentage"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Position struct {
	AccountID       string    `json:"account_id"`
	Tradingsymbol   string    `json:"tradingsymbol"`
	Exchange        string    `json:"exchange"`
	Product         string    `json:"product"`
	InstrumentToken uint32    `json:"instrument_token"`
	Quantity        float64   `json:"quantity"`
	AveragePrice    float64   `json:"average_price"`
	LastPrice       float64   `json:"last_price"`
	Value           float64   `json:"value"`
	PnL             float64   `json:"pnl"`
	PnLPct          float64   `json:"pnl_percentage"`
	Side            Side      `json:"side"`
	MarginBlocked   *float64  `json:"margin_blocked,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MarginSnapshot is single-row-per-account: each sync upserts it.
type MarginSnapshot struct {
	AccountID        string    `json:"account_id"`
	Segment          string    `json:"segment"`
	Enabled          bool      `json:"enabled"`
	Net              float64   `json:"net"`
	AvailableCash    float64   `json:"available_cash"`
	Collateral       float64   `json:"collateral"`
	UtilisedDebits   float64   `json:"utilised_debits"`
	UtilisedSpan     float64   `json:"utilised_span"`
	UtilisedExposure float64   `json:"utilised_exposure"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type SyncEvent struct {
	ID        string     `json:"event_id"`
	AccountID string     `json:"account_id"`
	Domain    SyncDomain `json:"domain"`
	Status    SyncStatus `json:"status"`
	Rows      int        `json:"rows"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// SessionHealth is a pure introspection snapshot; TimeUntilExpiry is
// clamped to zero, never negative.
type SessionHealth struct {
	IsAuthenticated bool    `json:"is_authenticated"`
	HasValidToken   bool    `json:"has_valid_token"`
	SessionAge      float64 `json:"session_age_seconds"`
	TimeUntilExpiry float64 `json:"time_until_expiry_seconds"`
}
