package store

import "kitesync/internal/domain"

// Store defines the persistence contract used by the sync and HTTP layers.
// Holdings and positions use full replace-by-account semantics; margins are
// single-row-per-account upserts.
type Store interface {
	CreateAccount(acct domain.Account) (domain.Account, error)
	ListAccounts() []domain.Account
	GetAccount(id string) (domain.Account, error)
	SetRequestToken(id, requestToken string) error
	DeleteAccount(id string) error

	ReplaceHoldings(accountID string, rows []domain.Holding) error
	ListHoldings(accountID string) []domain.Holding

	ReplacePositions(accountID string, rows []domain.Position) error
	ListPositions(accountID string) []domain.Position

	UpsertMarginSnapshot(snap domain.MarginSnapshot) error
	GetMarginSnapshot(accountID string) (domain.MarginSnapshot, error)

	UpdateLastPrice(instrumentToken uint32, price float64)

	AppendSyncEvent(evt domain.SyncEvent) domain.SyncEvent
	ListSyncEvents(limit int) []domain.SyncEvent
}
