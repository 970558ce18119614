package memory

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"kitesync/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	mu sync.RWMutex

	accounts     map[string]domain.Account
	accountOrder []string

	holdingsByAccount  map[string][]domain.Holding
	positionsByAccount map[string][]domain.Position
	marginsByAccount   map[string]domain.MarginSnapshot

	events []domain.SyncEvent
}

func NewStore() *Store {
	return &Store{
		accounts:           make(map[string]domain.Account),
		accountOrder:       make([]string, 0, 8),
		holdingsByAccount:  make(map[string][]domain.Holding),
		positionsByAccount: make(map[string][]domain.Position),
		marginsByAccount:   make(map[string]domain.MarginSnapshot),
		events:             make([]domain.SyncEvent, 0, 256),
	}
}

func (s *Store) CreateAccount(acct domain.Account) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	s.accounts[acct.ID] = acct
	s.accountOrder = append(s.accountOrder, acct.ID)
	return acct, nil
}

func (s *Store) ListAccounts() []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.accountOrder))
	for _, id := range s.accountOrder {
		out = append(out, s.accounts[id])
	}
	return out
}

func (s *Store) GetAccount(id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return acct, nil
}

func (s *Store) SetRequestToken(id, requestToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.RequestToken = requestToken
	s.accounts[id] = acct
	return nil
}

func (s *Store) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, id)
	delete(s.holdingsByAccount, id)
	delete(s.positionsByAccount, id)
	delete(s.marginsByAccount, id)
	for i, existing := range s.accountOrder {
		if existing == id {
			s.accountOrder = append(s.accountOrder[:i], s.accountOrder[i+1:]...)
			break
		}
	}
	return nil
}

// ReplaceHoldings swaps the whole snapshot under one lock, so readers never
// observe the empty window between delete and insert.
func (s *Store) ReplaceHoldings(accountID string, rows []domain.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdingsByAccount[accountID] = slices.Clone(rows)
	return nil
}

func (s *Store) ListHoldings(accountID string) []domain.Holding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.holdingsByAccount[accountID])
}

func (s *Store) ReplacePositions(accountID string, rows []domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionsByAccount[accountID] = slices.Clone(rows)
	return nil
}

func (s *Store) ListPositions(accountID string) []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.positionsByAccount[accountID])
}

func (s *Store) UpsertMarginSnapshot(snap domain.MarginSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marginsByAccount[snap.AccountID] = snap
	return nil
}

func (s *Store) GetMarginSnapshot(accountID string) (domain.MarginSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.marginsByAccount[accountID]
	if !ok {
		return domain.MarginSnapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *Store) UpdateLastPrice(instrumentToken uint32, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for accountID, rows := range s.holdingsByAccount {
		for i := range rows {
			if rows[i].InstrumentToken == instrumentToken {
				rows[i].LastPrice = price
			}
		}
		s.holdingsByAccount[accountID] = rows
	}
	for accountID, rows := range s.positionsByAccount {
		for i := range rows {
			if rows[i].InstrumentToken == instrumentToken {
				rows[i].LastPrice = price
			}
		}
		s.positionsByAccount[accountID] = rows
	}
}

func (s *Store) AppendSyncEvent(evt domain.SyncEvent) domain.SyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, evt)
	return evt
}

func (s *Store) ListSyncEvents(limit int) []domain.SyncEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if len(s.events) == 0 {
		return []domain.SyncEvent{}
	}
	start := max(len(s.events)-limit, 0)
	out := slices.Clone(s.events[start:])
	slices.Reverse(out)
	return out
}
