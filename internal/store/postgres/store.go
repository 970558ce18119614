package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"kitesync/internal/domain"
	"kitesync/internal/security/secretbox"
)

var ErrNotFound = errors.New("not found")

// Store persists accounts and sync snapshots in Postgres. Account
// credentials (api_secret, request_token) are encrypted at rest when a
// secretbox is configured; a nil box stores them as-is.
type Store struct {
	db  *sql.DB
	box *secretbox.Box
}

func NewStore(databaseURL string, box *secretbox.Box) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, box: box}, nil
}

func (s *Store) seal(plaintext string) (string, error) {
	if s.box == nil || plaintext == "" {
		return plaintext, nil
	}
	return s.box.Encrypt(plaintext)
}

func (s *Store) open(stored string) string {
	if s.box == nil || stored == "" {
		return stored
	}
	plaintext, err := s.box.Decrypt(stored)
	if err != nil {
		return ""
	}
	return plaintext
}

func (s *Store) CreateAccount(acct domain.Account) (domain.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	secretEnc, err := s.seal(acct.APISecret)
	if err != nil {
		return domain.Account{}, fmt.Errorf("encrypt api secret: %w", err)
	}
	tokenEnc, err := s.seal(acct.RequestToken)
	if err != nil {
		return domain.Account{}, fmt.Errorf("encrypt request token: %w", err)
	}
	_, err = s.db.Exec(
		`insert into accounts(id, name, api_key, api_secret_enc, request_token_enc, created_at)
		 values ($1, $2, $3, $4, $5, $6)`,
		acct.ID, acct.Name, acct.APIKey, secretEnc, tokenEnc, acct.CreatedAt,
	)
	if err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

func (s *Store) ListAccounts() []domain.Account {
	rows, err := s.db.Query(
		`select id, name, api_key, api_secret_enc, request_token_enc, created_at
		 from accounts order by created_at asc`,
	)
	if err != nil {
		return []domain.Account{}
	}
	defer rows.Close()

	out := make([]domain.Account, 0)
	for rows.Next() {
		var acct domain.Account
		var secretEnc, tokenEnc string
		if err := rows.Scan(&acct.ID, &acct.Name, &acct.APIKey, &secretEnc, &tokenEnc, &acct.CreatedAt); err != nil {
			continue
		}
		acct.APISecret = s.open(secretEnc)
		acct.RequestToken = s.open(tokenEnc)
		out = append(out, acct)
	}
	return out
}

func (s *Store) GetAccount(id string) (domain.Account, error) {
	var acct domain.Account
	var secretEnc, tokenEnc string
	err := s.db.QueryRow(
		`select id, name, api_key, api_secret_enc, request_token_enc, created_at
		 from accounts where id = $1`,
		id,
	).Scan(&acct.ID, &acct.Name, &acct.APIKey, &secretEnc, &tokenEnc, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, ErrNotFound
		}
		return domain.Account{}, err
	}
	acct.APISecret = s.open(secretEnc)
	acct.RequestToken = s.open(tokenEnc)
	return acct, nil
}

func (s *Store) SetRequestToken(id, token string) error {
	tokenEnc, err := s.seal(token)
	if err != nil {
		return fmt.Errorf("encrypt request token: %w", err)
	}
	res, err := s.db.Exec(`update accounts set request_token_enc = $2 where id = $1`, id, tokenEnc)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAccount(id string) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`delete from accounts where id = $1`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	_, _ = tx.Exec(`delete from holdings where account_id = $1`, id)
	_, _ = tx.Exec(`delete from positions where account_id = $1`, id)
	_, _ = tx.Exec(`delete from margin_snapshots where account_id = $1`, id)
	return tx.Commit()
}

func (s *Store) ReplaceHoldings(accountID string, holdings []domain.Holding) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`delete from holdings where account_id = $1`, accountID); err != nil {
		return err
	}
	for _, h := range holdings {
		_, err := tx.Exec(
			`insert into holdings(
				account_id, tradingsymbol, exchange, isin, instrument_token,
				quantity, t1_quantity, average_price, last_price, close_price,
				pnl, day_change, day_change_pct, updated_at
			) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			accountID, h.Tradingsymbol, h.Exchange, h.ISIN, int64(h.InstrumentToken),
			h.Quantity, h.T1Quantity, h.AveragePrice, h.LastPrice, h.ClosePrice,
			h.PnL, h.DayChange, h.DayChangePct, h.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListHoldings(accountID string) []domain.Holding {
	rows, err := s.db.Query(
		`select account_id, tradingsymbol, exchange, isin, instrument_token,
		        quantity, t1_quantity, average_price, last_price, close_price,
		        pnl, day_change, day_change_pct, updated_at
		 from holdings where account_id = $1 order by tradingsymbol asc`,
		accountID,
	)
	if err != nil {
		return []domain.Holding{}
	}
	defer rows.Close()

	out := make([]domain.Holding, 0)
	for rows.Next() {
		var h domain.Holding
		var token int64
		if err := rows.Scan(
			&h.AccountID, &h.Tradingsymbol, &h.Exchange, &h.ISIN, &token,
			&h.Quantity, &h.T1Quantity, &h.AveragePrice, &h.LastPrice, &h.ClosePrice,
			&h.PnL, &h.DayChange, &h.DayChangePct, &h.UpdatedAt,
		); err != nil {
			continue
		}
		h.InstrumentToken = uint32(token)
		out = append(out, h)
	}
	return out
}

func (s *Store) ReplacePositions(accountID string, positions []domain.Position) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`delete from positions where account_id = $1`, accountID); err != nil {
		return err
	}
	for _, p := range positions {
		_, err := tx.Exec(
			`insert into positions(
				account_id, tradingsymbol, exchange, product, instrument_token,
				quantity, average_price, last_price, value, pnl, pnl_pct,
				side, margin_blocked, updated_at
			) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			accountID, p.Tradingsymbol, p.Exchange, p.Product, int64(p.InstrumentToken),
			p.Quantity, p.AveragePrice, p.LastPrice, p.Value, p.PnL, p.PnLPct,
			string(p.Side), p.MarginBlocked, p.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPositions(accountID string) []domain.Position {
	rows, err := s.db.Query(
		`select account_id, tradingsymbol, exchange, product, instrument_token,
		        quantity, average_price, last_price, value, pnl, pnl_pct,
		        side, margin_blocked, updated_at
		 from positions where account_id = $1 order by tradingsymbol asc`,
		accountID,
	)
	if err != nil {
		return []domain.Position{}
	}
	defer rows.Close()

	out := make([]domain.Position, 0)
	for rows.Next() {
		var p domain.Position
		var token int64
		var side string
		var marginBlocked sql.NullFloat64
		if err := rows.Scan(
			&p.AccountID, &p.Tradingsymbol, &p.Exchange, &p.Product, &token,
			&p.Quantity, &p.AveragePrice, &p.LastPrice, &p.Value, &p.PnL, &p.PnLPct,
			&side, &marginBlocked, &p.UpdatedAt,
		); err != nil {
			continue
		}
		p.InstrumentToken = uint32(token)
		p.Side = domain.Side(side)
		if marginBlocked.Valid {
			v := marginBlocked.Float64
			p.MarginBlocked = &v
		}
		out = append(out, p)
	}
	return out
}

func (s *Store) UpsertMarginSnapshot(snap domain.MarginSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`insert into margin_snapshots(
			account_id, segment, enabled, net, available_cash, collateral,
			utilised_debits, utilised_span, utilised_exposure, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 on conflict (account_id) do update
		 set segment = excluded.segment,
		     enabled = excluded.enabled,
		     net = excluded.net,
		     available_cash = excluded.available_cash,
		     collateral = excluded.collateral,
		     utilised_debits = excluded.utilised_debits,
		     utilised_span = excluded.utilised_span,
		     utilised_exposure = excluded.utilised_exposure,
		     updated_at = excluded.updated_at`,
		snap.AccountID, snap.Segment, snap.Enabled, snap.Net, snap.AvailableCash,
		snap.Collateral, snap.UtilisedDebits, snap.UtilisedSpan, snap.UtilisedExposure,
		snap.UpdatedAt,
	)
	return err
}

func (s *Store) GetMarginSnapshot(accountID string) (domain.MarginSnapshot, error) {
	var snap domain.MarginSnapshot
	err := s.db.QueryRow(
		`select account_id, segment, enabled, net, available_cash, collateral,
		        utilised_debits, utilised_span, utilised_exposure, updated_at
		 from margin_snapshots where account_id = $1`,
		accountID,
	).Scan(
		&snap.AccountID, &snap.Segment, &snap.Enabled, &snap.Net, &snap.AvailableCash,
		&snap.Collateral, &snap.UtilisedDebits, &snap.UtilisedSpan, &snap.UtilisedExposure,
		&snap.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MarginSnapshot{}, ErrNotFound
		}
		return domain.MarginSnapshot{}, err
	}
	return snap, nil
}

func (s *Store) UpdateLastPrice(instrumentToken uint32, price float64) {
	_, _ = s.db.Exec(
		`update holdings set last_price = $2 where instrument_token = $1`,
		int64(instrumentToken), price,
	)
	_, _ = s.db.Exec(
		`update positions set last_price = $2 where instrument_token = $1`,
		int64(instrumentToken), price,
	)
}

func (s *Store) AppendSyncEvent(evt domain.SyncEvent) domain.SyncEvent {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	_, _ = s.db.Exec(
		`insert into sync_events(id, account_id, domain, status, rows, error_kind, error, created_at)
		 values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		evt.ID, evt.AccountID, string(evt.Domain), string(evt.Status),
		evt.Rows, evt.ErrorKind, evt.Error, evt.CreatedAt,
	)
	return evt
}

func (s *Store) ListSyncEvents(limit int) []domain.SyncEvent {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`select id, account_id, domain, status, rows, error_kind, error, created_at
		 from sync_events order by created_at desc limit $1`,
		limit,
	)
	if err != nil {
		return []domain.SyncEvent{}
	}
	defer rows.Close()

	out := make([]domain.SyncEvent, 0, limit)
	for rows.Next() {
		var e domain.SyncEvent
		var syncDomain, status string
		if err := rows.Scan(&e.ID, &e.AccountID, &syncDomain, &status, &e.Rows, &e.ErrorKind, &e.Error, &e.CreatedAt); err != nil {
			continue
		}
		e.Domain = domain.SyncDomain(syncDomain)
		e.Status = domain.SyncStatus(status)
		out = append(out, e)
	}
	return out
}
