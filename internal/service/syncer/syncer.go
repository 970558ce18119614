// Package syncer pulls holdings, positions, and margins from the broker and
// reconciles them into the local store, one account at a time.
package syncer

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"kitesync/internal/domain"
	"kitesync/internal/integrations/kite"
	"kitesync/internal/service/session"
	"kitesync/internal/store"
)

// DefaultMarginTimeout bounds the per-position margin enrichment call so a
// slow margins endpoint cannot stall a positions sync.
const DefaultMarginTimeout = 30 * time.Second

// Notifier receives human-readable alerts about sync failures.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Publisher receives every sync event for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt domain.SyncEvent) error
}

// Feed is restarted with the current token universe after a successful
// snapshot sync so live prices track what is actually held.
type Feed interface {
	Restart(apiKey, accessToken string, tokens []uint32)
}

type Syncer struct {
	store    store.Store
	sessions *session.Manager
	runner   *session.Runner

	notifier      Notifier
	publisher     Publisher
	feed          Feed
	marginTimeout time.Duration
	now           func() time.Time
}

type Option func(*Syncer)

func WithNotifier(n Notifier) Option {
	return func(s *Syncer) { s.notifier = n }
}

func WithPublisher(p Publisher) Option {
	return func(s *Syncer) { s.publisher = p }
}

func WithFeed(f Feed) Option {
	return func(s *Syncer) { s.feed = f }
}

func WithMarginTimeout(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.marginTimeout = d
		}
	}
}

// WithClock overrides the timestamp source for stored rows.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

func NewSyncer(st store.Store, sessions *session.Manager, runner *session.Runner, opts ...Option) *Syncer {
	s := &Syncer{
		store:         st,
		sessions:      sessions,
		runner:        runner,
		marginTimeout: DefaultMarginTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func credentialsFor(acct domain.Account) session.Credentials {
	return session.Credentials{
		APIKey:       acct.APIKey,
		APISecret:    acct.APISecret,
		RequestToken: acct.RequestToken,
	}
}

// SyncHoldings replaces the account's holdings snapshot with the broker's
// current view. The fetch and the store write run inside the retry envelope
// so a mid-flight auth failure replays the whole unit.
func (s *Syncer) SyncHoldings(ctx context.Context, acct domain.Account) (domain.SyncEvent, error) {
	var rows []domain.Holding
	err := s.runner.Run(ctx, credentialsFor(acct), func(ctx context.Context, client session.Client) error {
		fetched, err := client.Holdings(ctx)
		if err != nil {
			return err
		}
		rows = normalizeHoldings(acct.ID, fetched, s.now().UTC())
		return s.store.ReplaceHoldings(acct.ID, rows)
	})
	evt := s.record(ctx, acct, domain.SyncHoldings, len(rows), err)
	if err == nil {
		s.restartFeed()
	}
	return evt, err
}

// SyncPositions replaces the account's net positions. Open positions are
// enriched with the margin blocked against them; enrichment failure degrades
// the rows rather than failing the sync.
func (s *Syncer) SyncPositions(ctx context.Context, acct domain.Account) (domain.SyncEvent, error) {
	var rows []domain.Position
	err := s.runner.Run(ctx, credentialsFor(acct), func(ctx context.Context, client session.Client) error {
		fetched, err := client.Positions(ctx)
		if err != nil {
			return err
		}
		rows = normalizePositions(acct.ID, fetched.Net, s.now().UTC())
		s.enrichMargins(ctx, client, rows)
		return s.store.ReplacePositions(acct.ID, rows)
	})
	evt := s.record(ctx, acct, domain.SyncPositions, len(rows), err)
	if err == nil {
		s.restartFeed()
	}
	return evt, err
}

// SyncMargins upserts the account's equity margin snapshot.
func (s *Syncer) SyncMargins(ctx context.Context, acct domain.Account) (domain.SyncEvent, error) {
	rows := 0
	err := s.runner.Run(ctx, credentialsFor(acct), func(ctx context.Context, client session.Client) error {
		m, err := client.Margins(ctx, "equity")
		if err != nil {
			return err
		}
		rows = 1
		return s.store.UpsertMarginSnapshot(domain.MarginSnapshot{
			AccountID:        acct.ID,
			Segment:          "equity",
			Enabled:          m.Enabled,
			Net:              m.Net,
			AvailableCash:    m.Available.Cash,
			Collateral:       m.Available.Collateral,
			UtilisedDebits:   m.Utilised.Debits,
			UtilisedSpan:     m.Utilised.Span,
			UtilisedExposure: m.Utilised.Exposure,
			UpdatedAt:        s.now().UTC(),
		})
	})
	evt := s.record(ctx, acct, domain.SyncMargins, rows, err)
	return evt, err
}

// SyncAll runs all three domains for every stored account, sequentially. A
// failing account does not stop the others; the events carry the outcomes.
func (s *Syncer) SyncAll(ctx context.Context) []domain.SyncEvent {
	var events []domain.SyncEvent
	for _, acct := range s.store.ListAccounts() {
		for _, run := range []func(context.Context, domain.Account) (domain.SyncEvent, error){
			s.SyncHoldings, s.SyncPositions, s.SyncMargins,
		} {
			evt, err := run(ctx, acct)
			events = append(events, evt)
			if err != nil && kite.IsTokenExpired(err) {
				// The remaining domains for this account would hit the
				// same dead token.
				break
			}
		}
	}
	return events
}

// enrichMargins asks the broker what margin the open positions consume and
// annotates the rows in place. Best effort: any failure leaves MarginBlocked
// unset and the sync proceeds.
func (s *Syncer) enrichMargins(ctx context.Context, client session.Client, rows []domain.Position) {
	var orders []kite.OrderParams
	var open []*domain.Position
	for i := range rows {
		p := &rows[i]
		if p.Quantity == 0 {
			continue
		}
		transaction := "BUY"
		if p.Quantity < 0 {
			transaction = "SELL"
		}
		orders = append(orders, kite.OrderParams{
			Exchange:        p.Exchange,
			Tradingsymbol:   p.Tradingsymbol,
			TransactionType: transaction,
			Variety:         "regular",
			Product:         p.Product,
			OrderType:       "MARKET",
			Quantity:        math.Abs(p.Quantity),
		})
		open = append(open, p)
	}
	if len(orders) == 0 {
		return
	}

	mctx, cancel := context.WithTimeout(ctx, s.marginTimeout)
	defer cancel()
	margins, err := client.OrderMargins(mctx, orders)
	if err != nil {
		log.Printf("margin enrichment skipped: %v", err)
		return
	}

	byInstrument := make(map[string]float64, len(margins))
	for _, m := range margins {
		byInstrument[m.Exchange+":"+m.Tradingsymbol] = m.Total
	}
	for _, p := range open {
		if total, ok := byInstrument[p.Exchange+":"+p.Tradingsymbol]; ok {
			v := total
			p.MarginBlocked = &v
		}
	}
}

// record persists the sync outcome as an event and fans it out to the
// publisher and notifier. Fan-out is best effort.
func (s *Syncer) record(ctx context.Context, acct domain.Account, syncDomain domain.SyncDomain, rows int, err error) domain.SyncEvent {
	evt := domain.SyncEvent{
		AccountID: acct.ID,
		Domain:    syncDomain,
		Status:    domain.SyncStatusSuccess,
		Rows:      rows,
		CreatedAt: s.now().UTC(),
	}
	if err != nil {
		evt.Status = domain.SyncStatusFailed
		evt.Rows = 0
		evt.ErrorKind = string(kite.KindOf(err))
		evt.Error = err.Error()
	}
	evt = s.store.AppendSyncEvent(evt)

	if s.publisher != nil {
		if perr := s.publisher.Publish(ctx, evt); perr != nil {
			log.Printf("publish sync event: %v", perr)
		}
	}
	if err != nil && s.notifier != nil {
		text := fmt.Sprintf("%s sync failed for account %s: %v", syncDomain, acct.Name, err)
		if kite.IsTokenExpired(err) {
			text += "\nLog in again: " + kite.LoginURL(acct.APIKey)
		}
		if nerr := s.notifier.Notify(ctx, text); nerr != nil {
			log.Printf("notify sync failure: %v", nerr)
		}
	}
	return evt
}

// restartFeed points the price feed at the instruments currently on the
// books. No-op without a feed or a live session.
func (s *Syncer) restartFeed() {
	if s.feed == nil {
		return
	}
	apiKey, accessToken, ok := s.sessions.Token()
	if !ok {
		return
	}
	seen := make(map[uint32]struct{})
	var tokens []uint32
	for _, acct := range s.store.ListAccounts() {
		for _, h := range s.store.ListHoldings(acct.ID) {
			if _, dup := seen[h.InstrumentToken]; !dup && h.InstrumentToken != 0 {
				seen[h.InstrumentToken] = struct{}{}
				tokens = append(tokens, h.InstrumentToken)
			}
		}
		for _, p := range s.store.ListPositions(acct.ID) {
			if _, dup := seen[p.InstrumentToken]; !dup && p.InstrumentToken != 0 {
				seen[p.InstrumentToken] = struct{}{}
				tokens = append(tokens, p.InstrumentToken)
			}
		}
	}
	if len(tokens) > 0 {
		s.feed.Restart(apiKey, accessToken, tokens)
	}
}
