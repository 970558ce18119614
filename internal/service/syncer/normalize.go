package syncer

import (
	"math"
	"strings"
	"time"

	"kitesync/internal/domain"
	"kitesync/internal/integrations/kite"
)

// intradaySuffix marks the broker's duplicate intraday rows in the net
// position list; they mirror a row that is already present without the
// suffix.
const intradaySuffix = "-MIS"

func normalizeHoldings(accountID string, rows []kite.Holding, now time.Time) []domain.Holding {
	out := make([]domain.Holding, 0, len(rows))
	for _, h := range rows {
		out = append(out, domain.Holding{
			AccountID:       accountID,
			Tradingsymbol:   h.Tradingsymbol,
			Exchange:        h.Exchange,
			ISIN:            h.ISIN,
			InstrumentToken: h.InstrumentToken,
			Quantity:        h.Quantity,
			T1Quantity:      h.T1Quantity,
			AveragePrice:    h.AveragePrice,
			LastPrice:       h.LastPrice,
			ClosePrice:      h.ClosePrice,
			PnL:             h.PnL,
			DayChange:       h.DayChange,
			DayChangePct:    h.DayChangePct,
			UpdatedAt:       now,
		})
	}
	return out
}

func normalizePositions(accountID string, rows []kite.Position, now time.Time) []domain.Position {
	out := make([]domain.Position, 0, len(rows))
	for _, p := range rows {
		if strings.HasSuffix(p.Tradingsymbol, intradaySuffix) {
			continue
		}
		out = append(out, domain.Position{
			AccountID:       accountID,
			Tradingsymbol:   p.Tradingsymbol,
			Exchange:        p.Exchange,
			Product:         p.Product,
			InstrumentToken: p.InstrumentToken,
			Quantity:        p.Quantity,
			AveragePrice:    p.AveragePrice,
			LastPrice:       p.LastPrice,
			Value:           p.Value,
			PnL:             p.PnL,
			PnLPct:          pnlPct(p.PnL, p.Value),
			Side:            sideOf(p.Quantity),
			UpdatedAt:       now,
		})
	}
	return out
}

// pnlPct is P&L relative to the absolute position value, rounded to two
// decimals. A zero-value position reports zero rather than dividing.
func pnlPct(pnl, value float64) float64 {
	if value == 0 {
		return 0
	}
	return round2(pnl / math.Abs(value) * 100)
}

func sideOf(quantity float64) domain.Side {
	switch {
	case quantity > 0:
		return domain.SideBuy
	case quantity < 0:
		return domain.SideSell
	default:
		return domain.SideNone
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
