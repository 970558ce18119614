// Package pricefeed keeps stored snapshots priced by streaming last-traded
// prices from the broker websocket into the store.
package pricefeed

import (
	"context"
	"log"
	"sync"
	"time"

	"kitesync/internal/integrations/kite"
)

const maxReconnectDelay = 60 * time.Second

// Store is the slice of persistence the feed writes to.
type Store interface {
	UpdateLastPrice(instrumentToken uint32, price float64)
}

type ticker interface {
	Run(ctx context.Context, tokens []uint32, onTick func(kite.Tick)) error
}

// Feed owns one streaming connection at a time. Restart swaps the token
// universe by tearing down the previous stream; the feed reconnects with
// linear backoff while its credentials stay valid.
type Feed struct {
	store     Store
	url       string
	newTicker func(apiKey, accessToken string) ticker

	mu     sync.Mutex
	cancel context.CancelFunc
}

type Option func(*Feed)

func WithURL(u string) Option {
	return func(f *Feed) { f.url = u }
}

func NewFeed(store Store, opts ...Option) *Feed {
	f := &Feed{
		store: store,
		url:   kite.DefaultTickerURL,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.newTicker == nil {
		f.newTicker = func(apiKey, accessToken string) ticker {
			return kite.NewTicker(apiKey, accessToken, kite.WithTickerURL(f.url))
		}
	}
	return f
}

// Restart stops any running stream and starts one for the given tokens.
// An empty token list just stops the feed.
func (f *Feed) Restart(apiKey, accessToken string, tokens []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	if len(tokens) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.stream(ctx, apiKey, accessToken, tokens)
}

// Stop tears down the current stream, if any.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *Feed) stream(ctx context.Context, apiKey, accessToken string, tokens []uint32) {
	delay := time.Second
	for {
		t := f.newTicker(apiKey, accessToken)
		start := time.Now()
		err := t.Run(ctx, tokens, func(tick kite.Tick) {
			f.store.UpdateLastPrice(tick.InstrumentToken, tick.LastPrice)
		})
		if ctx.Err() != nil {
			return
		}
		// A stream that lived for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			delay = time.Second
		}
		log.Printf("price feed dropped, reconnecting in %s: %v", delay, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay += time.Second
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
