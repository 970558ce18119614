package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultTickerURL = "wss://ws.kite.trade"

// Tick is a single LTP update for one instrument.
type Tick struct {
	InstrumentToken uint32
	LastPrice       float64
}

// Ticker streams last-traded prices over the Connect websocket in "ltp"
// mode. It is single-shot: Run returns when the connection drops or the
// context is cancelled; reconnection policy belongs to the caller.
type Ticker struct {
	apiKey      string
	accessToken string
	url         string
	dialer      *websocket.Dialer
}

type TickerOption func(*Ticker)

func WithTickerURL(u string) TickerOption {
	return func(t *Ticker) { t.url = u }
}

func NewTicker(apiKey, accessToken string, opts ...TickerOption) *Ticker {
	t := &Ticker{
		apiKey:      apiKey,
		accessToken: accessToken,
		url:         DefaultTickerURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type tickerCommand struct {
	Action string      `json:"a"`
	Value  interface{} `json:"v"`
}

// Run connects, subscribes the given instrument tokens in ltp mode, and
// invokes onTick for every parsed update until ctx is done or the stream
// fails.
func (t *Ticker) Run(ctx context.Context, tokens []uint32, onTick func(Tick)) error {
	if len(tokens) == 0 {
		return nil
	}

	q := url.Values{}
	q.Set("api_key", t.apiKey)
	q.Set("access_token", t.accessToken)
	conn, _, err := t.dialer.DialContext(ctx, t.url+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("dial ticker: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(tickerCommand{Action: "subscribe", Value: tokens}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := conn.WriteJSON(tickerCommand{Action: "mode", Value: []interface{}{"ltp", tokens}}); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read ticker: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			for _, tick := range parseTicks(payload) {
				onTick(tick)
			}
		case websocket.TextMessage:
			var msg struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if json.Unmarshal(payload, &msg) == nil && msg.Type == "error" {
				return fmt.Errorf("ticker error: %s", string(msg.Data))
			}
		}
	}
}

// parseTicks decodes a binary ticker frame: a big-endian uint16 packet
// count, then length-prefixed packets. An ltp packet is 8 bytes: token and
// last price in paise.
func parseTicks(buf []byte) []Tick {
	if len(buf) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	out := make([]Tick, 0, count)
	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(buf) {
			break
		}
		size := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		if offset+size > len(buf) {
			break
		}
		packet := buf[offset : offset+size]
		offset += size
		if size < 8 {
			continue
		}
		out = append(out, Tick{
			InstrumentToken: binary.BigEndian.Uint32(packet[0:4]),
			LastPrice:       float64(int32(binary.BigEndian.Uint32(packet[4:8]))) / 100,
		})
	}
	return out
}
