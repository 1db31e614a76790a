// Package feed connects to the upstream streaming quote provider and turns
// its messages into normalized ticks for the engine and the broadcast bus.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shuxto/eutrading/internal/domain"
)

const (
	// handshakeTimeout bounds the WebSocket dial.
	handshakeTimeout = 15 * time.Second

	// writeWait is the time allowed to write the subscribe message.
	writeWait = 10 * time.Second

	// readWait is the maximum silence tolerated before the connection is
	// considered dead. The provider sends at least heartbeat frames well
	// within this window.
	readWait = 90 * time.Second
)

// subscribeMsg is the single message sent on connect listing the entire
// symbol universe. Crypto and FX symbols are slash-delimited pairs, equities
// and indices are bare tickers.
type subscribeMsg struct {
	Event   string   `json:"event"`
	APIKey  string   `json:"api_key,omitempty"`
	Symbols []string `json:"symbols"`
}

// priceMsg is the inbound wire format. Anything that is not a price event is
// ignored.
type priceMsg struct {
	Event  string      `json:"event"`
	Symbol string      `json:"symbol"`
	Price  json.Number `json:"price"`
}

// Client is one WebSocket connection to the quote provider. It is not safe
// for concurrent use; the Adapter owns it for the lifetime of one connection.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the provider and sends the subscribe message for all
// symbols.
func Dial(ctx context.Context, wsURL, apiKey string, symbols []string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", wsURL, err)
	}

	sub := subscribeMsg{Event: "subscribe", APIKey: apiKey, Symbols: symbols}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed: subscribe: %w", err)
	}

	return &Client{conn: conn}, nil
}

// ReadTick blocks until the next price event arrives and returns it
// normalized. Malformed or non-price messages are dropped silently and the
// read continues. An error means the connection is gone.
func (c *Client) ReadTick() (domain.Tick, error) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return domain.Tick{}, fmt.Errorf("feed: read: %w", err)
		}

		tick, ok := parseTick(raw)
		if !ok {
			continue
		}
		return tick, nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// parseTick normalizes one raw frame into a tick. The feed is best-effort:
// anything that does not look like a positive-priced price event yields
// ok=false.
func parseTick(raw []byte) (domain.Tick, bool) {
	var msg priceMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Tick{}, false
	}
	if msg.Event != "price" || msg.Symbol == "" {
		return domain.Tick{}, false
	}
	price, err := msg.Price.Float64()
	if err != nil || price <= 0 {
		return domain.Tick{}, false
	}
	return domain.Tick{
		Symbol:     msg.Symbol,
		Price:      price,
		ReceivedAt: time.Now().UTC(),
	}, true
}
