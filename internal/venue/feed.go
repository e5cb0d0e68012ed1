// feed.go implements the websocket Session for the generic JSON wire.
//
// Wire shape, client → venue:
//
//	{"op": "subscribe"|"unsubscribe", "id": 7, "symbol": "BTC/USDC:PERP",
//	 "channels": ["book", "trade"]}
//
// and venue → client:
//
//	{"type": "ack", "id": 7, "ok": true}
//	{"type": "book", "symbol": "...", "bid": "50000", "bid_size": "1.5",
//	 "ask": "50002", "ask_size": "0.8", "ts": 1712345678901}
//	{"type": "trade", "symbol": "...", "price": "50001", "size": "0.2",
//	 "ts": 1712345678901}
//
// Prices and sizes travel as strings to preserve decimal precision; any
// field may be absent. Requests carry correlation ids so subscribe calls
// can wait for their acknowledgement. A read deadline keyed to the
// heartbeat timeout detects silent server failures.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"spreadmon/pkg/types"
)

const (
	eventBufferSize = 256
	writeTimeout    = 10 * time.Second
	pingFraction    = 3 // ping every heartbeat/3
)

type wsRequest struct {
	Op       string   `json:"op"`
	ID       uint64   `json:"id"`
	Symbol   string   `json:"symbol"`
	Channels []string `json:"channels,omitempty"`
}

type wsMessage struct {
	Type    string `json:"type"`
	ID      uint64 `json:"id,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Bid     string `json:"bid,omitempty"`
	BidSize string `json:"bid_size,omitempty"`
	Ask     string `json:"ask,omitempty"`
	AskSize string `json:"ask_size,omitempty"`
	Price   string `json:"price,omitempty"`
	Size    string `json:"size,omitempty"`
	TS      int64  `json:"ts,omitempty"`
}

// wsSession is one live feed connection.
type wsSession struct {
	venue     types.VenueID
	conn      *websocket.Conn
	connMu    sync.Mutex // serializes writes
	heartbeat time.Duration
	logger    *slog.Logger

	events chan Event

	ackMu   sync.Mutex
	nextID  uint64
	pending map[uint64]chan error

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	closed    chan struct{}
}

// dialSession connects and starts the read and ping loops.
func dialSession(ctx context.Context, venue types.VenueID, url string, handshake, heartbeat time.Duration, logger *slog.Logger) (*wsSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &wsSession{
		venue:     venue,
		conn:      conn,
		heartbeat: heartbeat,
		logger:    logger,
		events:    make(chan Event, eventBufferSize),
		pending:   make(map[uint64]chan error),
		closed:    make(chan struct{}),
	}
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

func (s *wsSession) Events() <-chan Event { return s.events }

// Err returns the cause of the session's death after Events() closes.
func (s *wsSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.readErr
}

func (s *wsSession) Subscribe(ctx context.Context, symbol string, channels []types.Channel) error {
	return s.request(ctx, "subscribe", symbol, channels)
}

func (s *wsSession) Unsubscribe(ctx context.Context, symbol string, channels []types.Channel) error {
	return s.request(ctx, "unsubscribe", symbol, channels)
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// request sends an op and waits for the matching ack.
func (s *wsSession) request(ctx context.Context, op, symbol string, channels []types.Channel) error {
	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = string(c)
	}

	ack := make(chan error, 1)
	s.ackMu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = ack
	s.ackMu.Unlock()

	defer func() {
		s.ackMu.Lock()
		delete(s.pending, id)
		s.ackMu.Unlock()
	}()

	if err := s.writeJSON(wsRequest{Op: op, ID: id, Symbol: symbol, Channels: names}); err != nil {
		return fmt.Errorf("%s %s: %w", op, symbol, err)
	}

	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, symbol, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return fmt.Errorf("%s %s: session closed", op, symbol)
	}
}

func (s *wsSession) readLoop() {
	defer close(s.events)

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.heartbeat))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.errMu.Lock()
			s.readErr = err
			s.errMu.Unlock()
			s.failPending(err)
			s.Close()
			return
		}
		s.dispatch(data)
	}
}

func (s *wsSession) dispatch(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignoring non-json message", "venue", s.venue)
		return
	}

	switch msg.Type {
	case "ack":
		s.ackMu.Lock()
		ack, ok := s.pending[msg.ID]
		s.ackMu.Unlock()
		if !ok {
			return
		}
		if msg.OK {
			ack <- nil
		} else {
			ack <- fmt.Errorf("venue rejected request: %s", msg.Error)
		}

	case "book":
		evt := Event{
			Kind:      EventBook,
			Symbol:    msg.Symbol,
			Bid:       parseQuote(msg.Bid, msg.BidSize),
			Ask:       parseQuote(msg.Ask, msg.AskSize),
			EventTime: time.UnixMilli(msg.TS),
		}
		s.deliver(evt)

	case "trade":
		evt := Event{
			Kind:      EventTrade,
			Symbol:    msg.Symbol,
			Last:      parseQuote(msg.Price, msg.Size),
			EventTime: time.UnixMilli(msg.TS),
		}
		s.deliver(evt)

	case "pong":
		// Keepalive answer; the read deadline reset is the point.

	default:
		s.logger.Debug("unknown message type", "venue", s.venue, "type", msg.Type)
	}
}

func (s *wsSession) deliver(evt Event) {
	select {
	case s.events <- evt:
	default:
		// Inbound burst beyond the buffer: drop this event rather than
		// stall the read loop. The next book event restores the view.
		s.logger.Warn("event buffer full, dropping event",
			"venue", s.venue, "symbol", evt.Symbol, "kind", evt.Kind)
	}
}

func (s *wsSession) failPending(err error) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	for id, ack := range s.pending {
		ack <- err
		delete(s.pending, id)
	}
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(s.heartbeat / pingFraction)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.writeControl(websocket.PingMessage); err != nil {
				s.logger.Warn("ping failed", "venue", s.venue, "error", err)
				return
			}
		}
	}
}

func (s *wsSession) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) writeControl(msgType int) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteControl(msgType, nil, time.Now().Add(writeTimeout))
}

// parseQuote builds a Quote from wire strings; empty price means the
// side is absent. An unparseable price is treated as absent as well;
// the multiplexer counts the resulting incomplete entries.
func parseQuote(price, size string) *types.Quote {
	if price == "" {
		return nil
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil
	}
	q := types.Quote{Price: p}
	if size != "" {
		if sz, err := decimal.NewFromString(size); err == nil {
			q.Size = sz
		}
	}
	return &q
}
