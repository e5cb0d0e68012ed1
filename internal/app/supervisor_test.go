package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"spreadmon/internal/config"
	"spreadmon/pkg/types"
)

// fakeVenue serves the venue wire over httptest: a websocket feed that
// acks every request, and a REST /book endpoint.
type fakeVenue struct {
	ws   *httptest.Server
	rest *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	book  map[string]map[string]any // symbol → /book response
}

type wireRequest struct {
	Op       string   `json:"op"`
	ID       uint64   `json:"id"`
	Symbol   string   `json:"symbol"`
	Channels []string `json:"channels,omitempty"`
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	fv := &fakeVenue{book: make(map[string]map[string]any)}
	upgrader := websocket.Upgrader{}

	fv.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fv.mu.Lock()
		fv.conns = append(fv.conns, conn)
		fv.mu.Unlock()
		for {
			var req wireRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			conn.WriteJSON(map[string]any{"type": "ack", "id": req.ID, "ok": true})
		}
	}))

	fv.rest = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/book" {
			http.NotFound(w, r)
			return
		}
		fv.mu.Lock()
		resp, ok := fv.book[r.URL.Query().Get("symbol")]
		fv.mu.Unlock()
		if !ok {
			http.Error(w, "unknown symbol", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))

	t.Cleanup(func() {
		fv.ws.Close()
		fv.rest.Close()
	})
	return fv
}

func (fv *fakeVenue) wsURL() string {
	return "ws" + strings.TrimPrefix(fv.ws.URL, "http")
}

func (fv *fakeVenue) setBook(symbol, bid, ask string) {
	fv.mu.Lock()
	fv.book[symbol] = map[string]any{
		"bid": bid, "bid_size": "1", "ask": ask, "ask_size": "1",
		"ts": time.Now().UnixMilli(),
	}
	fv.mu.Unlock()
}

// pushBook sends a book frame on every open feed connection.
func (fv *fakeVenue) pushBook(symbol, bid, ask string) {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	for _, conn := range fv.conns {
		conn.WriteJSON(map[string]any{
			"type": "book", "symbol": symbol,
			"bid": bid, "bid_size": "1", "ask": ask, "ask_size": "1",
			"ts": time.Now().UnixMilli(),
		})
	}
}

func testConfig(alpha, beta *fakeVenue) *config.Config {
	return &config.Config{
		Venues: []config.VenueConfig{
			{ID: "alpha", Anchor: true, WSURL: alpha.wsURL(), RestURL: alpha.rest.URL, SymbolStyle: config.StyleColonPair},
			{ID: "beta", WSURL: beta.wsURL(), RestURL: beta.rest.URL, SymbolStyle: config.StyleUnderscoreTriple,
				QuoteOverrides: map[string]string{"USDC": "USDT"}},
		},
		Universe:         []string{"BTC-USDC-PERP"},
		QuoteEquivalence: map[string]string{"USDT": "USDC"},
		Freshness:        config.FreshnessConfig{GreenMS: 2000, AmberMS: 5000},
		StaleAfterMS:     60000,
		GraceMS:          60000,
		Spread:           config.SpreadConfig{ElevatedPct: "0.1", ArbitragePct: "0.5", ArbDwellMS: 10, Scale: 8},
		Poll:             config.PollConfig{IntervalMS: 10, MaxFailuresWindow: 3, BackoffMS: 50, RetryBudget: 100},
		Reconnect:        config.ReconnectConfig{BaseMS: 20, CapMS: 100, StabilityMS: 60000},
		Timeouts:         config.TimeoutConfig{HandshakeMS: 2000, HeartbeatMS: 30000, RestMS: 2000},
		Fanout:           config.FanoutConfig{ChannelCapacity: 64},
		API:              config.APIConfig{Enabled: false},
		Logging:          config.LoggingConfig{Level: "info", Format: "text"},
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndSpreadTriggersPolling(t *testing.T) {
	alpha := newFakeVenue(t)
	beta := newFakeVenue(t)
	alpha.setBook("BTC/USDC:PERP", "50000", "50002")

	cfg := testConfig(alpha, beta)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		sup.Stop(stopCtx)
	}()

	eventually(t, "both venues live", func() bool {
		h := sup.Health()
		live := 0
		for _, v := range h.Venues {
			if v.State == types.SessionLive && v.Actual == 1 {
				live++
			}
		}
		return live == 2
	})

	// A 1% gap between the venues: alpha mid 50001, beta mid 50501.
	alpha.pushBook("BTC/USDC:PERP", "50000", "50002")
	beta.pushBook("BTC_USDT_PERP", "50500", "50502")

	eventually(t, "arbitrage classification", func() bool {
		h := sup.Health()
		s, ok := h.Spreads["BTC-USDC-PERP"]
		return ok && s.Class == types.SpreadArbCandidate
	})

	eventually(t, "anchor polling armed", func() bool {
		h := sup.Health()
		return len(h.Polling) == 1 && h.Polling[0].Venue == "alpha"
	})

	// The polled slot fills from alpha's REST book.
	eventually(t, "polled entry", func() bool {
		e, ok := sup.store.GetSource("alpha", "BTC-USDC-PERP", types.SourcePolled)
		return ok && e.Source == types.SourcePolled
	})

	h := sup.Health()
	if h.Status != "ok" {
		t.Errorf("health status = %s with all venues live", h.Status)
	}
	if h.Freshness.GreenMS != 2000 || h.Freshness.AmberMS != 5000 {
		t.Errorf("freshness tiers = %+v", h.Freshness)
	}
}

func TestSpreadSubsidesAndDisarms(t *testing.T) {
	alpha := newFakeVenue(t)
	beta := newFakeVenue(t)
	alpha.setBook("BTC/USDC:PERP", "50000", "50002")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup, err := New(testConfig(alpha, beta), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		sup.Stop(stopCtx)
	}()

	eventually(t, "venues live", func() bool {
		h := sup.Health()
		live := 0
		for _, v := range h.Venues {
			if v.State == types.SessionLive {
				live++
			}
		}
		return live == 2
	})

	alpha.pushBook("BTC/USDC:PERP", "50000", "50002")
	beta.pushBook("BTC_USDT_PERP", "50500", "50502")
	eventually(t, "armed", func() bool { return len(sup.Health().Polling) == 1 })

	// Prices converge: class falls, the poller disarms, the polled slot
	// is tombstoned.
	beta.pushBook("BTC_USDT_PERP", "50000", "50002")
	eventually(t, "disarmed", func() bool { return len(sup.Health().Polling) == 0 })
	eventually(t, "polled slot cleared", func() bool {
		_, ok := sup.store.GetSource("alpha", "BTC-USDC-PERP", types.SourcePolled)
		return !ok
	})
}

func TestStopIsOrderly(t *testing.T) {
	alpha := newFakeVenue(t)
	beta := newFakeVenue(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup, err := New(testConfig(alpha, beta), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	sup.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	sup.Stop(stopCtx)

	for _, v := range sup.Health().Venues {
		if v.State != types.SessionClosed {
			t.Errorf("venue %s state = %s after Stop, want closed", v.Venue, v.State)
		}
	}
}
