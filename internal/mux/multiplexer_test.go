package mux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spreadmon/internal/book"
	"spreadmon/internal/config"
	"spreadmon/internal/metrics"
	"spreadmon/internal/symbols"
	"spreadmon/internal/venue"
	"spreadmon/internal/venue/venuetest"
	"spreadmon/pkg/types"
)

type capture struct {
	mu      sync.Mutex
	updates []types.Update
}

func (c *capture) Publish(u types.Update) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

func (c *capture) sessionStates() []types.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.SessionState
	for _, u := range c.updates {
		if u.Kind == types.UpdateSession {
			out = append(out, u.Session.New)
		}
	}
	return out
}

func testRegistry(t *testing.T) *symbols.Registry {
	t.Helper()
	rules := []symbols.Rule{
		{Venue: "alpha", Style: config.StyleColonPair},
		{Venue: "beta", Style: config.StyleUnderscoreTriple, QuoteOverrides: map[string]string{"USDC": "USDT"}},
	}
	universe := []types.CanonicalID{"BTC-USDC-PERP", "ETH-USDC-PERP"}
	reg, err := symbols.Build(rules, universe, map[string]string{"USDT": "USDC"})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func testOpts() Options {
	return Options{
		Reconnect: config.ReconnectConfig{BaseMS: 10, CapMS: 50, StabilityMS: 60000},
		Grace:     time.Minute,
		OpTimeout: time.Second,
	}
}

func newHarness(t *testing.T, id types.VenueID) (*Multiplexer, *venuetest.Adapter, *book.Store, *capture) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	pub := &capture{}
	store := book.NewStore(pub, logger, m)
	adapter := venuetest.NewAdapter(id)
	mx := New(adapter, testRegistry(t), store, pub, testOpts(), logger, m)
	return mx, adapter, store, pub
}

func waitSession(t *testing.T, a *venuetest.Adapter) *venuetest.Session {
	t.Helper()
	select {
	case s := <-a.Opened():
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no session opened")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func quote(price string) *types.Quote {
	return &types.Quote{Price: dec(price), Size: dec("1")}
}

func TestSubscribeAndIngest(t *testing.T) {
	t.Parallel()
	mx, adapter, store, _ := newHarness(t, "alpha")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook, types.ChannelTrade})
	mx.Start(context.Background())
	defer mx.Stop()

	session := waitSession(t, adapter)
	eventually(t, "subscription", func() bool { return session.Subscribed("BTC/USDC:PERP") })

	session.Emit(venue.Event{
		Kind: venue.EventBook, Symbol: "BTC/USDC:PERP",
		Bid: quote("50000"), Ask: quote("50002"), EventTime: time.Now(),
	})
	eventually(t, "store entry", func() bool {
		_, ok := store.Get("alpha", "BTC-USDC-PERP")
		return ok
	})

	got, _ := store.Get("alpha", "BTC-USDC-PERP")
	if got.Seq != 1 || got.Source != types.SourceStream {
		t.Errorf("entry = seq %d source %s, want 1/stream", got.Seq, got.Source)
	}
	if !got.Bid.Price.Equal(dec("50000")) {
		t.Errorf("bid = %v", got.Bid.Price)
	}
}

func TestQuoteOverrideResolution(t *testing.T) {
	t.Parallel()
	mx, adapter, store, _ := newHarness(t, "beta")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())
	defer mx.Stop()

	session := waitSession(t, adapter)
	// beta quotes in USDT; the native symbol must carry the override.
	eventually(t, "subscription", func() bool { return session.Subscribed("BTC_USDT_PERP") })

	session.Emit(venue.Event{
		Kind: venue.EventBook, Symbol: "BTC_USDT_PERP",
		Bid: quote("50000"), Ask: quote("50002"), EventTime: time.Now(),
	})
	eventually(t, "canonical entry", func() bool {
		_, ok := store.Get("beta", "BTC-USDC-PERP")
		return ok
	})
}

func TestUnmappedAndCrossedDropped(t *testing.T) {
	t.Parallel()
	mx, adapter, store, _ := newHarness(t, "alpha")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())
	defer mx.Stop()

	session := waitSession(t, adapter)
	eventually(t, "subscription", func() bool { return session.Subscribed("BTC/USDC:PERP") })

	session.Emit(venue.Event{Kind: venue.EventBook, Symbol: "DOGE/USDC:PERP", Bid: quote("1"), Ask: quote("2")})
	session.Emit(venue.Event{Kind: venue.EventBook, Symbol: "BTC/USDC:PERP", Bid: quote("50010"), Ask: quote("50000")})
	// A valid event after the junk proves both drops were silent.
	session.Emit(venue.Event{Kind: venue.EventBook, Symbol: "BTC/USDC:PERP", Bid: quote("50000"), Ask: quote("50002")})

	eventually(t, "valid entry", func() bool {
		_, ok := store.Get("alpha", "BTC-USDC-PERP")
		return ok
	})
	got, _ := store.Get("alpha", "BTC-USDC-PERP")
	if !got.Bid.Price.Equal(dec("50000")) {
		t.Errorf("bid = %v, crossed event must not have been stored", got.Bid.Price)
	}
	if store.Len() != 1 {
		t.Errorf("store has %d entries, unmapped symbol leaked in", store.Len())
	}
}

func TestTradeMergesIntoBookView(t *testing.T) {
	t.Parallel()
	mx, adapter, store, _ := newHarness(t, "alpha")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook, types.ChannelTrade})
	mx.Start(context.Background())
	defer mx.Stop()

	session := waitSession(t, adapter)
	eventually(t, "subscription", func() bool { return session.Subscribed("BTC/USDC:PERP") })

	session.Emit(venue.Event{Kind: venue.EventBook, Symbol: "BTC/USDC:PERP", Bid: quote("50000"), Ask: quote("50002")})
	session.Emit(venue.Event{Kind: venue.EventTrade, Symbol: "BTC/USDC:PERP", Last: quote("50001")})

	eventually(t, "merged trade", func() bool {
		e, ok := store.Get("alpha", "BTC-USDC-PERP")
		return ok && e.Last != nil
	})
	got, _ := store.Get("alpha", "BTC-USDC-PERP")
	if got.Bid == nil || got.Ask == nil {
		t.Error("trade event must keep the standing bid/ask")
	}
	if !got.Last.Price.Equal(dec("50001")) {
		t.Errorf("last = %v", got.Last.Price)
	}
	if got.Seq != 2 {
		t.Errorf("seq = %d, want 2", got.Seq)
	}
}

func TestReconnectResubscribes(t *testing.T) {
	t.Parallel()
	mx, adapter, _, pub := newHarness(t, "alpha")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP", "ETH-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())
	defer mx.Stop()

	first := waitSession(t, adapter)
	eventually(t, "initial subscriptions", func() bool {
		return first.Subscribed("BTC/USDC:PERP") && first.Subscribed("ETH/USDC:PERP")
	})

	first.Fail(errors.New("connection reset"))

	second := waitSession(t, adapter)
	eventually(t, "resubscription", func() bool {
		return second.Subscribed("BTC/USDC:PERP") && second.Subscribed("ETH/USDC:PERP")
	})

	states := pub.sessionStates()
	var sawDegraded, liveAgain bool
	for i, s := range states {
		if s == types.SessionDegraded {
			sawDegraded = true
		}
		if sawDegraded && s == types.SessionLive && i > 0 {
			liveAgain = true
		}
	}
	if !sawDegraded || !liveAgain {
		t.Errorf("states = %v, want degraded then live again", states)
	}
}

func TestSeqSurvivesReconnect(t *testing.T) {
	t.Parallel()
	mx, adapter, store, _ := newHarness(t, "alpha")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())
	defer mx.Stop()

	first := waitSession(t, adapter)
	eventually(t, "subscription", func() bool { return first.Subscribed("BTC/USDC:PERP") })
	first.Emit(venue.Event{Kind: venue.EventBook, Symbol: "BTC/USDC:PERP", Bid: quote("50000"), Ask: quote("50002")})
	eventually(t, "first entry", func() bool {
		e, ok := store.Get("alpha", "BTC-USDC-PERP")
		return ok && e.Seq == 1
	})

	first.Fail(errors.New("gone"))
	second := waitSession(t, adapter)
	eventually(t, "resubscription", func() bool { return second.Subscribed("BTC/USDC:PERP") })

	second.Emit(venue.Event{Kind: venue.EventBook, Symbol: "BTC/USDC:PERP", Bid: quote("50010"), Ask: quote("50012")})
	eventually(t, "post-reconnect entry", func() bool {
		e, ok := store.Get("alpha", "BTC-USDC-PERP")
		return ok && e.Seq == 2
	})
}

func TestReconcileUnsubscribes(t *testing.T) {
	t.Parallel()
	mx, adapter, _, _ := newHarness(t, "alpha")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP", "ETH-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())
	defer mx.Stop()

	session := waitSession(t, adapter)
	eventually(t, "both subscriptions", func() bool {
		return session.Subscribed("BTC/USDC:PERP") && session.Subscribed("ETH/USDC:PERP")
	})

	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	eventually(t, "unsubscribe", func() bool {
		return session.Subscribed("BTC/USDC:PERP") && !session.Subscribed("ETH/USDC:PERP")
	})
}

func TestFailedUnsubscribeKeepsActual(t *testing.T) {
	t.Parallel()
	mx, adapter, _, _ := newHarness(t, "alpha")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP", "ETH-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())
	defer mx.Stop()

	session := waitSession(t, adapter)
	eventually(t, "both subscriptions", func() bool {
		return session.Subscribed("BTC/USDC:PERP") && session.Subscribed("ETH/USDC:PERP")
	})

	// The venue refuses the unsubscribe: it still considers us
	// subscribed, so the actual set must not advance.
	session.RejectUnsubscribes(errors.New("venue busy"))
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	eventually(t, "unsubscribe attempt", func() bool {
		return session.UnsubAttempts() > 0
	})
	time.Sleep(50 * time.Millisecond)
	if got := mx.Status().Actual; got != 2 {
		t.Errorf("actual = %d after failed unsubscribe, want 2", got)
	}
	if !session.Subscribed("ETH/USDC:PERP") {
		t.Error("venue-side subscription gone despite the rejection")
	}

	// Once the venue recovers, the next reconcile retires the symbol.
	session.RejectUnsubscribes(nil)
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	eventually(t, "retried unsubscribe", func() bool {
		return !session.Subscribed("ETH/USDC:PERP") && mx.Status().Actual == 1
	})
}

func TestHandshakeFailuresEscalate(t *testing.T) {
	t.Parallel()
	mx, adapter, _, _ := newHarness(t, "alpha")
	mx.opts.Reconnect = config.ReconnectConfig{
		BaseMS: 1, CapMS: 2, StabilityMS: 60000,
		AttemptCap: 3, AttemptWindowMS: 60000,
	}

	escalations := make(chan types.VenueID, 1)
	mx.opts.OnEscalate = func(v types.VenueID, err error) {
		select {
		case escalations <- v:
		default:
		}
	}

	adapter.SetFailDials(1 << 20)
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())
	defer mx.Stop()

	select {
	case v := <-escalations:
		if v != "alpha" {
			t.Errorf("escalated venue = %s, want alpha", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no escalation after three handshake failures")
	}
	eventually(t, "escalated status", func() bool { return mx.Status().Escalated })

	// The loop keeps retrying; a successful connect clears the flag.
	adapter.SetFailDials(0)
	session := waitSession(t, adapter)
	eventually(t, "recovery", func() bool {
		return session.Subscribed("BTC/USDC:PERP") && !mx.Status().Escalated
	})
}

func TestGraceLapseTombstonesVenue(t *testing.T) {
	t.Parallel()
	mx, adapter, store, _ := newHarness(t, "alpha")
	mx.opts.Grace = 30 * time.Millisecond
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())
	defer mx.Stop()

	session := waitSession(t, adapter)
	eventually(t, "subscription", func() bool { return session.Subscribed("BTC/USDC:PERP") })
	session.Emit(venue.Event{Kind: venue.EventBook, Symbol: "BTC/USDC:PERP", Bid: quote("50000"), Ask: quote("50002")})
	eventually(t, "entry", func() bool {
		_, ok := store.Get("alpha", "BTC-USDC-PERP")
		return ok
	})

	// Keep every future dial failing so the grace period lapses.
	adapter.SetFailDials(1 << 20)
	session.Fail(errors.New("gone for good"))

	eventually(t, "tombstone", func() bool {
		_, ok := store.Get("alpha", "BTC-USDC-PERP")
		return !ok
	})
}

func TestStopIsTerminal(t *testing.T) {
	t.Parallel()
	mx, adapter, _, pub := newHarness(t, "alpha")
	mx.SetDesired([]types.CanonicalID{"BTC-USDC-PERP"}, []types.Channel{types.ChannelBook})
	mx.Start(context.Background())

	session := waitSession(t, adapter)
	eventually(t, "subscription", func() bool { return session.Subscribed("BTC/USDC:PERP") })

	mx.Stop()
	if got := mx.Status().State; got != types.SessionClosed {
		t.Errorf("state after Stop = %s, want closed", got)
	}
	states := pub.sessionStates()
	if states[len(states)-1] != types.SessionClosed {
		t.Errorf("last announced state = %s, want closed", states[len(states)-1])
	}
}
