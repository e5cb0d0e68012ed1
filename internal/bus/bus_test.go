package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"spreadmon/internal/metrics"
	"spreadmon/pkg/types"
)

func newTestBus(capacity int) *Bus {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(capacity, logger, metrics.New())
}

func bookUpdate(venue types.VenueID, id types.CanonicalID, seq uint64) types.Update {
	return types.NewBookUpdate(types.BookEntry{
		Venue: venue, ID: id, Source: types.SourceStream, Seq: seq,
	}, seq-1)
}

func recvTimeout(t *testing.T, ch <-chan types.Update) types.Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatal("updates channel closed unexpectedly")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return types.Update{}
	}
}

func TestDeliverInOrder(t *testing.T) {
	t.Parallel()
	b := newTestBus(8)
	defer b.Close()

	sub := b.Subscribe(nil)
	defer sub.Close()

	b.Publish(bookUpdate("alpha", "BTC-USDC-PERP", 1))
	b.Publish(bookUpdate("beta", "BTC-USDC-PERP", 1))

	first := recvTimeout(t, sub.Updates())
	second := recvTimeout(t, sub.Updates())
	if first.Book.Entry.Venue != "alpha" || second.Book.Entry.Venue != "beta" {
		t.Errorf("order = %s, %s; want alpha, beta", first.Book.Entry.Venue, second.Book.Entry.Venue)
	}
}

func TestConflateLatestPerKey(t *testing.T) {
	t.Parallel()
	b := newTestBus(4)
	defer b.Close()

	sub := b.Subscribe(nil)
	defer sub.Close()

	// Publish a burst for one key before the consumer reads anything.
	// Only the first in-flight value and the latest pending value can
	// arrive; seq 2..9 conflate away.
	for seq := uint64(1); seq <= 10; seq++ {
		b.Publish(bookUpdate("alpha", "BTC-USDC-PERP", seq))
	}

	var seen []uint64
	deadline := time.After(2 * time.Second)
	for {
		if len(seen) > 0 && seen[len(seen)-1] == 10 {
			break
		}
		select {
		case u := <-sub.Updates():
			seen = append(seen, u.Book.Entry.Seq)
		case <-deadline:
			t.Fatalf("never saw seq 10; saw %v", seen)
		}
	}

	// Monotonic in seq, latest value delivered.
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("seq regressed: %v", seen)
		}
	}
}

func TestDistinctKeysDoNotConflate(t *testing.T) {
	t.Parallel()
	b := newTestBus(8)
	defer b.Close()

	sub := b.Subscribe(nil)
	defer sub.Close()

	b.Publish(bookUpdate("alpha", "BTC-USDC-PERP", 1))
	b.Publish(bookUpdate("alpha", "ETH-USDC-PERP", 1))
	b.Publish(types.NewSessionUpdate("alpha", types.SessionIdle, types.SessionConnecting, ""))

	kinds := map[types.UpdateKind]int{}
	for i := 0; i < 3; i++ {
		u := recvTimeout(t, sub.Updates())
		kinds[u.Kind]++
	}
	if kinds[types.UpdateBook] != 2 || kinds[types.UpdateSession] != 1 {
		t.Errorf("kinds = %v, want 2 book + 1 session", kinds)
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()
	b := newTestBus(8)
	defer b.Close()

	sub := b.Subscribe(func(u types.Update) bool { return u.Kind == types.UpdateSpread })
	defer sub.Close()

	b.Publish(bookUpdate("alpha", "BTC-USDC-PERP", 1))
	b.Publish(types.NewSpreadUpdate(types.SpreadSummary{ID: "BTC-USDC-PERP", Class: types.SpreadQuiet}))

	u := recvTimeout(t, sub.Updates())
	if u.Kind != types.UpdateSpread {
		t.Errorf("kind = %s, want spread", u.Kind)
	}
	select {
	case extra := <-sub.Updates():
		t.Errorf("unexpected extra update: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberCloseIdempotent(t *testing.T) {
	t.Parallel()
	b := newTestBus(8)
	defer b.Close()

	sub := b.Subscribe(nil)
	sub.Close()
	sub.Close() // must not panic

	// Publishing after the subscriber left must not block or panic.
	b.Publish(bookUpdate("alpha", "BTC-USDC-PERP", 1))
}

func TestSlowSubscriberNeverBlocksPublisher(t *testing.T) {
	t.Parallel()
	b := newTestBus(1)
	defer b.Close()

	sub := b.Subscribe(nil)
	defer sub.Close()

	// Nobody reads; publishing far beyond capacity must return promptly.
	donePublishing := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= 1000; seq++ {
			b.Publish(bookUpdate("alpha", "BTC-USDC-PERP", seq))
		}
		close(donePublishing)
	}()

	select {
	case <-donePublishing:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	t.Parallel()
	b := newTestBus(8)
	sub := b.Subscribe(nil)

	b.Close()
	b.Close() // idempotent

	select {
	case _, ok := <-sub.Updates():
		if ok {
			// A buffered update may still drain; the channel must close after.
			for range sub.Updates() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel not closed after bus Close")
	}

	// Subscribe after close yields an already-closed handle.
	late := b.Subscribe(nil)
	if _, ok := <-late.Updates(); ok {
		t.Error("late subscription should be closed immediately")
	}
}
