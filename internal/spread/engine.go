// Package spread computes live cross-venue spread summaries.
//
// The engine subscribes to book updates and recomputes the summary for
// an instrument whenever any venue's streamed view of it changes,
// including tombstones. Only fresh streamed entries contribute numbers;
// stale venues are listed as participants but excluded from the mids.
// Summaries are point-in-time state, never history.
package spread

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spreadmon/internal/book"
	"spreadmon/internal/bus"
	"spreadmon/internal/config"
	"spreadmon/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// Engine recomputes and publishes spread summaries.
type Engine struct {
	store      *book.Store
	bus        *bus.Bus
	elevated   decimal.Decimal
	arbitrage  decimal.Decimal
	scale      int32
	staleAfter time.Duration
	anchor     types.VenueID
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	last     map[types.CanonicalID]types.SpreadSummary
	maxPct   decimal.Decimal
	maxPctID types.CanonicalID
	maxPctAt time.Time

	done chan struct{}
}

// New builds the engine from the spread config. The percent thresholds
// are decimal strings ("0.5" means 0.5%).
func New(store *book.Store, b *bus.Bus, sc config.SpreadConfig, staleAfter time.Duration, anchor types.VenueID, logger *slog.Logger) (*Engine, error) {
	elevated, err := decimal.NewFromString(sc.ElevatedPct)
	if err != nil {
		return nil, fmt.Errorf("spread.elevated_pct %q: %w", sc.ElevatedPct, err)
	}
	arbitrage, err := decimal.NewFromString(sc.ArbitragePct)
	if err != nil {
		return nil, fmt.Errorf("spread.arbitrage_pct %q: %w", sc.ArbitragePct, err)
	}
	if arbitrage.LessThan(elevated) {
		return nil, fmt.Errorf("spread.arbitrage_pct %s below elevated_pct %s", arbitrage, elevated)
	}
	return &Engine{
		store:      store,
		bus:        b,
		elevated:   elevated,
		arbitrage:  arbitrage,
		scale:      sc.Scale,
		staleAfter: staleAfter,
		anchor:     anchor,
		logger:     logger.With("component", "spread"),
		now:        time.Now,
		last:       make(map[types.CanonicalID]types.SpreadSummary),
		done:       make(chan struct{}),
	}, nil
}

// Start subscribes to book updates and runs the recompute loop until
// ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	sub := e.bus.Subscribe(func(u types.Update) bool {
		if u.Kind != types.UpdateBook {
			return false
		}
		// The polled slot never feeds the spread computation.
		return u.Book.Entry.Source != types.SourcePolled
	})

	go func() {
		defer close(e.done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-sub.Updates():
				if !ok {
					return
				}
				e.Recompute(u.Book.Entry.ID)
			}
		}
	}()
}

// Wait blocks until the recompute loop has exited.
func (e *Engine) Wait() { <-e.done }

// Snapshot returns a copy of every current summary, for the health
// endpoint and push consumers joining late.
func (e *Engine) Snapshot() map[types.CanonicalID]types.SpreadSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.CanonicalID]types.SpreadSummary, len(e.last))
	for id, s := range e.last {
		out[id] = s
	}
	return out
}

// MaxObserved returns the widest percent spread seen since boot and
// the instrument that produced it.
func (e *Engine) MaxObserved() (types.CanonicalID, decimal.Decimal, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxPctID, e.maxPct, e.maxPctAt
}

// Last returns the current summary for one instrument.
func (e *Engine) Last(id types.CanonicalID) (types.SpreadSummary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.last[id]
	return s, ok
}

// Recompute rebuilds the summary for one instrument from the store and
// publishes it if there is anything to say. With fewer than two fresh
// venues no numeric summary exists; losing a previously numeric summary
// is announced exactly once as insufficient_data.
func (e *Engine) Recompute(id types.CanonicalID) {
	entries := e.store.SnapshotByID(id)
	now := e.now()

	type contributor struct {
		venue types.VenueID
		mid   decimal.Decimal
		entry types.BookEntry
	}

	var fresh []contributor
	var participants []types.Participant

	venues := make([]types.VenueID, 0, len(entries))
	for v := range entries {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	for _, v := range venues {
		entry := entries[v]
		mid, ok := entry.Mid(e.scale)
		stale := !ok || entry.FreshnessAt(now) > e.staleAfter
		participants = append(participants, types.Participant{Venue: v, Stale: stale})
		if !stale {
			fresh = append(fresh, contributor{venue: v, mid: mid, entry: entry})
		}
	}

	if len(fresh) < 2 {
		e.noteInsufficient(id, participants, now)
		return
	}

	summary := types.SpreadSummary{
		ID:            id,
		Participating: participants,
		Mids:          make(map[types.VenueID]decimal.Decimal, len(fresh)),
		UpdatedAt:     now,
	}

	// Best bid is the highest fresh bid, best ask the lowest fresh ask.
	var bestBid, bestAsk decimal.Decimal
	for _, c := range fresh {
		summary.Mids[c.venue] = c.mid
		if c.entry.Bid != nil && (summary.BestBidVenue == "" || c.entry.Bid.Price.GreaterThan(bestBid)) {
			bestBid = c.entry.Bid.Price
			summary.BestBidVenue = c.venue
		}
		if c.entry.Ask != nil && (summary.BestAskVenue == "" || c.entry.Ask.Price.LessThan(bestAsk)) {
			bestAsk = c.entry.Ask.Price
			summary.BestAskVenue = c.venue
		}
	}

	// Widest absolute mid gap across all fresh pairs. Contributors are
	// venue-sorted, so equal gaps resolve to the lexicographically first
	// pair deterministically.
	minMid := fresh[0].mid
	for i := 0; i < len(fresh); i++ {
		if fresh[i].mid.LessThan(minMid) {
			minMid = fresh[i].mid
		}
		for j := i + 1; j < len(fresh); j++ {
			diff := fresh[i].mid.Sub(fresh[j].mid).Abs()
			if diff.GreaterThan(summary.MaxSpreadAbs) {
				summary.MaxSpreadAbs = diff
				summary.MaxPair = [2]types.VenueID{fresh[i].venue, fresh[j].venue}
			}
		}
	}
	if minMid.IsPositive() {
		summary.MaxSpreadPct = types.DivScale(summary.MaxSpreadAbs.Mul(hundred), minMid, e.scale)
	}

	summary.Class = e.classify(summary)

	e.mu.Lock()
	e.last[id] = summary
	if summary.MaxSpreadPct.GreaterThan(e.maxPct) {
		e.maxPct = summary.MaxSpreadPct
		e.maxPctID = id
		e.maxPctAt = now
	}
	e.mu.Unlock()
	e.bus.Publish(types.NewSpreadUpdate(summary))
}

// classify maps the percent spread onto a class. The arbitrage class
// additionally requires the anchor venue to be a fresh participant: a
// candidate the poller cannot confirm against the anchor is reported
// as merely elevated.
func (e *Engine) classify(s types.SpreadSummary) types.SpreadClass {
	anchorFresh := false
	for _, p := range s.Participating {
		if p.Venue == e.anchor && !p.Stale {
			anchorFresh = true
			break
		}
	}

	switch {
	case s.MaxSpreadPct.GreaterThanOrEqual(e.arbitrage) && anchorFresh:
		return types.SpreadArbCandidate
	case s.MaxSpreadPct.GreaterThanOrEqual(e.elevated):
		return types.SpreadElevated
	default:
		return types.SpreadQuiet
	}
}

// noteInsufficient announces the drop below two fresh venues exactly
// once, and only for an instrument that previously carried a numeric
// summary. An id that has never had two fresh venues produces no
// summary at all, so a single-venue listing stays silent.
func (e *Engine) noteInsufficient(id types.CanonicalID, participants []types.Participant, now time.Time) {
	e.mu.Lock()
	prev, had := e.last[id]
	if !had || prev.Class == types.SpreadInsufficientData {
		e.mu.Unlock()
		return
	}
	summary := types.SpreadSummary{
		ID:            id,
		Participating: participants,
		Class:         types.SpreadInsufficientData,
		UpdatedAt:     now,
	}
	e.last[id] = summary
	e.mu.Unlock()

	e.logger.Info("spread data insufficient", "id", id, "participants", len(participants))
	e.bus.Publish(types.NewSpreadUpdate(summary))
}
