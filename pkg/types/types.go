// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the monitor: venue and
// instrument identities, top-of-book entries, spread summaries, and the
// bus update union. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Identities
// ————————————————————————————————————————————————————————————————————————

// VenueID is a short lowercase venue identifier, e.g. "binance".
// The set of venues is fixed at startup by configuration.
type VenueID string

// CanonicalID is the process-wide stable instrument identity, independent
// of any venue's native vocabulary. Grammar: BASE "-" QUOTE "-" KIND,
// e.g. "BTC-USDC-PERP". Created at registry load; never mutated.
type CanonicalID string

// Kind is the instrument kind segment of a CanonicalID.
type Kind string

const (
	KindPerp Kind = "PERP"
	KindSpot Kind = "SPOT"
)

// Parts splits a CanonicalID into base, quote, and kind.
// Returns an error if the id does not match the BASE-QUOTE-KIND grammar.
func (c CanonicalID) Parts() (base, quote string, kind Kind, err error) {
	segs := strings.Split(string(c), "-")
	if len(segs) != 3 || segs[0] == "" || segs[1] == "" || segs[2] == "" {
		return "", "", "", fmt.Errorf("malformed canonical id %q (want BASE-QUOTE-KIND)", string(c))
	}
	return segs[0], segs[1], Kind(segs[2]), nil
}

// Valid reports whether the id matches the canonical grammar.
func (c CanonicalID) Valid() bool {
	_, _, _, err := c.Parts()
	return err == nil
}

// MakeCanonicalID assembles a CanonicalID from its segments.
func MakeCanonicalID(base, quote string, kind Kind) CanonicalID {
	return CanonicalID(base + "-" + quote + "-" + string(kind))
}

// Channel identifies a per-instrument subscription channel on a venue feed.
type Channel string

const (
	ChannelBook  Channel = "book"  // top-of-book updates
	ChannelTrade Channel = "trade" // last-trade updates
)

// Source tags where a BookEntry came from. Streamed and polled entries
// occupy distinct slots in the book store and never race each other.
type Source string

const (
	SourceStream Source = "stream" // multiplexed venue feed
	SourcePolled Source = "polled" // REST snapshot poller
	SourceStale  Source = "stale"  // tombstone retaining last-known values
)

// SessionState is the multiplexer's per-venue connection state.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionLive       SessionState = "live"
	SessionDegraded   SessionState = "degraded"
	SessionClosed     SessionState = "closed" // terminal, shutdown only
)

// ————————————————————————————————————————————————————————————————————————
// Book entries
// ————————————————————————————————————————————————————————————————————————

// Quote is a (price, size) pair. Prices and sizes are exact decimals
// parsed from venue wire strings; comparisons are exact.
type Quote struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookEntry is the current view for one (venue, canonical id, source)
// slot: best bid/ask, last trade, the venue event timestamp, and the
// local monotonic ingest time. Nil sides are absent (e.g. a trade-only
// event before the first book event).
//
// Seq is monotonically increasing per (venue, id, source); the book
// store rejects entries whose seq does not exceed the stored one.
type BookEntry struct {
	Venue      VenueID     `json:"venue"`
	ID         CanonicalID `json:"id"`
	Bid        *Quote      `json:"bid,omitempty"`
	Ask        *Quote      `json:"ask,omitempty"`
	Last       *Quote      `json:"last,omitempty"`
	EventTime  time.Time   `json:"event_time"`
	IngestTime time.Time   `json:"ingest_time"`
	Source     Source      `json:"source"`
	Seq        uint64      `json:"seq"`
}

// Mid returns (bid+ask)/2 rounded half-to-even at scale when both sides
// are present, falling back to the last trade price. ok=false when the
// entry carries no usable price at all.
func (e BookEntry) Mid(scale int32) (decimal.Decimal, bool) {
	if e.Bid != nil && e.Ask != nil {
		return DivScale(e.Bid.Price.Add(e.Ask.Price), two, scale), true
	}
	if e.Last != nil {
		return e.Last.Price, true
	}
	return decimal.Decimal{}, false
}

// Crossed reports whether both sides are present with bid > ask.
// A crossed entry must never be stored; the multiplexer rejects it as a
// protocol error before the store sees it.
func (e BookEntry) Crossed() bool {
	return e.Bid != nil && e.Ask != nil && e.Bid.Price.GreaterThan(e.Ask.Price)
}

// FreshnessAt returns the entry age relative to now, measured by local
// ingest time.
func (e BookEntry) FreshnessAt(now time.Time) time.Duration {
	return now.Sub(e.IngestTime)
}

var two = decimal.NewFromInt(2)

// DivScale divides a by b rounding half-to-even at the given scale.
// Division carries four guard digits past the target scale before
// banker's rounding, so threshold comparisons are deterministic.
func DivScale(a, b decimal.Decimal, scale int32) decimal.Decimal {
	return a.DivRound(b, scale+4).RoundBank(scale)
}

// ————————————————————————————————————————————————————————————————————————
// Spread summaries
// ————————————————————————————————————————————————————————————————————————

// SpreadClass classifies the cross-venue spread state for one instrument.
type SpreadClass string

const (
	SpreadQuiet            SpreadClass = "quiet"
	SpreadElevated         SpreadClass = "elevated"
	SpreadArbCandidate     SpreadClass = "arbitrage_candidate"
	SpreadInsufficientData SpreadClass = "insufficient_data"
)

// Participant is one venue's standing in a spread computation. Stale
// venues are listed but excluded from the numbers.
type Participant struct {
	Venue VenueID `json:"venue"`
	Stale bool    `json:"stale,omitempty"`
}

// SpreadSummary is the live cross-venue spread state for one canonical
// id. Recomputed on every book change touching the id; never stored
// historically.
type SpreadSummary struct {
	ID            CanonicalID                 `json:"id"`
	Participating []Participant               `json:"participating"`
	BestBidVenue  VenueID                     `json:"best_bid_venue,omitempty"`
	BestAskVenue  VenueID                     `json:"best_ask_venue,omitempty"`
	Mids          map[VenueID]decimal.Decimal `json:"mids,omitempty"`
	MaxSpreadAbs  decimal.Decimal             `json:"max_spread_abs"`
	MaxSpreadPct  decimal.Decimal             `json:"max_spread_pct"`
	MaxPair       [2]VenueID                  `json:"max_pair"`
	Class         SpreadClass                 `json:"classification"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

// HasParticipant reports whether the venue took part in the summary
// (stale or fresh).
func (s SpreadSummary) HasParticipant(v VenueID) bool {
	for _, p := range s.Participating {
		if p.Venue == v {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Bus updates
// ————————————————————————————————————————————————————————————————————————

// UpdateKind discriminates the Update union.
type UpdateKind string

const (
	UpdateBook    UpdateKind = "book"
	UpdateSpread  UpdateKind = "spread"
	UpdateSession UpdateKind = "session"
)

// BookUpdate announces an accepted (or tombstoned) book store write.
// PriorSeq is the seq the slot held before this write; zero for the
// first entry on a slot.
type BookUpdate struct {
	Entry    BookEntry `json:"entry"`
	PriorSeq uint64    `json:"prior_seq"`
}

// SessionUpdate announces a venue session state transition.
type SessionUpdate struct {
	Venue  VenueID      `json:"venue"`
	Old    SessionState `json:"old"`
	New    SessionState `json:"new"`
	Reason string       `json:"reason,omitempty"`
}

// Update is the tagged union delivered over the fan-out bus. Exactly one
// of Book, Spread, Session is set, selected by Kind.
type Update struct {
	Kind    UpdateKind     `json:"kind"`
	Book    *BookUpdate    `json:"book,omitempty"`
	Spread  *SpreadSummary `json:"spread,omitempty"`
	Session *SessionUpdate `json:"session,omitempty"`
}

// UpdateKey is the conflation key: a newer Update for the same key
// replaces an older pending one in a full subscriber queue.
type UpdateKey struct {
	Kind  UpdateKind
	Venue VenueID
	ID    CanonicalID
}

// Key returns the conflation key for the update. Book updates from the
// polled and stale sources key separately from streamed ones (the venue
// segment carries a source suffix), so the two slots conflate
// independently on a subscriber queue.
func (u Update) Key() UpdateKey {
	switch u.Kind {
	case UpdateBook:
		v := u.Book.Entry.Venue
		if u.Book.Entry.Source != SourceStream {
			v = VenueID(string(v) + "/" + string(u.Book.Entry.Source))
		}
		return UpdateKey{Kind: UpdateBook, Venue: v, ID: u.Book.Entry.ID}
	case UpdateSpread:
		return UpdateKey{Kind: UpdateSpread, ID: u.Spread.ID}
	case UpdateSession:
		return UpdateKey{Kind: UpdateSession, Venue: u.Session.Venue}
	default:
		return UpdateKey{Kind: u.Kind}
	}
}

// NewBookUpdate wraps a BookEntry into a bus Update.
func NewBookUpdate(entry BookEntry, priorSeq uint64) Update {
	return Update{Kind: UpdateBook, Book: &BookUpdate{Entry: entry, PriorSeq: priorSeq}}
}

// NewSpreadUpdate wraps a SpreadSummary into a bus Update.
func NewSpreadUpdate(s SpreadSummary) Update {
	return Update{Kind: UpdateSpread, Spread: &s}
}

// NewSessionUpdate wraps a session transition into a bus Update.
func NewSessionUpdate(venue VenueID, old, next SessionState, reason string) Update {
	return Update{Kind: UpdateSession, Session: &SessionUpdate{Venue: venue, Old: old, New: next, Reason: reason}}
}
