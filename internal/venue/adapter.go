// Package venue defines the adapter contract the core consumes and a
// reference implementation speaking a generic JSON wire.
//
// Venue-specific protocol quirks stay behind the Adapter interface: the
// multiplexer and polling controller only ever see the normalized Event
// and Snapshot types below. Adapters own socket-level concerns; the
// multiplexer owns session-level reconnection.
package venue

import (
	"context"
	"time"

	"spreadmon/pkg/types"
)

// EventKind discriminates normalized stream events.
type EventKind string

const (
	EventBook  EventKind = "book"  // top-of-book change
	EventTrade EventKind = "trade" // last trade
)

// Event is a normalized venue stream event. Any quote may be absent on
// a given event (nil); the multiplexer merges events into complete
// BookEntries. Symbol is venue-native; it never crosses into the core
// without registry resolution.
type Event struct {
	Kind      EventKind
	Symbol    string
	Bid       *types.Quote
	Ask       *types.Quote
	Last      *types.Quote
	EventTime time.Time
}

// Snapshot is a point-in-time top-of-book fetched over REST, used by
// the polling path.
type Snapshot struct {
	Bid       *types.Quote
	Ask       *types.Quote
	EventTime time.Time
}

// Session is one live stream connection. Events() is closed when the
// session dies for any reason; Err() then reports the cause. Subscribe
// and Unsubscribe return once the venue acknowledges (or the context
// expires).
type Session interface {
	Events() <-chan Event
	Subscribe(ctx context.Context, symbol string, channels []types.Channel) error
	Unsubscribe(ctx context.Context, symbol string, channels []types.Channel) error
	Err() error
	Close() error
}

// Adapter is the narrow per-venue capability surface.
type Adapter interface {
	Venue() types.VenueID
	ListInstruments(ctx context.Context) ([]string, error)
	OpenStream(ctx context.Context) (Session, error)
	FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error)
}
