// Package book holds the aggregated top-of-book view for every
// (venue, canonical id) the monitor tracks.
//
// The store is the only shared mutable surface in the process. Writes
// are serialized per key and gated on seq; reads are concurrent and
// return copies. Streamed and polled entries occupy distinct slots and
// never race each other. Accepted writes and tombstones are published
// to the fan-out bus by the store itself, so every consumer observes
// the same per-key order.
package book

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"spreadmon/internal/metrics"
	"spreadmon/pkg/types"
)

// Key addresses one slot in the store.
type Key struct {
	Venue  types.VenueID
	ID     types.CanonicalID
	Source types.Source
}

// Publisher receives the BookUpdates the store emits. Satisfied by
// *bus.Bus.
type Publisher interface {
	Publish(types.Update)
}

// Store is the in-memory authoritative book view.
type Store struct {
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[Key]types.BookEntry
}

// NewStore creates an empty store publishing to pub.
func NewStore(pub Publisher, logger *slog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		pub:     pub,
		logger:  logger.With("component", "book"),
		metrics: m,
		now:     time.Now,
		entries: make(map[Key]types.BookEntry),
	}
}

// Apply writes the entry if its seq exceeds the stored seq for its
// slot. Returns whether the write was accepted and the prior entry, if
// any. Accepted writes publish a BookUpdate.
//
// A crossed entry reaching the store is an internal bug, since the
// multiplexer and poller validate before applying, and crashes the
// process deliberately.
func (s *Store) Apply(e types.BookEntry) (accepted bool, prior *types.BookEntry) {
	if e.Crossed() {
		s.logger.Error("invariant violation: crossed entry reached the store",
			"venue", e.Venue, "id", e.ID, "source", e.Source,
			"bid", e.Bid.Price, "ask", e.Ask.Price, "seq", e.Seq,
		)
		panic("book: crossed entry reached the store")
	}

	key := Key{Venue: e.Venue, ID: e.ID, Source: e.Source}

	s.mu.Lock()
	old, exists := s.entries[key]
	if exists && e.Seq <= old.Seq {
		s.mu.Unlock()
		cp := old
		return false, &cp
	}

	now := s.now()
	// Ingest time is monotonically nondecreasing per slot.
	if exists && now.Before(old.IngestTime) {
		now = old.IngestTime
	}
	e.IngestTime = now
	s.entries[key] = e
	s.mu.Unlock()

	s.metrics.EventsIngested.WithLabelValues(string(e.Venue)).Inc()

	var priorSeq uint64
	if exists {
		priorSeq = old.Seq
		cp := old
		prior = &cp
	}
	s.pub.Publish(types.NewBookUpdate(e, priorSeq))
	return true, prior
}

// Get returns the streamed entry for (venue, id).
func (s *Store) Get(venue types.VenueID, id types.CanonicalID) (types.BookEntry, bool) {
	return s.GetSource(venue, id, types.SourceStream)
}

// GetSource returns the entry for one specific slot.
func (s *Store) GetSource(venue types.VenueID, id types.CanonicalID, src types.Source) (types.BookEntry, bool) {
	s.mu.RLock()
	e, ok := s.entries[Key{Venue: venue, ID: id, Source: src}]
	s.mu.RUnlock()
	return e, ok
}

// SnapshotByID returns the streamed entries for one canonical id,
// keyed by venue.
func (s *Store) SnapshotByID(id types.CanonicalID) map[types.VenueID]types.BookEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.VenueID]types.BookEntry)
	for key, e := range s.entries {
		if key.ID == id && key.Source == types.SourceStream {
			out[key.Venue] = e
		}
	}
	return out
}

// SnapshotAll returns every entry (all slots), ordered by venue, id,
// source for deterministic iteration.
func (s *Store) SnapshotAll() []types.BookEntry {
	s.mu.RLock()
	out := make([]types.BookEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Expire drops the slot and publishes a tombstone BookUpdate carrying
// the last-known values with source=stale. Reports whether a slot
// existed.
func (s *Store) Expire(venue types.VenueID, id types.CanonicalID, src types.Source) bool {
	key := Key{Venue: venue, ID: id, Source: src}

	s.mu.Lock()
	old, exists := s.entries[key]
	if !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, key)
	s.mu.Unlock()

	s.metrics.StoreTombstones.WithLabelValues(string(venue)).Inc()

	tomb := old
	tomb.Source = types.SourceStale
	tomb.Seq = old.Seq + 1
	tomb.IngestTime = s.now()
	s.pub.Publish(types.NewBookUpdate(tomb, old.Seq))

	s.logger.Debug("entry expired", "venue", venue, "id", id, "source", src)
	return true
}

// ExpireVenue tombstones every slot a venue holds for the given source.
// Used when a disconnected venue's grace period lapses. Returns the
// number of slots expired.
func (s *Store) ExpireVenue(venue types.VenueID, src types.Source) int {
	s.mu.RLock()
	var ids []types.CanonicalID
	for key := range s.entries {
		if key.Venue == venue && key.Source == src {
			ids = append(ids, key.ID)
		}
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Expire(venue, id, src)
	}
	return len(ids)
}

// Len returns the number of live slots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
