// Package mux owns one venue's session lifecycle: dialing, the
// subscription set, normalization into the book store, and reconnection
// with jittered exponential backoff.
//
// The per-venue state machine is
//
//	idle → connecting → live ⇄ degraded → closed
//
// with closed terminal (shutdown only). Desired subscriptions are held
// separately from actual ones: the desired set is what the supervisor
// asked for, the actual set is what the current session has
// acknowledged. Every (re)connect resets actual to empty and reconciles
// from scratch, so a flapping venue cannot leak subscription state.
package mux

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"spreadmon/internal/book"
	"spreadmon/internal/config"
	"spreadmon/internal/metrics"
	"spreadmon/internal/symbols"
	"spreadmon/internal/venue"
	"spreadmon/pkg/types"
)

// Publisher receives session transition updates. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(types.Update)
}

// Options tunes one multiplexer instance.
type Options struct {
	Reconnect config.ReconnectConfig
	// Grace is how long a venue may stay disconnected before its
	// streamed book entries are tombstoned.
	Grace time.Duration
	// OpTimeout bounds each subscribe/unsubscribe request.
	OpTimeout time.Duration
	// OnEscalate is called when dial failures exceed the reconnect
	// attempt cap within the attempt window. The multiplexer keeps
	// retrying; the callee decides what to do about the venue.
	OnEscalate func(types.VenueID, error)
}

// Status is a point-in-time health view of one venue session.
type Status struct {
	Venue     types.VenueID      `json:"venue"`
	State     types.SessionState `json:"state"`
	LastError string             `json:"last_error,omitempty"`
	Desired   int                `json:"desired_subscriptions"`
	Actual    int                `json:"actual_subscriptions"`
	LiveSince time.Time          `json:"live_since,omitzero"`
	Escalated bool               `json:"escalated,omitempty"`
}

// Multiplexer drives one venue feed.
type Multiplexer struct {
	venue    types.VenueID
	adapter  venue.Adapter
	registry *symbols.Registry
	store    *book.Store
	pub      Publisher
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	reconcile chan struct{}

	mu        sync.Mutex
	state     types.SessionState
	lastErr   error
	desired   map[string][]types.Channel // native symbol → channels
	actual    map[string]struct{}
	seq       map[types.CanonicalID]uint64
	merged    map[types.CanonicalID]types.BookEntry
	liveSince time.Time
	graceTmr  *time.Timer
	escalated bool

	// Dial failure accounting for escalation; run goroutine only.
	failCount int
	failStart time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a multiplexer for one venue. Call Start to begin.
func New(a venue.Adapter, reg *symbols.Registry, store *book.Store, pub Publisher, opts Options, logger *slog.Logger, m *metrics.Metrics) *Multiplexer {
	mx := &Multiplexer{
		venue:     a.Venue(),
		adapter:   a,
		registry:  reg,
		store:     store,
		pub:       pub,
		opts:      opts,
		logger:    logger.With("component", "mux", "venue", a.Venue()),
		metrics:   m,
		reconcile: make(chan struct{}, 1),
		state:     types.SessionIdle,
		desired:   make(map[string][]types.Channel),
		actual:    make(map[string]struct{}),
		seq:       make(map[types.CanonicalID]uint64),
		merged:    make(map[types.CanonicalID]types.BookEntry),
		done:      make(chan struct{}),
	}
	m.SetSessionState(string(mx.venue), string(types.SessionIdle))
	return mx
}

// SetDesired replaces the desired subscription set with the given
// canonical ids, each on the given channels. Ids not listed on this
// venue are skipped. Safe to call at any time; the session reconciles
// asynchronously.
func (m *Multiplexer) SetDesired(ids []types.CanonicalID, channels []types.Channel) {
	next := make(map[string][]types.Channel, len(ids))
	for _, id := range ids {
		native, err := m.registry.NativeOf(id, m.venue)
		if err != nil {
			m.logger.Debug("id not listed, skipping", "id", id)
			continue
		}
		next[native] = channels
	}

	m.mu.Lock()
	m.desired = next
	m.mu.Unlock()
	m.kick()
}

// Start launches the session loop. The loop runs until Stop or ctx
// cancellation, whichever comes first.
func (m *Multiplexer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(ctx)
}

// Stop terminates the session loop and waits for it to exit. The venue
// ends in the closed state.
func (m *Multiplexer) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// Status returns the current health view.
func (m *Multiplexer) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Venue:   m.venue,
		State:   m.state,
		Desired: len(m.desired),
		Actual:  len(m.actual),
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	if m.state == types.SessionLive {
		st.LiveSince = m.liveSince
	}
	st.Escalated = m.escalated
	return st
}

func (m *Multiplexer) kick() {
	select {
	case m.reconcile <- struct{}{}:
	default:
	}
}

// transition moves the state machine and announces the change.
func (m *Multiplexer) transition(next types.SessionState, reason string) {
	m.mu.Lock()
	old := m.state
	if old == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	if next == types.SessionLive {
		m.liveSince = time.Now()
	}
	m.mu.Unlock()

	m.metrics.SetSessionState(string(m.venue), string(next))
	m.pub.Publish(types.NewSessionUpdate(m.venue, old, next, reason))
	m.logger.Info("session state", "old", old, "new", next, "reason", reason)
}

func (m *Multiplexer) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func newBackoff(rc config.ReconnectConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.Base()
	bo.MaxInterval = rc.Cap()
	bo.RandomizationFactor = 0.3
	return bo
}

func (m *Multiplexer) run(ctx context.Context) {
	defer close(m.done)
	defer m.transition(types.SessionClosed, "shutdown")
	defer m.stopGraceTimer()

	bo := newBackoff(m.opts.Reconnect)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		m.transition(types.SessionConnecting, "dialing")
		if attempt > 0 {
			m.metrics.Reconnects.WithLabelValues(string(m.venue)).Inc()
		}
		attempt++

		session, err := m.adapter.OpenStream(ctx)
		if err != nil {
			m.setErr(err)
			m.noteDialFailure(err)
			m.transition(types.SessionDegraded, "dial failed")
			m.logger.Warn("dial failed", "error", err)
			if !m.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		// Connected: dial failure accounting restarts, and a stable
		// stretch resets the backoff schedule.
		m.failCount = 0
		m.failStart = time.Time{}
		m.mu.Lock()
		m.escalated = false
		m.mu.Unlock()
		connectedAt := time.Now()
		m.serve(ctx, session)
		session.Close()

		if ctx.Err() != nil {
			return
		}
		if time.Since(connectedAt) >= m.opts.Reconnect.Stability() {
			bo.Reset()
		}
		m.transition(types.SessionDegraded, "session lost")
		m.startGraceTimer()
		if !m.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// noteDialFailure counts handshake failures against the reconnect
// attempt cap. Hitting the cap within the attempt window escalates the
// venue; retrying continues either way.
func (m *Multiplexer) noteDialFailure(err error) {
	limit := m.opts.Reconnect.AttemptCap
	if limit <= 0 {
		return
	}
	now := time.Now()
	if m.failStart.IsZero() || now.Sub(m.failStart) > m.opts.Reconnect.AttemptWindow() {
		m.failStart = now
		m.failCount = 0
	}
	m.failCount++
	if m.failCount < limit {
		return
	}

	m.mu.Lock()
	m.escalated = true
	m.mu.Unlock()
	m.logger.Error("handshake failures exceeded attempt cap",
		"attempts", m.failCount, "window", m.opts.Reconnect.AttemptWindow(), "error", err)
	if m.opts.OnEscalate != nil {
		m.opts.OnEscalate(m.venue, err)
	}
	// Start a fresh window so the escalation repeats if the venue stays
	// unreachable, rather than firing on every subsequent failure.
	m.failCount = 0
	m.failStart = time.Time{}
}

func (m *Multiplexer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// serve owns one live session: full resubscribe, then the event and
// reconcile loop until the session dies or ctx is cancelled.
func (m *Multiplexer) serve(ctx context.Context, session venue.Session) {
	m.mu.Lock()
	m.actual = make(map[string]struct{})
	m.mu.Unlock()

	m.stopGraceTimer()
	m.transition(types.SessionLive, "connected")
	m.reconcileSubs(ctx, session)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reconcile:
			m.reconcileSubs(ctx, session)
		case evt, ok := <-session.Events():
			if !ok {
				m.setErr(session.Err())
				m.logger.Warn("session died", "error", session.Err())
				return
			}
			m.ingest(evt)
		}
	}
}

// reconcileSubs diffs desired against actual and issues the subscribe
// and unsubscribe requests. The actual set only advances on venue
// acknowledgement; a failed subscribe stays desired and is retried on
// the next reconcile or reconnect.
func (m *Multiplexer) reconcileSubs(ctx context.Context, session venue.Session) {
	m.mu.Lock()
	var toSub []string
	for sym := range m.desired {
		if _, ok := m.actual[sym]; !ok {
			toSub = append(toSub, sym)
		}
	}
	var toUnsub []string
	for sym := range m.actual {
		if _, ok := m.desired[sym]; !ok {
			toUnsub = append(toUnsub, sym)
		}
	}
	channels := make(map[string][]types.Channel, len(toSub))
	for _, sym := range toSub {
		channels[sym] = m.desired[sym]
	}
	m.mu.Unlock()

	sort.Strings(toSub)
	sort.Strings(toUnsub)

	for _, sym := range toSub {
		opCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
		err := session.Subscribe(opCtx, sym, channels[sym])
		cancel()
		if err != nil {
			m.logger.Warn("subscribe failed", "symbol", sym, "error", err)
			continue
		}
		m.mu.Lock()
		m.actual[sym] = struct{}{}
		m.mu.Unlock()
	}

	for _, sym := range toUnsub {
		opCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
		err := session.Unsubscribe(opCtx, sym, nil)
		cancel()
		if err != nil {
			// The venue still considers us subscribed; keep it in actual
			// and retry on the next reconcile.
			m.logger.Warn("unsubscribe failed", "symbol", sym, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.actual, sym)
		m.mu.Unlock()
	}
}

// ingest normalizes one venue event and applies it to the store. Events
// merge into the venue's last view per id, so a trade-only event keeps
// the standing bid/ask.
func (m *Multiplexer) ingest(evt venue.Event) {
	id, err := m.registry.CanonicalOf(m.venue, evt.Symbol)
	if err != nil {
		m.metrics.EventsUnmapped.WithLabelValues(string(m.venue)).Inc()
		m.logger.Debug("unmapped symbol dropped", "symbol", evt.Symbol)
		return
	}

	m.mu.Lock()
	entry, ok := m.merged[id]
	if !ok {
		entry = types.BookEntry{Venue: m.venue, ID: id, Source: types.SourceStream}
	}
	switch evt.Kind {
	case venue.EventBook:
		// A book event is authoritative for both sides, including absence.
		entry.Bid = evt.Bid
		entry.Ask = evt.Ask
	case venue.EventTrade:
		if evt.Last != nil {
			entry.Last = evt.Last
		}
	}
	entry.EventTime = evt.EventTime

	if entry.Crossed() {
		m.mu.Unlock()
		m.metrics.EventsRejected.WithLabelValues(string(m.venue)).Inc()
		m.logger.Warn("crossed book rejected",
			"symbol", evt.Symbol, "bid", entry.Bid.Price, "ask", entry.Ask.Price)
		return
	}

	m.seq[id]++
	entry.Seq = m.seq[id]
	m.merged[id] = entry
	m.mu.Unlock()

	m.store.Apply(entry)
}

// startGraceTimer arms the disconnect grace period: if the venue does
// not come back live in time, its streamed entries are tombstoned so
// consumers stop trusting them.
func (m *Multiplexer) startGraceTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTmr != nil {
		return
	}
	m.graceTmr = time.AfterFunc(m.opts.Grace, func() {
		m.mu.Lock()
		live := m.state == types.SessionLive
		m.mu.Unlock()
		if live {
			return
		}
		n := m.store.ExpireVenue(m.venue, types.SourceStream)
		m.logger.Warn("disconnect grace lapsed, entries expired", "count", n)
	})
}

func (m *Multiplexer) stopGraceTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTmr != nil {
		m.graceTmr.Stop()
		m.graceTmr = nil
	}
}
