// Package venuetest provides scriptable venue fakes for multiplexer,
// poller, and supervisor tests.
package venuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"spreadmon/internal/venue"
	"spreadmon/pkg/types"
)

// ErrScriptedDial is returned by Adapter.OpenStream while FailDials > 0.
var ErrScriptedDial = errors.New("scripted dial failure")

// Session is an in-memory venue.Session. Tests inject events with Emit
// and kill the session with Fail.
type Session struct {
	mu         sync.Mutex
	events     chan venue.Event
	err        error
	closed     bool
	subs       map[string][]types.Channel
	subErr     error
	unsubErr   error
	SubCalls   []string // symbols in Subscribe call order
	UnsubCalls []string
}

// NewSession creates an open session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan venue.Event, 64),
		subs:   make(map[string][]types.Channel),
	}
}

func (s *Session) Events() <-chan venue.Event { return s.events }

func (s *Session) Subscribe(ctx context.Context, symbol string, channels []types.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if s.subErr != nil {
		return s.subErr
	}
	s.subs[symbol] = append([]types.Channel(nil), channels...)
	s.SubCalls = append(s.SubCalls, symbol)
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, symbol string, channels []types.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.UnsubCalls = append(s.UnsubCalls, symbol)
	if s.unsubErr != nil {
		return s.unsubErr
	}
	delete(s.subs, symbol)
	return nil
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit delivers an event to the session's consumer. No-op after close.
func (s *Session) Emit(evt venue.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// Fail kills the session with the given error, closing Events().
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// RejectSubscribes makes every future Subscribe fail with err.
func (s *Session) RejectSubscribes(err error) {
	s.mu.Lock()
	s.subErr = err
	s.mu.Unlock()
}

// RejectUnsubscribes makes every future Unsubscribe fail with err; the
// subscription stays live. Pass nil to stop failing.
func (s *Session) RejectUnsubscribes(err error) {
	s.mu.Lock()
	s.unsubErr = err
	s.mu.Unlock()
}

// UnsubAttempts returns how many Unsubscribe calls the session has
// seen, failed ones included.
func (s *Session) UnsubAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.UnsubCalls)
}

// Subscribed reports whether the symbol currently has a subscription.
func (s *Session) Subscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[symbol]
	return ok
}

// SubscribedSymbols returns the live subscription set.
func (s *Session) SubscribedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		out = append(out, sym)
	}
	return out
}

// Adapter is a scriptable venue.Adapter. Each OpenStream hands out a
// fresh Session; tests reach the current one via Current(). Snapshot
// behavior is a pluggable hook.
type Adapter struct {
	ID types.VenueID

	mu        sync.Mutex
	sessions  []*Session
	opened    chan *Session
	FailDials int // remaining OpenStream calls to fail

	Instruments []string
	SnapshotFn  func(ctx context.Context, symbol string) (venue.Snapshot, error)
}

// NewAdapter creates a fake for the given venue id. Opened sessions are
// also announced on a buffered channel so tests can wait for reconnects.
func NewAdapter(id types.VenueID) *Adapter {
	return &Adapter{ID: id, opened: make(chan *Session, 16)}
}

func (a *Adapter) Venue() types.VenueID { return a.ID }

func (a *Adapter) ListInstruments(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Instruments...), nil
}

func (a *Adapter) OpenStream(ctx context.Context) (venue.Session, error) {
	a.mu.Lock()
	if a.FailDials > 0 {
		a.FailDials--
		a.mu.Unlock()
		return nil, ErrScriptedDial
	}
	s := NewSession()
	a.sessions = append(a.sessions, s)
	a.mu.Unlock()

	a.opened <- s
	return s, nil
}

func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string) (venue.Snapshot, error) {
	a.mu.Lock()
	fn := a.SnapshotFn
	a.mu.Unlock()
	if fn == nil {
		return venue.Snapshot{}, fmt.Errorf("no snapshot scripted for %s", symbol)
	}
	return fn(ctx, symbol)
}

// SetSnapshotFn swaps the snapshot hook.
func (a *Adapter) SetSnapshotFn(fn func(ctx context.Context, symbol string) (venue.Snapshot, error)) {
	a.mu.Lock()
	a.SnapshotFn = fn
	a.mu.Unlock()
}

// SetFailDials scripts the next n OpenStream calls to fail. Safe to
// call while the multiplexer is dialing.
func (a *Adapter) SetFailDials(n int) {
	a.mu.Lock()
	a.FailDials = n
	a.mu.Unlock()
}

// Opened returns the channel announcing each new session.
func (a *Adapter) Opened() <-chan *Session { return a.opened }

// Current returns the most recently opened session, or nil.
func (a *Adapter) Current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return nil
	}
	return a.sessions[len(a.sessions)-1]
}

// DialCount returns how many sessions have been opened.
func (a *Adapter) DialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
