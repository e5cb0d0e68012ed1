// Package poller turns arbitrage-candidate spreads into targeted REST
// snapshot polling against the anchor venue.
//
// Arming is immediate: the first arbitrage_candidate summary arms the
// instrument, so polled snapshots cover the spread from its first
// sighting. Disarming is hysteretic: the class must hold below
// arbitrage_candidate for the full dwell window before polling stops,
// which keeps a spread oscillating around the threshold armed through
// the dips. Polled entries land in their own book-store slot and never
// collide with the streamed view; disarming tombstones that slot so
// consumers do not keep reading a frozen snapshot.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"spreadmon/internal/book"
	"spreadmon/internal/bus"
	"spreadmon/internal/config"
	"spreadmon/internal/metrics"
	"spreadmon/internal/symbols"
	"spreadmon/internal/venue"
	"spreadmon/pkg/types"
)

// Assignment is the health view of one armed polling target.
type Assignment struct {
	ID            types.CanonicalID `json:"id"`
	Venue         types.VenueID     `json:"venue"`
	ArmedAt       time.Time         `json:"armed_at"`
	Failures      int               `json:"consecutive_failures"`
	TotalFailures int               `json:"total_failures"`
}

// classTrack follows one instrument's spread class over time.
type classTrack struct {
	class types.SpreadClass
	since time.Time
}

type assignment struct {
	id      types.CanonicalID
	native  string
	armedAt time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu            sync.Mutex
	failures      int
	totalFailures int
}

// Controller watches spread updates and drives the polling loops.
type Controller struct {
	adapter     venue.Adapter
	registry    *symbols.Registry
	store       *book.Store
	bus         *bus.Bus
	cfg         config.PollConfig
	dwell       time.Duration
	restTimeout time.Duration
	anchor      types.VenueID
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	tracks  map[types.CanonicalID]classTrack
	armed   map[types.CanonicalID]*assignment
	blocked map[types.CanonicalID]bool // budget-exhausted; cleared on class drop
	pollSeq map[types.CanonicalID]uint64

	done chan struct{}
}

// New wires the controller to the anchor venue's adapter.
func New(a venue.Adapter, reg *symbols.Registry, store *book.Store, b *bus.Bus,
	cfg config.PollConfig, dwell, restTimeout time.Duration,
	logger *slog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		adapter:     a,
		registry:    reg,
		store:       store,
		bus:         b,
		cfg:         cfg,
		dwell:       dwell,
		restTimeout: restTimeout,
		anchor:      a.Venue(),
		logger:      logger.With("component", "poller", "venue", a.Venue()),
		metrics:     m,
		tracks:      make(map[types.CanonicalID]classTrack),
		armed:       make(map[types.CanonicalID]*assignment),
		blocked:     make(map[types.CanonicalID]bool),
		pollSeq:     make(map[types.CanonicalID]uint64),
		done:        make(chan struct{}),
	}
}

// Start subscribes to spread updates and runs the arm/disarm loop until
// ctx is cancelled. All armed assignments are torn down on exit.
func (c *Controller) Start(ctx context.Context) {
	sub := c.bus.Subscribe(func(u types.Update) bool {
		return u.Kind == types.UpdateSpread
	})

	sweep := c.dwell / 2
	if sweep < 10*time.Millisecond {
		sweep = 10 * time.Millisecond
	}

	go func() {
		defer close(c.done)
		defer sub.Close()
		defer c.disarmAll()

		ticker := time.NewTicker(sweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-sub.Updates():
				if !ok {
					return
				}
				c.observe(ctx, u.Spread)
			case <-ticker.C:
				c.evaluate(ctx, time.Now())
			}
		}
	}()
}

// Wait blocks until the control loop has exited.
func (c *Controller) Wait() { <-c.done }

// Assignments returns the armed set, sorted by id.
func (c *Controller) Assignments() []Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Assignment, 0, len(c.armed))
	for _, a := range c.armed {
		a.mu.Lock()
		out = append(out, Assignment{
			ID:            a.id,
			Venue:         c.anchor,
			ArmedAt:       a.armedAt,
			Failures:      a.failures,
			TotalFailures: a.totalFailures,
		})
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// observe records the class transition and re-evaluates immediately, so
// arming never waits for a sweep tick.
func (c *Controller) observe(ctx context.Context, s *types.SpreadSummary) {
	now := s.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}

	c.mu.Lock()
	track, ok := c.tracks[s.ID]
	if !ok || track.class != s.Class {
		c.tracks[s.ID] = classTrack{class: s.Class, since: now}
		// A budget-exhausted id becomes armable again only after the
		// spread has dropped out of the candidate class once.
		if s.Class != types.SpreadArbCandidate {
			delete(c.blocked, s.ID)
		}
	}
	c.mu.Unlock()

	c.evaluate(ctx, time.Now())
}

// evaluate arms candidates right away and disarms assignments whose
// class has held below the candidate level for the full dwell window.
func (c *Controller) evaluate(ctx context.Context, now time.Time) {
	c.mu.Lock()
	var toArm, toDisarm []types.CanonicalID
	for id, track := range c.tracks {
		_, isArmed := c.armed[id]
		switch {
		case !isArmed && track.class == types.SpreadArbCandidate && !c.blocked[id]:
			toArm = append(toArm, id)
		case isArmed && track.class != types.SpreadArbCandidate && now.Sub(track.since) >= c.dwell:
			toDisarm = append(toDisarm, id)
		}
	}
	c.mu.Unlock()

	for _, id := range toArm {
		c.arm(ctx, id)
	}
	for _, id := range toDisarm {
		c.disarm(id, "spread subsided")
	}
}

func (c *Controller) arm(ctx context.Context, id types.CanonicalID) {
	native, err := c.registry.NativeOf(id, c.anchor)
	if err != nil {
		c.logger.Warn("cannot arm: id not listed on anchor", "id", id)
		return
	}

	c.mu.Lock()
	if _, ok := c.armed[id]; ok {
		c.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a := &assignment{
		id:      id,
		native:  native,
		armedAt: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.armed[id] = a
	c.mu.Unlock()

	c.metrics.ArmedGauge.Inc()
	c.logger.Info("polling armed", "id", id, "symbol", native)
	go c.poll(pollCtx, a)
}

func (c *Controller) disarm(id types.CanonicalID, reason string) {
	c.mu.Lock()
	a, ok := c.armed[id]
	if ok {
		delete(c.armed, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	a.cancel()
	<-a.done
	c.metrics.ArmedGauge.Dec()

	// The polled slot is only meaningful while polling runs.
	c.store.Expire(c.anchor, id, types.SourcePolled)
	c.logger.Info("polling disarmed", "id", id, "reason", reason)
}

func (c *Controller) disarmAll() {
	c.mu.Lock()
	ids := make([]types.CanonicalID, 0, len(c.armed))
	for id := range c.armed {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.disarm(id, "shutdown")
	}
}

// poll is one assignment's fetch loop. Consecutive failures past the
// window stretch the interval to the backoff value; total failures past
// the retry budget disarm the assignment and report the anchor
// degraded.
func (c *Controller) poll(ctx context.Context, a *assignment) {
	defer close(a.done)

	interval := c.cfg.Interval()
	timer := time.NewTimer(0) // first fetch immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.restTimeout)
		snap, err := c.adapter.FetchSnapshot(fetchCtx, a.native)
		cancel()

		if err == nil && crossed(snap) {
			c.logger.Warn("crossed snapshot rejected", "id", a.id,
				"bid", snap.Bid.Price, "ask", snap.Ask.Price)
			err = errCrossedSnapshot
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.PollFailure.WithLabelValues(string(c.anchor)).Inc()
			a.mu.Lock()
			a.failures++
			a.totalFailures++
			failures, total := a.failures, a.totalFailures
			a.mu.Unlock()

			c.logger.Warn("snapshot fetch failed", "id", a.id,
				"error", err, "consecutive", failures, "total", total)

			if total >= c.cfg.RetryBudget {
				c.mu.Lock()
				c.blocked[a.id] = true
				c.mu.Unlock()
				c.bus.Publish(types.NewSessionUpdate(c.anchor,
					types.SessionLive, types.SessionDegraded, "poll retry budget exhausted"))
				go c.disarm(a.id, "retry budget exhausted")
				return
			}
			if failures >= c.cfg.MaxFailuresWindow {
				interval = c.cfg.Backoff()
			}
		} else {
			c.metrics.PollSuccess.WithLabelValues(string(c.anchor)).Inc()
			a.mu.Lock()
			a.failures = 0
			a.totalFailures = 0 // the budget bounds one failure episode
			a.mu.Unlock()
			interval = c.cfg.Interval()
			c.apply(a.id, snap)
		}

		timer.Reset(interval)
	}
}

// apply writes the snapshot into the polled slot.
func (c *Controller) apply(id types.CanonicalID, snap venue.Snapshot) {
	c.mu.Lock()
	c.pollSeq[id]++
	seq := c.pollSeq[id]
	c.mu.Unlock()

	c.store.Apply(types.BookEntry{
		Venue:     c.anchor,
		ID:        id,
		Bid:       snap.Bid,
		Ask:       snap.Ask,
		EventTime: snap.EventTime,
		Source:    types.SourcePolled,
		Seq:       seq,
	})
}

func crossed(snap venue.Snapshot) bool {
	return snap.Bid != nil && snap.Ask != nil && snap.Bid.Price.GreaterThan(snap.Ask.Price)
}

type pollError string

func (e pollError) Error() string { return string(e) }

const errCrossedSnapshot = pollError("crossed snapshot")
