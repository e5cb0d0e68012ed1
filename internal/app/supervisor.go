// Package app assembles and supervises the monitor's components.
//
// Boot order is dependency order: registry and store first, then the
// bus consumers (spread engine, poller, push hub), then the venue
// multiplexers that start producing, with the HTTP front last. Shutdown
// runs the same order in reverse, so producers stop before the surfaces
// their consumers expose.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"spreadmon/internal/api"
	"spreadmon/internal/book"
	"spreadmon/internal/bus"
	"spreadmon/internal/config"
	"spreadmon/internal/metrics"
	"spreadmon/internal/mux"
	"spreadmon/internal/poller"
	"spreadmon/internal/spread"
	"spreadmon/internal/symbols"
	"spreadmon/internal/venue"
	"spreadmon/pkg/types"
)

// Health is the JSON snapshot served on /healthz.
type Health struct {
	Status        string                                    `json:"status"`
	UptimeSeconds float64                                   `json:"uptime_seconds"`
	Venues        []mux.Status                              `json:"venues"`
	Spreads       map[types.CanonicalID]types.SpreadSummary `json:"spreads"`
	Polling       []poller.Assignment                       `json:"polling"`
	Books         []BookStatus                              `json:"books"`
	Stats         Stats                                     `json:"stats"`
	PushClients   int                                       `json:"push_clients"`
	Subscribers   int                                       `json:"subscribers"`
	Freshness     FreshnessTiers                            `json:"freshness"`
}

// BookStatus is one book slot with its age and freshness tier.
type BookStatus struct {
	Venue       types.VenueID     `json:"venue"`
	ID          types.CanonicalID `json:"id"`
	Source      types.Source      `json:"source"`
	Seq         uint64            `json:"seq"`
	FreshnessMS int64             `json:"freshness_ms"`
	Tier        string            `json:"tier"`
}

// Stats carries the running totals the health consumers display.
type Stats struct {
	EventsIngested float64           `json:"events_ingested"`
	PollSuccess    float64           `json:"poll_success"`
	PollFailure    float64           `json:"poll_failure"`
	MaxSpreadPct   string            `json:"max_spread_pct"`
	MaxSpreadID    types.CanonicalID `json:"max_spread_id,omitempty"`
	MaxSpreadAt    time.Time         `json:"max_spread_at,omitzero"`
}

// FreshnessTiers republishes the configured UI tier thresholds so
// consumers can color entry ages without hardcoding them.
type FreshnessTiers struct {
	GreenMS int64 `json:"green_ms"`
	AmberMS int64 `json:"amber_ms"`
}

// Supervisor owns the component graph.
type Supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *symbols.Registry
	bus      *bus.Bus
	store    *book.Store
	muxes    map[types.VenueID]*mux.Multiplexer
	spread   *spread.Engine
	poller   *poller.Controller
	hub      *api.Hub
	server   *api.Server

	startedAt    time.Time
	cancelSpread context.CancelFunc
	cancelPoll   context.CancelFunc
}

// New builds every component from config. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	m := metrics.New()

	registry, err := symbols.Build(symbols.RulesFromConfig(cfg), cfg.UniverseIDs(), cfg.QuoteEquivalence)
	if err != nil {
		return nil, fmt.Errorf("build symbol registry: %w", err)
	}

	b := bus.New(cfg.Fanout.ChannelCapacity, logger, m)
	store := book.NewStore(b, logger, m)

	var anchorAdapter venue.Adapter
	muxes := make(map[types.VenueID]*mux.Multiplexer, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		adapter := venue.NewClient(vc, cfg.Timeouts, logger)
		muxes[adapter.Venue()] = mux.New(adapter, registry, store, b, mux.Options{
			Reconnect: cfg.Reconnect,
			Grace:     cfg.Grace(),
			OpTimeout: cfg.Timeouts.Rest(),
			OnEscalate: func(v types.VenueID, err error) {
				logger.Error("venue handshake failures exceeded attempt cap",
					"venue", v, "error", err)
			},
		}, logger, m)
		if vc.Anchor {
			anchorAdapter = adapter
		}
	}

	engine, err := spread.New(store, b, cfg.Spread, cfg.StaleAfter(), cfg.Anchor(), logger)
	if err != nil {
		return nil, fmt.Errorf("build spread engine: %w", err)
	}

	ctrl := poller.New(anchorAdapter, registry, store, b,
		cfg.Poll, cfg.Spread.ArbDwell(), cfg.Timeouts.Rest(), logger, m)

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "supervisor"),
		metrics:  m,
		registry: registry,
		bus:      b,
		store:    store,
		muxes:    muxes,
		spread:   engine,
		poller:   ctrl,
	}

	if cfg.API.Enabled {
		s.hub = api.NewHub(b, s.spreadSnapshot, logger)
		s.server = api.NewServer(cfg.API.Port, s.healthAny, m, s.hub, logger)
	}
	return s, nil
}

// Start boots the component graph: consumers first, producers second.
func (s *Supervisor) Start(ctx context.Context) {
	s.startedAt = time.Now()

	spreadCtx, cancelSpread := context.WithCancel(context.Background())
	s.cancelSpread = cancelSpread
	s.spread.Start(spreadCtx)

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	s.cancelPoll = cancelPoll
	s.poller.Start(pollCtx)

	universe := s.cfg.UniverseIDs()
	channels := []types.Channel{types.ChannelBook, types.ChannelTrade}
	for _, m := range s.muxes {
		m.SetDesired(universe, channels)
		m.Start(ctx)
	}

	if s.server != nil {
		s.server.Start()
	}
	s.logger.Info("monitor started",
		"venues", len(s.muxes), "universe", len(universe), "anchor", s.cfg.Anchor())
}

// Stop tears the graph down in reverse boot order.
func (s *Supervisor) Stop(ctx context.Context) {
	s.logger.Info("shutting down")

	// Poller first so disarm tombstones still flow, then the feeds, then
	// the spread engine once nothing writes the store.
	s.cancelPoll()
	s.poller.Wait()
	for _, m := range s.muxes {
		m.Stop()
	}
	s.cancelSpread()
	s.spread.Wait()

	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Warn("api shutdown", "error", err)
		}
	}
	s.bus.Close()
	s.logger.Info("shutdown complete")
}

// Health assembles the live health snapshot.
func (s *Supervisor) Health() Health {
	venues := make([]mux.Status, 0, len(s.muxes))
	degraded := false
	for _, m := range s.muxes {
		st := m.Status()
		if st.State != types.SessionLive {
			degraded = true
		}
		venues = append(venues, st)
	}
	sortStatuses(venues)

	status := "ok"
	if degraded {
		status = "degraded"
	}

	maxID, maxPct, maxAt := s.spread.MaxObserved()
	pollOK, pollFail := s.metrics.PollTotals()

	h := Health{
		Status:        status,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Venues:        venues,
		Spreads:       s.spread.Snapshot(),
		Polling:       s.poller.Assignments(),
		Books:         s.bookStatuses(),
		Subscribers:   s.bus.SubscriberCount(),
		Stats: Stats{
			EventsIngested: s.metrics.IngestTotal(),
			PollSuccess:    pollOK,
			PollFailure:    pollFail,
			MaxSpreadPct:   maxPct.String(),
			MaxSpreadID:    maxID,
			MaxSpreadAt:    maxAt,
		},
		Freshness: FreshnessTiers{
			GreenMS: s.cfg.Freshness.GreenMS,
			AmberMS: s.cfg.Freshness.AmberMS,
		},
	}
	if s.hub != nil {
		h.PushClients = s.hub.ClientCount()
	}
	return h
}

// bookStatuses tiers every live slot by ingest age.
func (s *Supervisor) bookStatuses() []BookStatus {
	now := time.Now()
	entries := s.store.SnapshotAll()
	out := make([]BookStatus, 0, len(entries))
	for _, e := range entries {
		age := e.FreshnessAt(now)
		tier := "red"
		switch {
		case age <= s.cfg.Freshness.Green():
			tier = "green"
		case age <= s.cfg.Freshness.Amber():
			tier = "amber"
		}
		out = append(out, BookStatus{
			Venue:       e.Venue,
			ID:          e.ID,
			Source:      e.Source,
			Seq:         e.Seq,
			FreshnessMS: age.Milliseconds(),
			Tier:        tier,
		})
	}
	return out
}

func (s *Supervisor) healthAny() any { return s.Health() }

func (s *Supervisor) spreadSnapshot() []types.SpreadSummary {
	snap := s.spread.Snapshot()
	out := make([]types.SpreadSummary, 0, len(snap))
	for _, summary := range snap {
		out = append(out, summary)
	}
	sortSummaries(out)
	return out
}

func sortStatuses(in []mux.Status) {
	sort.Slice(in, func(i, j int) bool { return in[i].Venue < in[j].Venue })
}

func sortSummaries(in []types.SpreadSummary) {
	sort.Slice(in, func(i, j int) bool { return in[i].ID < in[j].ID })
}
