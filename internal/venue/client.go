// client.go is the reference Adapter implementation: a gorilla/websocket
// stream (feed.go) plus a resty REST client for instrument listing and
// order-book snapshots.
//
//	GET /instruments          → ["BTC/USDC:PERP", ...]
//	GET /book?symbol=SYM      → {"bid": "50000", "bid_size": "1.5",
//	                             "ask": "50002", "ask_size": "0.8",
//	                             "ts": 1712345678901}
//
// Requests are retried on 5xx and bounded by the configured REST
// timeout. Responses are decoded as JSON even when a venue omits the
// Content-Type header.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"spreadmon/internal/config"
	"spreadmon/pkg/types"
)

// Client implements Adapter for one configured venue.
type Client struct {
	venue    types.VenueID
	wsURL    string
	http     *resty.Client
	timeouts config.TimeoutConfig
	logger   *slog.Logger
}

// NewClient builds the adapter from venue config.
func NewClient(vc config.VenueConfig, timeouts config.TimeoutConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(vc.RestURL).
		SetTimeout(timeouts.Rest()).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		venue:    types.VenueID(vc.ID),
		wsURL:    vc.WSURL,
		http:     httpClient,
		timeouts: timeouts,
		logger:   logger.With("component", "venue", "venue", vc.ID),
	}
}

// Venue returns the venue identity.
func (c *Client) Venue() types.VenueID { return c.venue }

// ListInstruments fetches the venue's native symbol list.
func (c *Client) ListInstruments(ctx context.Context) ([]string, error) {
	var symbols []string
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&symbols).
		ForceContentType("application/json").
		Get("/instruments")
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list instruments: status %d: %s", resp.StatusCode(), resp.String())
	}
	return symbols, nil
}

// OpenStream dials the venue feed.
func (c *Client) OpenStream(ctx context.Context) (Session, error) {
	return dialSession(ctx, c.venue, c.wsURL, c.timeouts.Handshake(), c.timeouts.Heartbeat(), c.logger)
}

type snapshotResponse struct {
	Bid     string `json:"bid"`
	BidSize string `json:"bid_size"`
	Ask     string `json:"ask"`
	AskSize string `json:"ask_size"`
	TS      int64  `json:"ts"`
}

// FetchSnapshot fetches one top-of-book snapshot for the polling path.
func (c *Client) FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	var result snapshotResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		ForceContentType("application/json").
		Get("/book")
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch snapshot %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Snapshot{}, fmt.Errorf("fetch snapshot %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	snap := Snapshot{
		Bid:       parseQuote(result.Bid, result.BidSize),
		Ask:       parseQuote(result.Ask, result.AskSize),
		EventTime: time.UnixMilli(result.TS),
	}
	if snap.Bid == nil && snap.Ask == nil {
		return Snapshot{}, fmt.Errorf("fetch snapshot %s: empty book", symbol)
	}
	return snap, nil
}
