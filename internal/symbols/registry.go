// Package symbols maps between canonical instrument ids and each
// venue's native symbol vocabulary.
//
// Venue-local naming rules are data, not code paths: a venue declares a
// symbol style (colon pair or underscore triple) plus optional quote
// overrides, and the registry derives every mapping for the configured
// universe at build time. Quote-currency equivalence (e.g. USDT→USDC)
// is likewise a configured table.
//
// The registry is immutable after Build; queries never block and never
// fail due to network state, only ErrNotFound / ErrNotListed.
package symbols

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"spreadmon/internal/config"
	"spreadmon/pkg/types"
)

var (
	// ErrNotFound means a (venue, native symbol) pair has no canonical id.
	ErrNotFound = errors.New("symbol not found")
	// ErrNotListed means the canonical id is not listed on the venue.
	ErrNotListed = errors.New("instrument not listed on venue")
	// ErrCanonicalConflict means a registration collides with an existing
	// inconsistent mapping.
	ErrCanonicalConflict = errors.New("canonical mapping conflict")
)

// Rule is one venue's symbol derivation table.
type Rule struct {
	Venue          types.VenueID
	Style          config.SymbolStyle
	QuoteOverrides map[string]string // canonical quote → native quote
}

type nativeKey struct {
	venue  types.VenueID
	symbol string
}

// Registry holds the bidirectional symbol maps. Built once at startup
// from the configured universe and venue rules; read-only afterwards.
type Registry struct {
	toCanonical map[nativeKey]types.CanonicalID
	toNative    map[types.CanonicalID]map[types.VenueID]string
}

// Build derives the full mapping set: for every canonical id in the
// universe and every venue rule, it computes the venue-native symbol and
// registers both directions. quoteEquiv maps native quote currencies to
// canonical ones (e.g. {"USDT": "USDC"}).
func Build(rules []Rule, universe []types.CanonicalID, quoteEquiv map[string]string) (*Registry, error) {
	r := &Registry{
		toCanonical: make(map[nativeKey]types.CanonicalID),
		toNative:    make(map[types.CanonicalID]map[types.VenueID]string),
	}

	for _, id := range universe {
		if !id.Valid() {
			return nil, fmt.Errorf("universe: malformed canonical id %q", id)
		}
		for _, rule := range rules {
			native, err := NativeSymbol(id, rule.Style, rule.QuoteOverrides)
			if err != nil {
				return nil, fmt.Errorf("venue %s: %w", rule.Venue, err)
			}
			// Guard the round trip: the native form must parse back to the
			// same canonical id under the equivalence table.
			back, err := ParseNative(native, rule.Style, quoteEquiv)
			if err != nil || back != id {
				return nil, fmt.Errorf("venue %s: %q does not round-trip to %q (got %q)",
					rule.Venue, native, id, back)
			}
			if err := r.Register(rule.Venue, native, id); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Register records one (venue, native symbol) ↔ canonical mapping.
// Idempotent for identical entries; an inconsistent collision fails with
// ErrCanonicalConflict. Called during Build only; the registry is
// immutable once handed to other components.
func (r *Registry) Register(venue types.VenueID, native string, id types.CanonicalID) error {
	key := nativeKey{venue: venue, symbol: native}
	if existing, ok := r.toCanonical[key]; ok {
		if existing == id {
			return nil
		}
		return fmt.Errorf("%w: %s/%s already maps to %s, not %s",
			ErrCanonicalConflict, venue, native, existing, id)
	}
	if byVenue, ok := r.toNative[id]; ok {
		if existing, ok := byVenue[venue]; ok && existing != native {
			return fmt.Errorf("%w: %s on %s already listed as %s, not %s",
				ErrCanonicalConflict, id, venue, existing, native)
		}
	}

	r.toCanonical[key] = id
	if r.toNative[id] == nil {
		r.toNative[id] = make(map[types.VenueID]string)
	}
	r.toNative[id][venue] = native
	return nil
}

// CanonicalOf resolves a venue-native symbol to its canonical id.
func (r *Registry) CanonicalOf(venue types.VenueID, native string) (types.CanonicalID, error) {
	id, ok := r.toCanonical[nativeKey{venue: venue, symbol: native}]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, venue, native)
	}
	return id, nil
}

// NativeOf resolves a canonical id to the venue's native symbol.
func (r *Registry) NativeOf(id types.CanonicalID, venue types.VenueID) (string, error) {
	byVenue, ok := r.toNative[id]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrNotListed, id, venue)
	}
	native, ok := byVenue[venue]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrNotListed, id, venue)
	}
	return native, nil
}

// VenuesFor returns the venues listing the canonical id, sorted.
func (r *Registry) VenuesFor(id types.CanonicalID) []types.VenueID {
	byVenue, ok := r.toNative[id]
	if !ok {
		return nil
	}
	venues := make([]types.VenueID, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })
	return venues
}

// NativeSymbol renders a canonical id in the venue's native style,
// applying the venue's quote overrides (canonical → native quote).
func NativeSymbol(id types.CanonicalID, style config.SymbolStyle, overrides map[string]string) (string, error) {
	base, quote, kind, err := id.Parts()
	if err != nil {
		return "", err
	}
	if native, ok := overrides[quote]; ok {
		quote = native
	}
	switch style {
	case config.StyleColonPair:
		return base + "/" + quote + ":" + string(kind), nil
	case config.StyleUnderscoreTriple:
		return base + "_" + quote + "_" + string(kind), nil
	default:
		return "", fmt.Errorf("unknown symbol style %q", style)
	}
}

// ParseNative parses a venue-native symbol back to a canonical id,
// mapping the native quote currency through the equivalence table.
func ParseNative(native string, style config.SymbolStyle, quoteEquiv map[string]string) (types.CanonicalID, error) {
	var base, quote, kind string
	switch style {
	case config.StyleColonPair:
		pair, k, ok := strings.Cut(native, ":")
		if !ok {
			return "", fmt.Errorf("%w: %q is not BASE/QUOTE:KIND", ErrNotFound, native)
		}
		b, q, ok := strings.Cut(pair, "/")
		if !ok {
			return "", fmt.Errorf("%w: %q is not BASE/QUOTE:KIND", ErrNotFound, native)
		}
		base, quote, kind = b, q, k
	case config.StyleUnderscoreTriple:
		segs := strings.Split(native, "_")
		if len(segs) != 3 {
			return "", fmt.Errorf("%w: %q is not BASE_QUOTE_KIND", ErrNotFound, native)
		}
		base, quote, kind = segs[0], segs[1], segs[2]
	default:
		return "", fmt.Errorf("unknown symbol style %q", style)
	}
	if base == "" || quote == "" || kind == "" {
		return "", fmt.Errorf("%w: %q has empty segments", ErrNotFound, native)
	}
	if canonical, ok := quoteEquiv[quote]; ok {
		quote = canonical
	}
	return types.MakeCanonicalID(base, quote, types.Kind(kind)), nil
}

// RulesFromConfig assembles the per-venue derivation tables from config.
func RulesFromConfig(cfg *config.Config) []Rule {
	rules := make([]Rule, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		rules = append(rules, Rule{
			Venue:          types.VenueID(vc.ID),
			Style:          vc.SymbolStyle,
			QuoteOverrides: vc.QuoteOverrides,
		})
	}
	return rules
}
