package market

import (
	"sort"
	"sync"

	"github.com/tidemark-hq/tidemark/internal/config"
	"github.com/tidemark-hq/tidemark/internal/venue"
)

// Store owns per-market runtime state: the static config, the venue's pushed
// metadata, and the transient perturbations applied after fills. All reads go
// through View so callers always see the effective parameters.
type Store struct {
	mu        sync.RWMutex
	cfgs      map[string]config.Market
	meta      map[string]venue.MarketMeta
	aliases   map[string]string // alias -> market id
	overrides map[string]*override
}

// override holds the transient post-fill mutations. Deltas are additive so
// overlapping bumps compose and revert cleanly.
type override struct {
	inactive    bool
	spreadDelta float64
	sizeDelta   float64
}

// View is the effective state of one market at a point in time.
type View struct {
	ID  string
	Cfg config.Market

	Active    bool
	QuotesBid bool // maker willing to buy base (taker sells)
	QuotesAsk bool // maker willing to sell base (taker buys)

	Meta    venue.MarketMeta
	HasMeta bool
}

// NewStore builds a store over the configured markets.
func NewStore(markets map[string]config.Market) *Store {
	s := &Store{
		cfgs:      make(map[string]config.Market, len(markets)),
		meta:      make(map[string]venue.MarketMeta),
		aliases:   make(map[string]string),
		overrides: make(map[string]*override),
	}
	for id, m := range markets {
		s.cfgs[id] = m
		s.overrides[id] = &override{}
	}
	return s
}

// IDs returns all configured market ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cfgs))
	for id := range s.cfgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve maps a market id or venue alias to the configured market id.
func (s *Store) Resolve(idOrAlias string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.cfgs[idOrAlias]; ok {
		return idOrAlias, true
	}
	if id, ok := s.aliases[idOrAlias]; ok {
		return id, true
	}
	return "", false
}

// View returns the effective state for a market id or alias.
func (s *Store) View(idOrAlias string) (View, bool) {
	id, ok := s.Resolve(idOrAlias)
	if !ok {
		return View{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.cfgs[id]
	ov := s.overrides[id]

	cfg.MinSpread += ov.spreadDelta
	cfg.MaxSize += ov.sizeDelta
	if cfg.MaxSize < 0 {
		cfg.MaxSize = 0
	}

	v := View{
		ID:        id,
		Cfg:       cfg,
		Active:    cfg.Active && !ov.inactive,
		QuotesBid: cfg.Side == "buy" || cfg.Side == "both",
		QuotesAsk: cfg.Side == "sell" || cfg.Side == "both",
	}
	if m, ok := s.meta[id]; ok {
		v.Meta = m
		v.HasMeta = true
	}
	return v, true
}

// SetMeta records a venue metadata push. Last write wins. Metadata for markets
// we do not quote is kept too: the venue may identify a pair by alias only.
func (s *Store) SetMeta(m venue.MarketMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := m.ID
	if _, ok := s.cfgs[id]; !ok {
		if mapped, ok := s.aliases[m.Alias]; ok {
			id = mapped
		} else if _, ok := s.cfgs[m.Alias]; ok {
			id = m.Alias
		}
	}
	s.meta[id] = m
	if m.Alias != "" && m.Alias != id {
		s.aliases[m.Alias] = id
	}
}

// SetInactive toggles the transient deactivation flag (post-fill cooldown).
func (s *Store) SetInactive(id string, inactive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ov, ok := s.overrides[id]; ok {
		ov.inactive = inactive
	}
}

// AddSpreadDelta adjusts the effective min spread. Revert by adding -delta.
func (s *Store) AddSpreadDelta(id string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ov, ok := s.overrides[id]; ok {
		ov.spreadDelta += delta
	}
}

// AddSizeDelta adjusts the effective max size. Revert by adding -delta.
func (s *Store) AddSizeDelta(id string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ov, ok := s.overrides[id]; ok {
		ov.sizeDelta += delta
	}
}
