package feed

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DivergenceTolerance is the maximum relative disagreement between primary and
// secondary feeds before the circuit breaker trips.
const DivergenceTolerance = 0.03

var (
	ErrPrimaryUnavailable   = errors.New("feed: primary price unavailable")
	ErrSecondaryUnavailable = errors.New("feed: secondary price unavailable")
	ErrCircuitBreaker       = errors.New("feed: circuit breaker tripped")
	ErrNoInitPrice          = errors.New("feed: constant feed has no positive price")
	ErrBadFeedSpec          = errors.New("feed: malformed feed spec")
)

// Price feed providers.
const (
	ProviderConstant  = "constant"
	ProviderChainlink = "chainlink"
	ProviderUniswapV3 = "uniswapv3"
	ProviderStream    = "stream"
)

type entry struct {
	price   float64
	updated time.Time
}

// Registry stores the latest price per feed key and runs the dual-feed
// circuit breaker. Keys are lowercase "provider:id" strings. Feeds are never
// removed once registered; growth is bounded by static config.
type Registry struct {
	mu      sync.RWMutex
	prices  map[string]entry
	nowFunc func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		prices:  make(map[string]entry),
		nowFunc: time.Now,
	}
}

// ParseSpec splits a "provider:id" feed spec. The provider must be one of the
// known variants; the id is provider-specific (a contract address, a stream
// market key, or a literal price for constant feeds).
func ParseSpec(spec string) (provider, id string, err error) {
	spec = strings.ToLower(spec)
	provider, id, ok := strings.Cut(spec, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadFeedSpec, spec)
	}
	switch provider {
	case ProviderConstant, ProviderChainlink, ProviderUniswapV3, ProviderStream:
		return provider, id, nil
	}
	return "", "", fmt.Errorf("%w: unknown provider in %q", ErrBadFeedSpec, spec)
}

// Register records a feed key. Constant feeds resolve immediately to their
// literal value and never update; all other providers populate the registry
// asynchronously through their adapters.
func (r *Registry) Register(spec string) error {
	provider, id, err := ParseSpec(spec)
	if err != nil {
		return err
	}
	if provider != ProviderConstant {
		return nil
	}
	price, err := strconv.ParseFloat(id, 64)
	if err != nil {
		return fmt.Errorf("%w: constant price %q", ErrBadFeedSpec, id)
	}
	if price <= 0 {
		// Left absent so Validate reports ErrNoInitPrice.
		return nil
	}
	r.Set(strings.ToLower(spec), price)
	return nil
}

// Set records the latest price for a feed key.
func (r *Registry) Set(key string, price float64) {
	r.mu.Lock()
	r.prices[key] = entry{price: price, updated: r.nowFunc()}
	r.mu.Unlock()
}

// Latest returns the most recent price for a feed key.
func (r *Registry) Latest(key string) (float64, bool) {
	r.mu.RLock()
	e, ok := r.prices[key]
	r.mu.RUnlock()
	return e.price, ok
}

// Validate returns the trusted mid price for a market given its feed keys.
// With no secondary, the primary is trusted as-is. With a secondary, both must
// be present and agree within DivergenceTolerance; divergence beyond that
// trips the breaker and halts quoting for the market until feeds realign.
func (r *Registry) Validate(primary, secondary string) (float64, error) {
	if primary == "" {
		return 0, ErrPrimaryUnavailable
	}
	p, ok := r.Latest(primary)
	if !ok {
		if strings.HasPrefix(primary, ProviderConstant+":") {
			return 0, ErrNoInitPrice
		}
		return 0, ErrPrimaryUnavailable
	}
	if p <= 0 {
		return 0, ErrPrimaryUnavailable
	}

	if secondary == "" {
		return p, nil
	}
	s, ok := r.Latest(secondary)
	if !ok {
		return 0, ErrSecondaryUnavailable
	}
	if math.Abs(p-s)/p > DivergenceTolerance {
		return 0, fmt.Errorf("%w: primary=%g secondary=%g", ErrCircuitBreaker, p, s)
	}
	return p, nil
}
