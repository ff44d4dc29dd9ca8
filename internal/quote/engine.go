package quote

import (
	"errors"
	"fmt"
	"math"

	"github.com/tidemark-hq/tidemark/internal/config"
	"github.com/tidemark-hq/tidemark/internal/feed"
	"github.com/tidemark-hq/tidemark/internal/market"
	"github.com/tidemark-hq/tidemark/internal/venue"
)

var (
	ErrUnknownMarket = errors.New("quote: unknown market")
	ErrBadSide       = errors.New("quote: invalid side")
	ErrBadQuantity   = errors.New("quote: quantity must be positive")
	ErrInadequateFee = errors.New("quote: fee exceeds trade value")
	ErrNoPrice       = errors.New("quote: price computation yielded no number")
)

// PriceSigFigs is the significant-digit precision of quoted prices.
const PriceSigFigs = 6

// Quote is the maker's answer for one (market, side, size) request.
type Quote struct {
	Price    float64
	BaseQty  float64
	QuoteQty float64
}

// Engine computes quotes from the current feed registry and market state. It
// holds no state of its own; a quote is a pure function of its inputs.
type Engine struct {
	registry *feed.Registry
	markets  *market.Store
}

// NewEngine builds a quote engine over the given registry and market store.
func NewEngine(registry *feed.Registry, markets *market.Store) *Engine {
	return &Engine{registry: registry, markets: markets}
}

// Spread returns the effective fractional spread for a clip of baseQty:
// the configured minimum plus linear size-dependent slippage. Larger clips
// get worse prices, discouraging large one-shot fills.
func Spread(cfg config.Market, baseQty float64) float64 {
	return cfg.MinSpread + baseQty*cfg.SlippageRate
}

// Mid returns the validated mid price for a market view, applying the
// inversion flag. Feed errors propagate unchanged.
func (e *Engine) Mid(v market.View) (float64, error) {
	mid, err := e.registry.Validate(v.Cfg.PriceFeedPrimary, v.Cfg.PriceFeedSecondary)
	if err != nil {
		return 0, err
	}
	if v.Cfg.Invert {
		mid = 1 / mid
	}
	return mid, nil
}

// Quote prices a fill of baseQty base units for the given taker side.
// takerSide "b" means the taker buys base (the maker sells); "s" means the
// taker sells base (the maker buys). The quote quantity absorbs the venue's
// per-market flat fee asymmetrically so a fee-inclusive trade can never be
// quoted at a loss.
func (e *Engine) Quote(marketID, takerSide string, baseQty float64) (Quote, error) {
	if baseQty <= 0 {
		return Quote{}, fmt.Errorf("%w: %g", ErrBadQuantity, baseQty)
	}
	v, ok := e.markets.View(marketID)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	switch takerSide {
	case venue.SideBuy, venue.SideSell:
	default:
		return Quote{}, fmt.Errorf("%w: %q", ErrBadSide, takerSide)
	}

	mid, err := e.Mid(v)
	if err != nil {
		return Quote{}, err
	}

	spread := Spread(v.Cfg, baseQty)

	var quoteQty float64
	if takerSide == venue.SideBuy {
		quoteQty = baseQty*mid*(1+spread) + v.Meta.QuoteFee
	} else {
		quoteQty = (baseQty - v.Meta.BaseFee) * mid * (1 - spread)
	}

	price := RoundSigFig(quoteQty/baseQty, PriceSigFigs)
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return Quote{}, ErrNoPrice
	}
	if price < 0 {
		return Quote{}, ErrInadequateFee
	}
	return Quote{Price: price, BaseQty: baseQty, QuoteQty: quoteQty}, nil
}

// RoundSigFig rounds x to n significant digits.
func RoundSigFig(x float64, n int) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	digits := math.Ceil(math.Log10(math.Abs(x)))
	power := float64(n) - digits
	mag := math.Pow(10, power)
	return math.Round(x*mag) / mag
}
