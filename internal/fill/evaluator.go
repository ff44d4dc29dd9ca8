package fill

import (
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/tidemark-hq/tidemark/internal/feed"
	"github.com/tidemark-hq/tidemark/internal/market"
	"github.com/tidemark-hq/tidemark/internal/quote"
	"github.com/tidemark-hq/tidemark/internal/venue"
	"github.com/tidemark-hq/tidemark/internal/wallet"
)

// Kind is the terminal class of an order evaluation.
type Kind int

const (
	// Fillable: dispatch to a wallet now.
	Fillable Kind = iota
	// Retryable: hold and re-evaluate until expiry.
	Retryable
	// Rejected: drop immediately.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Fillable:
		return "fillable"
	case Retryable:
		return "retryable"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Closed enumeration of classification reasons.
const (
	ReasonBadChain       = "badchain"
	ReasonBadMarket      = "badmarket"
	ReasonInactiveMarket = "inactivemarket"
	ReasonExpired        = "expired"
	ReasonBadSide        = "badside"
	ReasonBadSize        = "badsize"
	ReasonBadPrice       = "badprice"
	ReasonBadBalance     = "badbalance"
	ReasonSendingAlready = "sendingorderalready"
	ReasonNoMarketInfo   = "nomarketinfo"

	ReasonInadequateFee        = "inadequatefee"
	ReasonNoPrice              = "noprice"
	ReasonPrimaryUnavailable   = "primaryunavailable"
	ReasonSecondaryUnavailable = "secondaryunavailable"
	ReasonCircuitBreaker       = "circuitbreaker"
	ReasonNoInitPrice          = "noinitprice"
	ReasonQuoteError           = "quoteerror"
)

// Result is the outcome of classifying one incoming order.
type Result struct {
	Kind   Kind
	Reason string

	// Populated only when Kind == Fillable.
	Quote    quote.Quote
	Eligible []string // wallet ids, deterministic order
}

func rejected(reason string) Result  { return Result{Kind: Rejected, Reason: reason} }
func retryable(reason string) Result { return Result{Kind: Retryable, Reason: reason} }

// Evaluator classifies incoming taker orders. Classification is pure: given
// identical registry, market and wallet state, the same order always yields
// the same result, so held orders can be re-classified safely on a timer.
type Evaluator struct {
	chainID uint64
	markets *market.Store
	quotes  *quote.Engine
	pool    *wallet.Pool
	nowFunc func() time.Time
}

// NewEvaluator builds an evaluator bound to the given chain id.
func NewEvaluator(chainID uint64, markets *market.Store, quotes *quote.Engine, pool *wallet.Pool) *Evaluator {
	return &Evaluator{
		chainID: chainID,
		markets: markets,
		quotes:  quotes,
		pool:    pool,
		nowFunc: time.Now,
	}
}

// Classify runs the fillability sequence, short-circuiting on the first
// failing check.
func (e *Evaluator) Classify(order venue.OrderTuple) Result {
	if order.ChainID != e.chainID {
		return rejected(ReasonBadChain)
	}

	v, ok := e.markets.View(order.MarketID)
	if !ok {
		return rejected(ReasonBadMarket)
	}
	if !v.Active {
		return rejected(ReasonInactiveMarket)
	}
	if e.nowFunc().Unix() > order.Expiry {
		return rejected(ReasonExpired)
	}

	// Side restriction: a taker buy needs the maker to quote asks, a taker
	// sell needs bids.
	switch order.Side {
	case venue.SideBuy:
		if !v.QuotesAsk {
			return rejected(ReasonBadSide)
		}
	case venue.SideSell:
		if !v.QuotesBid {
			return rejected(ReasonBadSide)
		}
	default:
		return rejected(ReasonBadSide)
	}

	if order.BaseQty < v.Cfg.MinSize || order.BaseQty > v.Cfg.MaxSize {
		return rejected(ReasonBadSize)
	}

	q, err := e.quotes.Quote(v.ID, order.Side, order.BaseQty)
	if err != nil {
		return rejected(reasonForQuoteError(err))
	}

	// Limit-price check. A taker sell is fillable only at or below our bid;
	// a taker buy only at or above our ask. A bad price may become favorable
	// again before expiry, so it is held, not dropped.
	switch order.Side {
	case venue.SideSell:
		if order.Price > q.Price {
			return retryable(ReasonBadPrice)
		}
	case venue.SideBuy:
		if order.Price < q.Price {
			return retryable(ReasonBadPrice)
		}
	}

	if !v.HasMeta {
		// Cannot size the sell leg without asset decimals; the venue pushes
		// marketinfo shortly after subscription.
		return retryable(ReasonNoMarketInfo)
	}

	sellSymbol, required := e.sellLeg(v, order, q)
	eligible, busyOnly := e.pool.Eligible(sellSymbol, required)
	if len(eligible) == 0 {
		if busyOnly {
			return retryable(ReasonSendingAlready)
		}
		return rejected(ReasonBadBalance)
	}

	return Result{Kind: Fillable, Quote: q, Eligible: eligible}
}

// sellLeg returns the asset the maker must sell for this order and the
// required amount in minor units. For a taker buy the maker sells base; for a
// taker sell the maker sells quote.
func (e *Evaluator) sellLeg(v market.View, order venue.OrderTuple, q quote.Quote) (string, *big.Int) {
	if order.Side == venue.SideBuy {
		return v.Meta.BaseAsset.Symbol, ToMinor(order.BaseQty, v.Meta.BaseAsset.Decimals)
	}
	return v.Meta.QuoteAsset.Symbol, ToMinor(q.QuoteQty, v.Meta.QuoteAsset.Decimals)
}

// ToMinor converts a major-unit amount to integer minor units, truncating.
func ToMinor(x float64, decimals int) *big.Int {
	if x <= 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return new(big.Int)
	}
	f := new(big.Float).SetFloat64(x)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Mul(f, scale)
	out, _ := f.Int(nil)
	return out
}

// FromMinor converts integer minor units back to a major-unit amount.
func FromMinor(x *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(x)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, scale)
	out, _ := f.Float64()
	return out
}

func reasonForQuoteError(err error) string {
	switch {
	case errors.Is(err, quote.ErrInadequateFee):
		return ReasonInadequateFee
	case errors.Is(err, quote.ErrNoPrice):
		return ReasonNoPrice
	case errors.Is(err, quote.ErrUnknownMarket):
		return ReasonBadMarket
	case errors.Is(err, quote.ErrBadSide):
		return ReasonBadSide
	case errors.Is(err, quote.ErrBadQuantity):
		return ReasonBadSize
	case errors.Is(err, feed.ErrPrimaryUnavailable):
		return ReasonPrimaryUnavailable
	case errors.Is(err, feed.ErrSecondaryUnavailable):
		return ReasonSecondaryUnavailable
	case errors.Is(err, feed.ErrCircuitBreaker):
		return ReasonCircuitBreaker
	case errors.Is(err, feed.ErrNoInitPrice):
		return ReasonNoInitPrice
	}
	return ReasonQuoteError
}
