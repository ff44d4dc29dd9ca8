package liquidity

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/tidemark-hq/tidemark/internal/fill"
	"github.com/tidemark-hq/tidemark/internal/market"
	"github.com/tidemark-hq/tidemark/internal/quote"
	"github.com/tidemark-hq/tidemark/internal/venue"
	"github.com/tidemark-hq/tidemark/internal/wallet"
)

// USD-notional thresholds for ladder collapse. Below CollapseNotionalUSD the
// whole side becomes a single tier; the tier count shrinks further so no tier
// indicates less than MinTierNotionalUSD. Avoids spamming dust-sized quotes.
const (
	CollapseNotionalUSD = 1000.0
	MinTierNotionalUSD  = 10.0
)

// Emitter publishes indication ladders to the venue. An empty ladder cancels
// all resting indications for the market.
type Emitter interface {
	SendLiquidity(marketID string, tiers []venue.LiquidityTier)
	Connected() bool
}

// Indicator periodically publishes per-market resting-quote ladders derived
// from the current mid price and single-wallet inventory. Post-fill hooks
// perturb the market transiently and re-publish immediately.
type Indicator struct {
	markets *market.Store
	quotes  *quote.Engine
	pool    *wallet.Pool
	emit    Emitter

	interval time.Duration
	expiry   time.Duration

	nowFunc   func() time.Time
	afterFunc func(d time.Duration, fn func())
}

// NewIndicator builds an indicator publishing on the given interval, with
// each tier valid for the given expiry horizon.
func NewIndicator(markets *market.Store, quotes *quote.Engine, pool *wallet.Pool, emit Emitter, interval, expiry time.Duration) *Indicator {
	return &Indicator{
		markets:  markets,
		quotes:   quotes,
		pool:     pool,
		emit:     emit,
		interval: interval,
		expiry:   expiry,
		nowFunc:  time.Now,
		afterFunc: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Run publishes all markets on the configured interval until ctx ends.
func (in *Indicator) Run(ctx context.Context) {
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.IndicateAll()
		}
	}
}

// IndicateAll publishes a fresh ladder for every configured market. One bad
// market never stops the loop for the others.
func (in *Indicator) IndicateAll() {
	for _, id := range in.markets.IDs() {
		in.Indicate(id)
	}
}

// Indicate publishes the current ladder for one market. A deactivated market
// gets an empty ladder, cancelling its resting indications; a market whose
// feed fails validation is skipped without touching its prior indications.
func (in *Indicator) Indicate(marketID string) {
	if !in.emit.Connected() {
		return
	}
	v, ok := in.markets.View(marketID)
	if !ok {
		return
	}
	if !v.Active {
		in.emit.SendLiquidity(v.ID, nil)
		return
	}

	mid, err := in.quotes.Mid(v)
	if err != nil {
		log.Printf("liquidity: %s: %v", v.ID, err)
		return
	}
	if !v.HasMeta {
		return
	}

	baseInv := fill.FromMinor(in.pool.MaxInventory(v.Meta.BaseAsset.Symbol), v.Meta.BaseAsset.Decimals)
	quoteInv := fill.FromMinor(in.pool.MaxInventory(v.Meta.QuoteAsset.Symbol), v.Meta.QuoteAsset.Decimals)

	tiers := BuildLadder(v, mid, baseInv, quoteInv, in.nowFunc().Add(in.expiry).Unix())
	in.emit.SendLiquidity(v.ID, tiers)
}

// BuildLadder derives the bid/ask tiers for a market from its effective
// config, the validated mid price and single-wallet inventories. Each side is
// gated independently: a side whose available size falls below minSize is
// simply absent (uneven inventories quote one-sided, not badly).
func BuildLadder(v market.View, mid float64, baseInv, quoteInv float64, expiry int64) []venue.LiquidityTier {
	maxSell := math.Min(baseInv, v.Cfg.MaxSize)
	maxBuy := math.Min(quoteInv/mid, v.Cfg.MaxSize)

	baseUSD := v.Meta.BaseAsset.USDPrice
	if baseUSD <= 0 {
		baseUSD = mid * v.Meta.QuoteAsset.USDPrice
	}

	var tiers []venue.LiquidityTier
	if v.QuotesAsk && maxSell >= v.Cfg.MinSize && maxSell > 0 {
		tiers = append(tiers, sideTiers(venue.SideSell, v, mid, maxSell, baseUSD, expiry)...)
	}
	if v.QuotesBid && maxBuy >= v.Cfg.MinSize && maxBuy > 0 {
		tiers = append(tiers, sideTiers(venue.SideBuy, v, mid, maxBuy, baseUSD, expiry)...)
	}
	return tiers
}

// sideTiers slices one side's available size into tiers priced by the same
// linear slippage model the quote engine uses, at cumulative size.
func sideTiers(side string, v market.View, mid, maxSize, baseUSD float64, expiry int64) []venue.LiquidityTier {
	splits := tierCount(maxSize*baseUSD, v.Cfg.NumOrdersIndicated)
	size := maxSize / float64(splits)

	tiers := make([]venue.LiquidityTier, 0, splits)
	for i := 1; i <= splits; i++ {
		spread := quote.Spread(v.Cfg, size*float64(i))
		price := mid * (1 + spread)
		if side == venue.SideBuy {
			price = mid * (1 - spread)
		}
		tiers = append(tiers, venue.LiquidityTier{
			Side:   side,
			Price:  quote.RoundSigFig(price, quote.PriceSigFigs),
			Size:   size,
			Expiry: expiry,
		})
	}
	return tiers
}

// tierCount applies the USD-notional collapse rules to the configured depth.
func tierCount(notionalUSD float64, configured int) int {
	if configured < 1 {
		configured = 1
	}
	if notionalUSD < CollapseNotionalUSD {
		return 1
	}
	if notionalUSD/float64(configured) < MinTierNotionalUSD {
		n := int(notionalUSD / MinTierNotionalUSD)
		if n < 1 {
			n = 1
		}
		return n
	}
	return configured
}

// ApplyPostFill runs the configured post-fill perturbations after a fill of
// fillSize base units. Each mutation republishes the ladder immediately and
// self-reverts (republishing again) after its duration. Fills below the
// trigger threshold do nothing.
func (in *Indicator) ApplyPostFill(marketID string, fillSize float64) {
	v, ok := in.markets.View(marketID)
	if !ok || v.Cfg.PostFill == nil {
		return
	}
	pf := v.Cfg.PostFill
	if fillSize < pf.MinSizeTrigger {
		return
	}

	if pf.DelaySec > 0 {
		in.markets.SetInactive(v.ID, true)
		in.Indicate(v.ID)
		id := v.ID
		in.afterFunc(time.Duration(pf.DelaySec)*time.Second, func() {
			in.markets.SetInactive(id, false)
			in.Indicate(id)
		})
	}

	if pf.SpreadBump != 0 && pf.SpreadBumpSec > 0 {
		in.markets.AddSpreadDelta(v.ID, pf.SpreadBump)
		in.Indicate(v.ID)
		id, bump := v.ID, pf.SpreadBump
		in.afterFunc(time.Duration(pf.SpreadBumpSec)*time.Second, func() {
			in.markets.AddSpreadDelta(id, -bump)
			in.Indicate(id)
		})
	}

	if pf.SizeBump != 0 && pf.SizeBumpSec > 0 {
		in.markets.AddSizeDelta(v.ID, pf.SizeBump)
		in.Indicate(v.ID)
		id, bump := v.ID, pf.SizeBump
		in.afterFunc(time.Duration(pf.SizeBumpSec)*time.Second, func() {
			in.markets.AddSizeDelta(id, -bump)
			in.Indicate(id)
		})
	}
}
