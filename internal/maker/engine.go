package maker

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/tidemark-hq/tidemark/internal/config"
	"github.com/tidemark-hq/tidemark/internal/fill"
	"github.com/tidemark-hq/tidemark/internal/liquidity"
	"github.com/tidemark-hq/tidemark/internal/market"
	"github.com/tidemark-hq/tidemark/internal/venue"
	"github.com/tidemark-hq/tidemark/internal/wallet"
)

const (
	// DomainName is the EIP-712 domain the settlement contract verifies.
	DomainName = "Tidemark"

	defaultContractVersion = "2.1"

	// BroadcastTimeout releases a wallet's broadcast lock if no terminal
	// response arrives. A liveness guard, not a correctness guarantee: a late
	// response is still applied, it just cannot re-lock.
	BroadcastTimeout = 5 * time.Second

	// broadcastMarginBps is the rounding margin applied when committing
	// amounts: commit slightly more on the sell leg, demand slightly less on
	// the buy leg, so settlement never fails on rounding dust.
	broadcastMarginBps = 1

	// Order status codes reported to the venue.
	statusFilled   = "f"
	statusRejected = "r"
)

// Channel is the slice of the venue client the broadcast protocol needs.
type Channel interface {
	SendFillRequest(orderID uint64, fillOrder venue.SignedOrder)
	SendOrderStatus(orderID uint64, status, detail string)
	Connected() bool
}

// pendingFill tracks one in-flight broadcast from fillrequest to terminal
// settlement outcome or safety timeout.
type pendingFill struct {
	attemptID uuid.UUID
	walletID  string
	marketID  string
	order     venue.OrderTuple

	sellSymbol string
	buySymbol  string
	sellAmount *big.Int
	buyAmount  *big.Int
	price      float64

	ownOrder venue.SignedOrder
	timer    *time.Timer

	// lockReleased is set when the safety timeout fires first: a late
	// response still applies nonce/balance updates but must not re-lock.
	lockReleased bool
	settling     bool
}

// Maker coordinates the whole agent: it routes inbound venue messages, drives
// the broadcast protocol for fillable orders, and owns the pending-fill and
// past-fill state.
type Maker struct {
	cfg      *config.Config
	markets  *market.Store
	pool     *wallet.Pool
	provider wallet.Provider
	channel  Channel

	sched     *fill.Scheduler
	indicator *liquidity.Indicator
	past      *PastFills

	ctx context.Context

	mu       sync.Mutex
	pending  map[uint64]*pendingFill
	feeToken string
}

// New builds the coordinator. Call BindScheduler before Run.
func New(cfg *config.Config, markets *market.Store, pool *wallet.Pool, provider wallet.Provider, channel Channel, indicator *liquidity.Indicator) *Maker {
	return &Maker{
		cfg:       cfg,
		markets:   markets,
		pool:      pool,
		provider:  provider,
		channel:   channel,
		indicator: indicator,
		past:      NewPastFills(),
		pending:   make(map[uint64]*pendingFill),
		feeToken:  cfg.Maker.FeeToken,
	}
}

// BindScheduler attaches the fill scheduler whose dispatch target is this
// maker. Split from New because the scheduler needs the maker's Dispatch.
func (m *Maker) BindScheduler(s *fill.Scheduler) { m.sched = s }

// PastFills exposes the completed-fill records.
func (m *Maker) PastFills() *PastFills { return m.past }

// Run consumes the inbound venue stream until ctx ends.
func (m *Maker) Run(ctx context.Context, inbound <-chan venue.Inbound) {
	m.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			switch msg := msg.(type) {
			case venue.OrdersMsg:
				for _, o := range msg.Orders {
					m.sched.Offer(o)
				}
			case venue.UserOrderMatch:
				m.HandleMatch(msg)
			case venue.MarketInfoMsg:
				m.markets.SetMeta(msg.Meta)
				log.Printf("maker: marketinfo %s (%s/%s)", msg.Meta.Alias,
					msg.Meta.BaseAsset.Symbol, msg.Meta.QuoteAsset.Symbol)
			case venue.ErrorMsg:
				log.Printf("maker: venue error for %s: %s", msg.Op, msg.Message)
			}
		}
	}
}

// FailPending fails every in-flight broadcast safe: stop timers, release
// locks, drop the records. Called on venue disconnect — in-flight fills are
// treated as failed, and the reconciling balance refresh cleans up any drift.
func (m *Maker) FailPending(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pending {
		p.timer.Stop()
		if !p.lockReleased {
			if w, ok := m.pool.Get(p.walletID); ok {
				w.EndBroadcast()
			}
		}
		// A settle goroutine may still hold this record; mark the lock
		// released so its finish cannot unlock a newer broadcast.
		p.lockReleased = true
		delete(m.pending, id)
		log.Printf("maker: attempt %s order %d failed: %s", p.attemptID, id, reason)
	}
}

// Dispatch implements fill.DispatchFunc: acquire the wallet's broadcast lock,
// build and sign the counter fill order, transmit the fillrequest, and arm
// the safety timeout. An error before fillrequest leaves no pending state.
func (m *Maker) Dispatch(walletID string, e fill.Entry) error {
	w, ok := m.pool.Get(walletID)
	if !ok {
		return fmt.Errorf("maker: unknown wallet %s", walletID)
	}
	v, ok := m.markets.View(e.Order.MarketID)
	if !ok || !v.HasMeta {
		return fmt.Errorf("maker: no metadata for market %s", e.Order.MarketID)
	}

	if err := w.BeginBroadcast(); err != nil {
		return err
	}

	p, err := m.buildPending(w, v, e)
	if err != nil {
		w.EndBroadcast()
		return err
	}

	// Arm the timer inside the same critical section that publishes the
	// record: finish and onTimeout read p.timer under m.mu, and the match
	// can arrive as soon as the fillrequest is on the wire.
	m.mu.Lock()
	p.timer = time.AfterFunc(BroadcastTimeout, func() { m.onTimeout(e.Order.OrderID) })
	m.pending[e.Order.OrderID] = p
	m.mu.Unlock()

	m.channel.SendFillRequest(e.Order.OrderID, p.ownOrder)

	log.Printf("maker: attempt %s: fillrequest order %d market %s wallet %s sell %s %s",
		p.attemptID, e.Order.OrderID, v.ID, walletID, p.sellAmount, p.sellSymbol)
	return nil
}

// buildPending computes the maker's legs with rounding margins and the dust
// clamp, then signs the fill order.
func (m *Maker) buildPending(w *wallet.Wallet, v market.View, e fill.Entry) (*pendingFill, error) {
	var sellAsset, buyAsset venue.Asset
	var sellQty, buyQty float64
	if e.Order.Side == venue.SideBuy {
		// Taker buys base: maker sells base for quote.
		sellAsset, buyAsset = v.Meta.BaseAsset, v.Meta.QuoteAsset
		sellQty, buyQty = e.Order.BaseQty, e.Quote.QuoteQty
	} else {
		// Taker sells base: maker sells quote for base.
		sellAsset, buyAsset = v.Meta.QuoteAsset, v.Meta.BaseAsset
		sellQty, buyQty = e.Quote.QuoteQty, e.Order.BaseQty
	}

	sellAmount := applyBps(fill.ToMinor(sellQty, sellAsset.Decimals), broadcastMarginBps)
	buyAmount := applyBps(fill.ToMinor(buyQty, buyAsset.Decimals), -broadcastMarginBps)

	// Dust clamp: when committing nearly the whole balance, commit all of it
	// and scale the buy leg proportionally, so residual dust never strands.
	balance := w.CommittedBalance(sellAsset.Symbol)
	if withinDust(sellAmount, balance) {
		buyAmount.Mul(buyAmount, balance)
		buyAmount.Div(buyAmount, sellAmount)
		sellAmount = balance
	}

	sellAmount = m.provider.ClosestPackableAmount(sellAmount)
	buyAmount = m.provider.ClosestPackableAmount(buyAmount)
	if sellAmount.Sign() <= 0 || buyAmount.Sign() <= 0 {
		return nil, fmt.Errorf("maker: order %d amounts collapsed to zero", e.Order.OrderID)
	}

	version := v.Meta.ContractVersion
	if version == "" {
		version = defaultContractVersion
	}
	signed, err := w.SignFillOrder(
		wallet.Domain{
			Name:              DomainName,
			Version:           version,
			ChainID:           new(big.Int).SetUint64(m.cfg.ChainID),
			VerifyingContract: common.HexToAddress(v.Meta.ExchangeAddress),
		},
		wallet.FillOrder{
			SellToken:  common.HexToAddress(sellAsset.Address),
			BuyToken:   common.HexToAddress(buyAsset.Address),
			SellAmount: sellAmount,
			BuyAmount:  buyAmount,
			Expiration: big.NewInt(e.Order.Expiry),
		},
	)
	if err != nil {
		return nil, err
	}

	return &pendingFill{
		attemptID:  uuid.New(),
		walletID:   w.AccountID(),
		marketID:   v.ID,
		order:      e.Order,
		sellSymbol: sellAsset.Symbol,
		buySymbol:  buyAsset.Symbol,
		sellAmount: sellAmount,
		buyAmount:  buyAmount,
		price:      e.Quote.Price,
		ownOrder:   signed,
	}, nil
}

// HandleMatch processes the venue's matched-order callback: verify the
// counterparty nonce, then settle asynchronously.
func (m *Maker) HandleMatch(msg venue.UserOrderMatch) {
	m.mu.Lock()
	p, ok := m.pending[msg.OrderID]
	if !ok || p.settling {
		m.mu.Unlock()
		log.Printf("maker: unexpected userordermatch for order %d", msg.OrderID)
		return
	}
	p.settling = true
	m.mu.Unlock()

	w, _ := m.pool.Get(p.walletID)

	// Replay guard: reject a stale counterparty nonce locally, without
	// contacting settlement.
	if err := w.CheckNonce(msg.CounterOrder.User, msg.CounterOrder.Nonce); err != nil {
		log.Printf("maker: attempt %s: %v", p.attemptID, err)
		m.channel.SendOrderStatus(msg.OrderID, statusRejected, "stale nonce")
		m.finish(msg.OrderID, p, w)
		return
	}

	go m.settle(p, w, msg)
}

// settle invokes the settlement provider and applies the terminal outcome.
// Success commits the nonce, optimistically updates the balance cache, and
// triggers the post-fill hooks; any failure releases the lock untouched.
func (m *Maker) settle(p *pendingFill, w *wallet.Wallet, msg venue.UserOrderMatch) {
	feeToken := m.selectFeeToken(p, msg.CounterOrder)

	receipt, err := m.provider.Settle(m.ctx, msg.CounterOrder, p.ownOrder, feeToken, msg.CounterOrder.Nonce)
	if err != nil || !receipt.Success {
		detail := receipt.Error
		if err != nil {
			detail = err.Error()
		}
		log.Printf("maker: attempt %s: settle order %d failed: %s", p.attemptID, msg.OrderID, detail)
		m.channel.SendOrderStatus(msg.OrderID, statusRejected, detail)
		m.finish(msg.OrderID, p, w)
		return
	}

	w.CommitNonce(msg.CounterOrder.User, msg.CounterOrder.Nonce)
	w.ApplyFill(p.sellSymbol, p.sellAmount, p.buySymbol, p.buyAmount)
	m.channel.SendOrderStatus(msg.OrderID, statusFilled, receipt.TxHash)

	m.past.Insert(PastFill{
		OrderID:    p.order.OrderID,
		MarketID:   p.marketID,
		Price:      p.price,
		BaseQty:    p.order.BaseQty,
		QuoteQty:   p.order.QuoteQty,
		SellSymbol: p.sellSymbol,
		BuySymbol:  p.buySymbol,
		TxHash:     receipt.TxHash,
	})

	log.Printf("maker: attempt %s: order %d filled, tx %s", p.attemptID, msg.OrderID, receipt.TxHash)
	m.finish(msg.OrderID, p, w)

	m.indicator.ApplyPostFill(p.marketID, p.order.BaseQty)
}

// finish retires a pending fill: stop the safety timer, release the wallet
// lock unless the timeout already did, drop the record.
func (m *Maker) finish(orderID uint64, p *pendingFill, w *wallet.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	if !p.lockReleased && w != nil {
		w.EndBroadcast()
	}
	p.lockReleased = true
	delete(m.pending, orderID)
}

// onTimeout fires when no terminal response arrived in time: release the
// wallet so the pool is not starved, but keep the record so a late response
// is still applied idempotently (without re-locking).
func (m *Maker) onTimeout(orderID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[orderID]
	if !ok || p.lockReleased {
		return
	}
	p.lockReleased = true
	if w, ok := m.pool.Get(p.walletID); ok {
		w.EndBroadcast()
	}
	log.Printf("maker: attempt %s: order %d timed out, wallet %s released", p.attemptID, orderID, p.walletID)

	// Drop the stale record once the order itself can no longer settle.
	horizon := time.Until(time.Unix(p.order.Expiry, 0)) + BroadcastTimeout
	if horizon < BroadcastTimeout {
		horizon = BroadcastTimeout
	}
	time.AfterFunc(horizon, func() {
		m.mu.Lock()
		delete(m.pending, orderID)
		m.mu.Unlock()
	})
}

// selectFeeToken picks the asset settlement fees are paid in: the configured
// token if set, else the counterparty's sell token when it is fee-eligible,
// else the first fee-eligible token discovered. The choice is sticky.
func (m *Maker) selectFeeToken(p *pendingFill, counter venue.SignedOrder) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feeToken != "" {
		return m.feeToken
	}

	v, ok := m.markets.View(p.marketID)
	if !ok || !v.HasMeta {
		return ""
	}
	for _, a := range []venue.Asset{v.Meta.BaseAsset, v.Meta.QuoteAsset} {
		if !a.EnabledForFees {
			continue
		}
		if strings.EqualFold(a.Address, counter.SellToken) {
			m.feeToken = a.Symbol
			return m.feeToken
		}
		if m.feeToken == "" {
			m.feeToken = a.Symbol
		}
	}
	return m.feeToken
}

// applyBps scales x by (10000+bps)/10000.
func applyBps(x *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(10000+bps))
	return out.Div(out, big.NewInt(10000))
}

// withinDust reports whether amount is within 0.1% of balance (and not over),
// i.e. committing it would strand unusable dust.
func withinDust(amount, balance *big.Int) bool {
	if balance.Sign() <= 0 || amount.Sign() <= 0 || amount.Cmp(balance) > 0 {
		return false
	}
	// amount >= balance * 999/1000
	threshold := new(big.Int).Mul(balance, big.NewInt(999))
	threshold.Div(threshold, big.NewInt(1000))
	return amount.Cmp(threshold) >= 0
}
