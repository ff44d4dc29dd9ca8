package wallet

import (
	"context"
	"log"
	"math/big"
	"sort"
	"time"
)

// Balance eligibility margin: a wallet qualifies for a fill only if its cached
// balance covers required * 105/100. The 5% absorbs fee and rounding drift
// between the advisory cache and settlement reality.
var (
	marginNum = big.NewInt(105)
	marginDen = big.NewInt(100)
)

// Pool owns the settlement wallets. Wallet ids iterate in sorted order so
// selection is deterministic.
type Pool struct {
	wallets  map[string]*Wallet
	ids      []string
	provider Provider
}

// NewPool builds a pool over the given wallets.
func NewPool(provider Provider, wallets ...*Wallet) *Pool {
	p := &Pool{
		wallets:  make(map[string]*Wallet, len(wallets)),
		provider: provider,
	}
	for _, w := range wallets {
		p.wallets[w.AccountID()] = w
		p.ids = append(p.ids, w.AccountID())
	}
	sort.Strings(p.ids)
	return p
}

// Provider returns the settlement boundary the pool refreshes from.
func (p *Pool) Provider() Provider { return p.provider }

// IDs returns all wallet ids in sorted order.
func (p *Pool) IDs() []string { return p.ids }

// Get returns the wallet with the given id.
func (p *Pool) Get(id string) (*Wallet, bool) {
	w, ok := p.wallets[id]
	return w, ok
}

// Eligible returns, in deterministic order, the wallets whose cached balance
// for sellSymbol covers required with the 5% margin and which are not
// currently broadcasting. busyOnly is true when at least one wallet had the
// balance but every such wallet was mid-broadcast: "money exists but busy" is
// retried sooner than "no money anywhere".
func (p *Pool) Eligible(sellSymbol string, required *big.Int) (eligible []string, busyOnly bool) {
	withMargin := new(big.Int).Mul(required, marginNum)
	withMargin.Div(withMargin, marginDen)

	funded := false
	for _, id := range p.ids {
		w := p.wallets[id]
		if w.CommittedBalance(sellSymbol).Cmp(withMargin) < 0 {
			continue
		}
		funded = true
		if w.IsBroadcasting() {
			continue
		}
		eligible = append(eligible, id)
	}
	return eligible, funded && len(eligible) == 0
}

// IdleIDs returns the wallets with no broadcast in flight, in sorted order.
func (p *Pool) IdleIDs() []string {
	var idle []string
	for _, id := range p.ids {
		if !p.wallets[id].IsBroadcasting() {
			idle = append(idle, id)
		}
	}
	return idle
}

// MaxInventory returns the largest single-wallet balance for an asset. The
// maximum, not the sum: indicated liquidity must be fillable by one wallet,
// not by pooled balances no single wallet actually holds.
func (p *Pool) MaxInventory(symbol string) *big.Int {
	maxBal := new(big.Int)
	for _, id := range p.ids {
		if b := p.wallets[id].CommittedBalance(symbol); b.Cmp(maxBal) > 0 {
			maxBal = b
		}
	}
	return maxBal
}

// RefreshBalances re-pulls every wallet's committed balances from the
// settlement provider, overwriting the cache.
func (p *Pool) RefreshBalances(ctx context.Context) {
	for _, id := range p.ids {
		state, err := p.provider.AccountState(ctx, id)
		if err != nil {
			log.Printf("wallet: refresh %s: %v", id, err)
			continue
		}
		p.wallets[id].SetBalances(state)
	}
}

// RunRefresh reconciles balances on a fixed interval until ctx ends.
func (p *Pool) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RefreshBalances(ctx)
		}
	}
}
