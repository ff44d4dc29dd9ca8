package maker

import (
	"sync"
	"time"
)

// PastFillTTL bounds how long a completed fill is remembered.
const PastFillTTL = 900 * time.Second

// PastFill records one completed settlement, for post-fill hooks and
// inventory bookkeeping.
type PastFill struct {
	OrderID    uint64
	MarketID   string
	Price      float64
	BaseQty    float64
	QuoteQty   float64
	SellSymbol string
	BuySymbol  string
	TxHash     string
	ExpiresAt  time.Time
}

// PastFills is an in-memory record of recent fills. Expired entries are
// purged lazily whenever a new one is inserted; there is no sweeper.
type PastFills struct {
	mu      sync.Mutex
	fills   map[uint64]PastFill
	nowFunc func() time.Time
}

// NewPastFills creates an empty record set.
func NewPastFills() *PastFills {
	return &PastFills{
		fills:   make(map[uint64]PastFill),
		nowFunc: time.Now,
	}
}

// Insert records a fill and purges everything already expired.
func (p *PastFills) Insert(f PastFill) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	for id, old := range p.fills {
		if now.After(old.ExpiresAt) {
			delete(p.fills, id)
		}
	}

	f.ExpiresAt = now.Add(PastFillTTL)
	p.fills[f.OrderID] = f
}

// Get returns the record for an order id, if still remembered.
func (p *PastFills) Get(orderID uint64) (PastFill, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fills[orderID]
	if ok && p.nowFunc().After(f.ExpiresAt) {
		return PastFill{}, false
	}
	return f, ok
}

// Len returns the number of live records.
func (p *PastFills) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fills)
}
