package fill

import (
	"context"
	"log"
	"time"

	"github.com/tidemark-hq/tidemark/internal/quote"
	"github.com/tidemark-hq/tidemark/internal/venue"
	"github.com/tidemark-hq/tidemark/internal/wallet"
)

// Scheduler tick intervals: a fast tick dispatches ready entries to idle
// wallets, a slow tick re-classifies held (retryable) orders.
const (
	DispatchInterval = 100 * time.Millisecond
	RetryInterval    = 3 * time.Second
)

// Entry is one dispatchable order with the wallets eligible for it at
// classification time.
type Entry struct {
	Order    venue.OrderTuple
	Quote    quote.Quote
	Eligible []string
}

// DispatchFunc sends an entry to a wallet. A returned error means the wallet
// could not take the entry (lock contention, signing failure); the entry goes
// back to the retry set.
type DispatchFunc func(walletID string, e Entry) error

// Scheduler holds orders awaiting a wallet and orders awaiting a better
// price, and drives both toward dispatch. Matching is greedy: for each idle
// wallet, the first queued entry whose eligible set contains it wins. Not
// globally optimal, but eligible sets are small and wallets few.
type Scheduler struct {
	eval     *Evaluator
	pool     *wallet.Pool
	dispatch DispatchFunc

	actions chan func()
	queue   []Entry
	retry   map[uint64]venue.OrderTuple

	nowFunc func() time.Time
}

// NewScheduler builds a scheduler over the evaluator and wallet pool.
func NewScheduler(eval *Evaluator, pool *wallet.Pool, dispatch DispatchFunc) *Scheduler {
	return &Scheduler{
		eval:     eval,
		pool:     pool,
		dispatch: dispatch,
		actions:  make(chan func(), 256),
		retry:    make(map[uint64]venue.OrderTuple),
		nowFunc:  time.Now,
	}
}

// Offer classifies an incoming order and routes it: fillable entries join the
// dispatch queue, retryable ones the retry set, rejected ones are dropped.
// The returned result reports which way it went.
func (s *Scheduler) Offer(order venue.OrderTuple) Result {
	res := s.eval.Classify(order)
	switch res.Kind {
	case Fillable:
		s.do(func() {
			s.queue = append(s.queue, Entry{Order: order, Quote: res.Quote, Eligible: res.Eligible})
		})
	case Retryable:
		s.do(func() { s.retry[order.OrderID] = order })
	case Rejected:
		log.Printf("fill: order %d rejected (%s)", order.OrderID, res.Reason)
	}
	return res
}

// Drop removes an order from the scheduler in whichever set it sits.
func (s *Scheduler) Drop(orderID uint64) {
	s.do(func() {
		delete(s.retry, orderID)
		for i, e := range s.queue {
			if e.Order.OrderID == orderID {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	})
}

// Run drives the dispatch and retry ticks until ctx ends. All scheduler state
// is owned by this single loop; Offer and Drop post actions into it.
func (s *Scheduler) Run(ctx context.Context) {
	dispatch := time.NewTicker(DispatchInterval)
	defer dispatch.Stop()
	recheck := time.NewTicker(RetryInterval)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.actions:
			fn()
		case <-dispatch.C:
			s.dispatchOnce()
		case <-recheck.C:
			s.retryOnce()
		}
	}
}

// do posts a mutation to the Run loop. The queue and retry set are touched
// only on that loop; when the backlog is full this blocks rather than mutate
// them from the caller's goroutine.
func (s *Scheduler) do(fn func()) {
	s.actions <- fn
}

// dispatchOnce matches idle wallets to queued entries, greedily, dropping
// entries that expired while queued.
func (s *Scheduler) dispatchOnce() {
	now := s.nowFunc().Unix()
	live := s.queue[:0]
	for _, e := range s.queue {
		if now > e.Order.Expiry {
			log.Printf("fill: order %d expired in queue", e.Order.OrderID)
			continue
		}
		live = append(live, e)
	}
	s.queue = live

	for _, id := range s.pool.IdleIDs() {
		idx := -1
		for i, e := range s.queue {
			if contains(e.Eligible, id) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		e := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)

		if err := s.dispatch(id, e); err != nil {
			log.Printf("fill: dispatch order %d to %s: %v", e.Order.OrderID, id, err)
			s.retry[e.Order.OrderID] = e.Order
		}
	}
}

// retryOnce re-classifies held orders. Entries that became fillable move to
// the queue; entries that expired or became terminally rejected are dropped.
func (s *Scheduler) retryOnce() {
	now := s.nowFunc().Unix()
	for id, order := range s.retry {
		if now > order.Expiry {
			delete(s.retry, id)
			continue
		}
		res := s.eval.Classify(order)
		switch res.Kind {
		case Fillable:
			delete(s.retry, id)
			s.queue = append(s.queue, Entry{Order: order, Quote: res.Quote, Eligible: res.Eligible})
		case Rejected:
			delete(s.retry, id)
			log.Printf("fill: held order %d now rejected (%s)", id, res.Reason)
		case Retryable:
			// Keep holding.
		}
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
