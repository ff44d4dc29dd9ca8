package feed

import (
	"context"
	"fmt"
	"log"
	"time"
)

// FatalFailureThreshold is the number of consecutive refresh failures after
// which a source is treated as fatally broken. A stale price is worse than
// crashing, so recovery is a process restart.
const FatalFailureThreshold = 5

// PollSource is a price source read on a fixed interval.
type PollSource interface {
	Key() string
	Refresh(ctx context.Context) (float64, error)
}

// Poller drives all polling sources, tracks per-source consecutive failure
// counts and surfaces a fatal error once any source crosses the threshold.
type Poller struct {
	registry *Registry
	sources  []PollSource
	interval time.Duration

	failures map[string]int
	fatal    chan error
}

// NewPoller builds a poller over the given sources.
func NewPoller(registry *Registry, sources []PollSource, interval time.Duration) *Poller {
	return &Poller{
		registry: registry,
		sources:  sources,
		interval: interval,
		failures: make(map[string]int),
		fatal:    make(chan error, 1),
	}
}

// Fatal delivers at most one error, when a source fails
// FatalFailureThreshold times in a row.
func (p *Poller) Fatal() <-chan error {
	return p.fatal
}

// Prime performs one synchronous refresh round so quoting can start with
// populated feeds. Individual source failures are logged, not fatal, here.
func (p *Poller) Prime(ctx context.Context) {
	p.refreshAll(ctx)
}

// Run refreshes all sources on the configured interval until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshAll(ctx)
		}
	}
}

func (p *Poller) refreshAll(ctx context.Context) {
	for _, src := range p.sources {
		key := src.Key()
		price, err := src.Refresh(ctx)
		if err != nil {
			p.failures[key]++
			log.Printf("feed: refresh %s failed (%d consecutive): %v", key, p.failures[key], err)
			if p.failures[key] >= FatalFailureThreshold {
				select {
				case p.fatal <- fmt.Errorf("feed: %s: %d consecutive refresh failures: %w", key, p.failures[key], err):
				default:
				}
			}
			continue
		}
		p.failures[key] = 0
		p.registry.Set(key, price)
	}
}
