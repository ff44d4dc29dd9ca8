package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tidemark-hq/tidemark/internal/transport"
)

// streamTick is one price update from the streaming oracle. Feeds deliver
// either a bid/ask pair or a last-trade price.
type streamTick struct {
	ID    string  `json:"id"`
	Bid   float64 `json:"bid"`
	Ask   float64 `json:"ask"`
	Price float64 `json:"price"`
}

// Stream subscribes to a websocket price oracle and writes ticks into the
// registry under "stream:<id>" keys. The transport reconnects on a fixed
// delay forever; decode failures count toward the fatal threshold.
type Stream struct {
	registry *Registry
	ws       *transport.WSClient
	ids      []string

	failures int
	fatal    chan error
}

// NewStream builds a streaming source for the given oracle ids.
func NewStream(registry *Registry, url string, ids []string) *Stream {
	return &Stream{
		registry: registry,
		ws:       transport.NewWSClient(transport.FixedRetryWSConfig(url, 5*time.Second)),
		ids:      ids,
		fatal:    make(chan error, 1),
	}
}

// Seed records an initial price for a stream id before the first tick
// arrives, so quoting does not stall on a quiet feed.
func (s *Stream) Seed(id string, price float64) {
	if price > 0 {
		s.registry.Set(ProviderStream+":"+strings.ToLower(id), price)
	}
}

// Fatal delivers at most one error, after FatalFailureThreshold consecutive
// undecodable frames. The process supervisor is the recovery path.
func (s *Stream) Fatal() <-chan error {
	return s.fatal
}

// Run connects, subscribes and consumes ticks until ctx ends.
func (s *Stream) Run(ctx context.Context) error {
	s.ws.OnReconnect(s.subscribe)
	if err := s.ws.Connect(ctx); err != nil {
		return fmt.Errorf("feed: stream connect: %w", err)
	}
	s.subscribe()

	raw := s.ws.Subscribe()
	go func() {
		defer s.ws.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-raw:
				if !ok {
					return
				}
				s.handle(data)
			}
		}
	}()
	return nil
}

func (s *Stream) subscribe() {
	msg, err := json.Marshal(map[string]any{"op": "subscribe", "args": s.ids})
	if err != nil {
		return
	}
	s.ws.Send(msg)
}

func (s *Stream) handle(data []byte) {
	var tick streamTick
	if err := json.Unmarshal(data, &tick); err != nil || tick.ID == "" {
		s.failures++
		if s.failures >= FatalFailureThreshold {
			select {
			case s.fatal <- fmt.Errorf("feed: stream: %d consecutive bad frames", s.failures):
			default:
			}
		}
		return
	}
	s.failures = 0

	price := tick.Price
	if tick.Bid > 0 && tick.Ask > 0 {
		price = (tick.Bid + tick.Ask) / 2
	}
	if price <= 0 {
		return
	}
	key := ProviderStream + ":" + strings.ToLower(tick.ID)
	s.registry.Set(key, price)
	log.Printf("feed: %s = %g", key, price)
}
