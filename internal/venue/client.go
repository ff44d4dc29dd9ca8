package venue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tidemark-hq/tidemark/internal/transport"
)

// reconnect policy for the venue channel: fixed 5s delay, forever.
const reconnectDelay = 5 * time.Second

// Client is the typed wrapper around the venue's streaming channel. It owns
// the subscription list so markets are re-subscribed after every reconnect.
type Client struct {
	ws      *transport.WSClient
	chainID uint64
	markets []string

	inbound chan Inbound
}

// NewClient builds a venue client for the given endpoint. Markets listed here
// are subscribed on connect and after every reconnect.
func NewClient(wsURL string, chainID uint64, markets []string) *Client {
	c := &Client{
		ws:      transport.NewWSClient(transport.FixedRetryWSConfig(wsURL, reconnectDelay)),
		chainID: chainID,
		markets: markets,
		inbound: make(chan Inbound, 512),
	}
	return c
}

// OnReconnect registers a hook run after every reconnect, before markets are
// re-subscribed. The maker uses it to fail in-flight broadcasts.
func (c *Client) OnReconnect(fn func()) {
	c.ws.OnReconnect(func() {
		log.Printf("venue: reconnected, resubscribing %d markets", len(c.markets))
		fn()
		c.subscribeAll()
	})
}

// Connected reports whether the channel is currently usable. Outbound work
// (indications in particular) is suppressed while disconnected.
func (c *Client) Connected() bool {
	return c.ws.State() == transport.StateConnected
}

// Connect dials the venue, subscribes all configured markets and starts the
// decode loop. Inbound() delivers typed messages until the context ends.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.ws.Connect(ctx); err != nil {
		return err
	}
	c.subscribeAll()

	raw := c.ws.Subscribe()
	go func() {
		defer close(c.inbound)
		for data := range raw {
			msg, err := ParseInbound(data)
			if err != nil {
				log.Printf("venue: dropping frame: %v", err)
				continue
			}
			if msg == nil {
				continue
			}
			select {
			case c.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Inbound returns the typed message stream.
func (c *Client) Inbound() <-chan Inbound {
	return c.inbound
}

// Close tears down the channel.
func (c *Client) Close() {
	c.ws.Close()
}

func (c *Client) subscribeAll() {
	for _, m := range c.markets {
		c.send("subscribemarket", []any{c.chainID, m})
	}
}

// SendFillRequest submits a signed fill order for the given taker order.
func (c *Client) SendFillRequest(orderID uint64, fillOrder SignedOrder) {
	c.send("fillrequest", []any{c.chainID, orderID, fillOrder})
}

// SendOrderStatus reports the terminal status of a fill attempt:
// status "f" (filled, with tx hash) or "r" (rejected, with an error string).
func (c *Client) SendOrderStatus(orderID uint64, status, detail string) {
	c.send("orderstatusupdate", []any{[]any{[]any{c.chainID, orderID, status, detail}}})
}

// SendLiquidity publishes an indication ladder for a market. An empty ladder
// cancels all resting indications for that market.
func (c *Client) SendLiquidity(marketID string, tiers []LiquidityTier) {
	// Marshal through the tier type so the positional shape is preserved.
	c.send("indicateliq2", []any{c.chainID, marketID, tiers})
}

// SendCancelOrder withdraws a previously submitted order.
func (c *Client) SendCancelOrder(orderID uint64) {
	c.send("cancelorder", []any{c.chainID, orderID})
}

func (c *Client) send(op string, args []any) {
	data, err := json.Marshal(Envelope{Op: op, Args: mustRaw(args)})
	if err != nil {
		log.Printf("venue: encode %s: %v", op, err)
		return
	}
	c.ws.Send(data)
}

func mustRaw(args []any) json.RawMessage {
	data, err := json.Marshal(args)
	if err != nil {
		// Outbound args are built from plain values; this cannot fail at runtime.
		panic(err)
	}
	return data
}
