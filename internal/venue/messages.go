package venue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Order side encoding on the wire.
const (
	SideBuy  = "b"
	SideSell = "s"
	SideBoth = "d"
)

var ErrBadMessage = errors.New("venue: malformed message")

// Envelope is the outer frame of every venue message.
type Envelope struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

// OrderTuple is the positional order representation used by the venue:
// [chainId, orderId, marketId, side, price, baseQty, quoteQty, expiry].
// The positional shape must be preserved byte-for-byte on the wire.
type OrderTuple struct {
	ChainID  uint64
	OrderID  uint64
	MarketID string
	Side     string
	Price    float64
	BaseQty  float64
	QuoteQty float64
	Expiry   int64
}

// MarshalJSON encodes the tuple positionally.
func (o OrderTuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		o.ChainID, o.OrderID, o.MarketID, o.Side,
		o.Price, o.BaseQty, o.QuoteQty, o.Expiry,
	})
}

// UnmarshalJSON decodes the positional tuple. Extra trailing elements
// (status, remaining, etc.) are ignored for forward compatibility.
func (o *OrderTuple) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 8 {
		return fmt.Errorf("%w: order tuple has %d elements, want 8", ErrBadMessage, len(raw))
	}
	fields := []any{
		&o.ChainID, &o.OrderID, &o.MarketID, &o.Side,
		&o.Price, &o.BaseQty, &o.QuoteQty, &o.Expiry,
	}
	for i, dst := range fields {
		if err := json.Unmarshal(raw[i], dst); err != nil {
			return fmt.Errorf("%w: order tuple element %d: %v", ErrBadMessage, i, err)
		}
	}
	return nil
}

// SignedOrder is the EIP-712 order object exchanged during settlement. Amounts
// are decimal strings in minor units, matching the on-chain representation.
type SignedOrder struct {
	User                  string `json:"user"`
	SellToken             string `json:"sellToken"`
	BuyToken              string `json:"buyToken"`
	SellAmount            string `json:"sellAmount"`
	BuyAmount             string `json:"buyAmount"`
	ExpirationTimeSeconds string `json:"expirationTimeSeconds"`
	Nonce                 uint64 `json:"nonce"`
	Signature             string `json:"signature,omitempty"`
}

// Asset describes one leg of a market.
type Asset struct {
	Address        string  `json:"address"`
	Symbol         string  `json:"symbol"`
	Decimals       int     `json:"decimals"`
	USDPrice       float64 `json:"usdPrice"`
	EnabledForFees bool    `json:"enabledForFees"`
}

// MarketMeta is the venue's push-refreshed market descriptor. Last write wins;
// there is no merge.
type MarketMeta struct {
	ChainID         uint64  `json:"chainId"`
	ID              string  `json:"id"`
	Alias           string  `json:"alias"`
	BaseAsset       Asset   `json:"baseAsset"`
	QuoteAsset      Asset   `json:"quoteAsset"`
	BaseFee         float64 `json:"baseFee"`
	QuoteFee        float64 `json:"quoteFee"`
	MakerVolumeFee  float64 `json:"makerVolumeFee"`
	TakerVolumeFee  float64 `json:"takerVolumeFee"`
	ExchangeAddress string  `json:"exchangeAddress"`
	ContractVersion string  `json:"contractVersion"`
}

// LiquidityTier is one rung of an indication ladder:
// [side, price, size, expiry].
type LiquidityTier struct {
	Side   string
	Price  float64
	Size   float64
	Expiry int64
}

func (t LiquidityTier) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.Side, t.Price, t.Size, t.Expiry})
}

func (t *LiquidityTier) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 4 {
		return fmt.Errorf("%w: liquidity tier has %d elements, want 4", ErrBadMessage, len(raw))
	}
	fields := []any{&t.Side, &t.Price, &t.Size, &t.Expiry}
	for i, dst := range fields {
		if err := json.Unmarshal(raw[i], dst); err != nil {
			return fmt.Errorf("%w: liquidity tier element %d: %v", ErrBadMessage, i, err)
		}
	}
	return nil
}

// Inbound is the closed union of messages the venue pushes to us.
type Inbound interface{ inbound() }

// OrdersMsg carries a batch of open taker orders.
type OrdersMsg struct {
	Orders []OrderTuple
}

// UserOrderMatch pairs a counterparty's signed order with the fill order we
// previously submitted for it.
type UserOrderMatch struct {
	ChainID      uint64
	OrderID      uint64
	CounterOrder SignedOrder
	OwnOrder     SignedOrder
}

// MarketInfoMsg carries a market metadata push.
type MarketInfoMsg struct {
	Meta MarketMeta
}

// ErrorMsg is the venue's error report for a prior outbound op.
type ErrorMsg struct {
	Op      string
	Message string
}

func (OrdersMsg) inbound()      {}
func (UserOrderMatch) inbound() {}
func (MarketInfoMsg) inbound()  {}
func (ErrorMsg) inbound()       {}

// ParseInbound decodes a raw venue frame into its typed message. Unknown ops
// return (nil, nil) so callers can skip them without logging noise per frame.
func ParseInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	switch env.Op {
	case "orders":
		// args: [[tuple, tuple, ...]]
		var args []json.RawMessage
		if err := json.Unmarshal(env.Args, &args); err != nil || len(args) < 1 {
			return nil, fmt.Errorf("%w: orders args", ErrBadMessage)
		}
		var msg OrdersMsg
		if err := json.Unmarshal(args[0], &msg.Orders); err != nil {
			return nil, fmt.Errorf("%w: orders payload: %v", ErrBadMessage, err)
		}
		return msg, nil

	case "userordermatch":
		// args: [chainId, orderId, counterOrder, ownOrder]
		var args []json.RawMessage
		if err := json.Unmarshal(env.Args, &args); err != nil || len(args) < 4 {
			return nil, fmt.Errorf("%w: userordermatch args", ErrBadMessage)
		}
		var msg UserOrderMatch
		if err := json.Unmarshal(args[0], &msg.ChainID); err != nil {
			return nil, fmt.Errorf("%w: userordermatch chain id: %v", ErrBadMessage, err)
		}
		if err := json.Unmarshal(args[1], &msg.OrderID); err != nil {
			return nil, fmt.Errorf("%w: userordermatch order id: %v", ErrBadMessage, err)
		}
		if err := json.Unmarshal(args[2], &msg.CounterOrder); err != nil {
			return nil, fmt.Errorf("%w: userordermatch counter order: %v", ErrBadMessage, err)
		}
		if err := json.Unmarshal(args[3], &msg.OwnOrder); err != nil {
			return nil, fmt.Errorf("%w: userordermatch own order: %v", ErrBadMessage, err)
		}
		return msg, nil

	case "marketinfo":
		var args []json.RawMessage
		if err := json.Unmarshal(env.Args, &args); err != nil || len(args) < 1 {
			return nil, fmt.Errorf("%w: marketinfo args", ErrBadMessage)
		}
		var msg MarketInfoMsg
		if err := json.Unmarshal(args[0], &msg.Meta); err != nil {
			return nil, fmt.Errorf("%w: marketinfo payload: %v", ErrBadMessage, err)
		}
		return msg, nil

	case "error":
		var args []string
		if err := json.Unmarshal(env.Args, &args); err != nil || len(args) < 2 {
			return nil, fmt.Errorf("%w: error args", ErrBadMessage)
		}
		return ErrorMsg{Op: args[0], Message: args[1]}, nil
	}

	return nil, nil
}
