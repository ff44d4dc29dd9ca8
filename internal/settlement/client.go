package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/tidemark-hq/tidemark/internal/venue"
	"github.com/tidemark-hq/tidemark/internal/wallet"
)

// Amounts must be packable as mantissa * 10^exp with the mantissa below
// 2^35; anything finer is silently unrepresentable by the settlement layer.
var maxMantissa = new(big.Int).Lsh(big.NewInt(1), 35)

// Client talks to the settlement network's REST gateway. It implements
// wallet.Provider.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a settlement client for the gateway at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type accountStateResponse struct {
	Committed map[string]string `json:"committed"`
}

// AccountState returns an account's committed balances in minor units.
func (c *Client) AccountState(ctx context.Context, accountID string) (map[string]*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/account/%s/state", c.baseURL, accountID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settlement: account state %s: %w", accountID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("settlement: account state %s: http %d", accountID, resp.StatusCode)
	}

	var body accountStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("settlement: account state %s: decode: %w", accountID, err)
	}

	balances := make(map[string]*big.Int, len(body.Committed))
	for sym, v := range body.Committed {
		b, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("settlement: account state %s: bad balance %q for %s", accountID, v, sym)
		}
		balances[sym] = b
	}
	return balances, nil
}

type swapRequest struct {
	Orders   [2]venue.SignedOrder `json:"orders"`
	FeeToken string               `json:"feeToken"`
	Nonce    uint64               `json:"nonce"`
}

type swapResponse struct {
	TxHash  string `json:"txHash"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Settle submits the matched order pair and blocks until the gateway reports
// a terminal receipt.
func (c *Client) Settle(ctx context.Context, counterOrder, ownOrder venue.SignedOrder, feeToken string, nonce uint64) (wallet.Receipt, error) {
	payload, err := json.Marshal(swapRequest{
		Orders:   [2]venue.SignedOrder{counterOrder, ownOrder},
		FeeToken: feeToken,
		Nonce:    nonce,
	})
	if err != nil {
		return wallet.Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return wallet.Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return wallet.Receipt{}, fmt.Errorf("settlement: swap: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wallet.Receipt{}, fmt.Errorf("settlement: swap: http %d", resp.StatusCode)
	}

	var body swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return wallet.Receipt{}, fmt.Errorf("settlement: swap: decode: %w", err)
	}
	return wallet.Receipt{TxHash: body.TxHash, Success: body.Success, Error: body.Error}, nil
}

// ClosestPackableAmount rounds x down to the nearest representable amount:
// the largest mantissa * 10^exp <= x with mantissa < 2^35.
func (c *Client) ClosestPackableAmount(x *big.Int) *big.Int {
	if x.Sign() <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Set(x)
	scale := big.NewInt(1)
	ten := big.NewInt(10)
	for out.Cmp(maxMantissa) >= 0 {
		out.Div(out, ten)
		scale.Mul(scale, ten)
	}
	return out.Mul(out, scale)
}
