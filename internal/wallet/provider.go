package wallet

import (
	"context"
	"math/big"

	"github.com/tidemark-hq/tidemark/internal/venue"
)

// Receipt is the terminal outcome of a settlement attempt.
type Receipt struct {
	TxHash  string
	Success bool
	Error   string
}

// Provider is the settlement-network boundary. Implementations broadcast
// matched order pairs and report account state; everything behind this
// interface (transaction assembly, receipt polling) is external.
type Provider interface {
	// AccountState returns the committed balances for an account, keyed by
	// asset symbol, in minor units.
	AccountState(ctx context.Context, accountID string) (map[string]*big.Int, error)

	// Settle broadcasts the counterparty order matched against our own fill
	// order and blocks until a terminal receipt.
	Settle(ctx context.Context, counterOrder, ownOrder venue.SignedOrder, feeToken string, nonce uint64) (Receipt, error)

	// ClosestPackableAmount rounds x down to the nearest amount the
	// settlement layer can represent. Committing an unrepresentable amount
	// causes silent settlement failure.
	ClosestPackableAmount(x *big.Int) *big.Int
}
