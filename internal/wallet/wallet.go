package wallet

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tidemark-hq/tidemark/internal/venue"
)

var (
	ErrAlreadyBroadcasting = errors.New("wallet: broadcast already in flight")
	ErrStaleNonce          = errors.New("wallet: nonce not greater than last accepted")
)

// EIP-712 type hashes (pre-computed keccak256 of the type strings).
var (
	// keccak256("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)")
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))

	// keccak256("Order(address user,address sellToken,address buyToken,uint256 sellAmount,uint256 buyAmount,uint256 expirationTimeSeconds)")
	orderTypeHash = crypto.Keccak256Hash([]byte(
		"Order(address user,address sellToken,address buyToken,uint256 sellAmount,uint256 buyAmount,uint256 expirationTimeSeconds)",
	))
)

// Domain holds the EIP-712 domain separator fields for the settlement
// contract a fill order is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// FillOrder holds the fields of the settlement contract's Order struct.
type FillOrder struct {
	SellToken  common.Address
	BuyToken   common.Address
	SellAmount *big.Int
	BuyAmount  *big.Int
	Expiration *big.Int
}

// Wallet is one settlement-capable account. It caches committed balances,
// tracks the last accepted nonce per counterparty, guards against concurrent
// broadcasts with an atomic flag, and signs fill orders with a key that stays
// sealed in a memguard Enclave except momentarily during Sign.
//
// Invariant: at most one in-flight broadcast per wallet at any time. Nonces
// and balances are wallet-scoped; concurrent sends corrupt both.
type Wallet struct {
	accountID string
	address   common.Address
	enclave   *memguard.Enclave

	broadcasting atomic.Bool

	mu       sync.RWMutex
	balances map[string]*big.Int // asset symbol -> committed minor units
	nonces   map[string]uint64   // counterparty address (lowercase) -> last accepted
}

// New seals keyBytes into an enclave and derives the signing address.
// The caller MUST zero their copy of keyBytes after calling this.
func New(accountID string, keyBytes []byte) (*Wallet, error) {
	privKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: invalid private key: %w", accountID, err)
	}
	addr := crypto.PubkeyToAddress(privKey.PublicKey)

	return &Wallet{
		accountID: accountID,
		address:   addr,
		enclave:   memguard.NewEnclave(keyBytes),
		balances:  make(map[string]*big.Int),
		nonces:    make(map[string]uint64),
	}, nil
}

// AccountID returns the id the settlement provider knows this wallet by.
func (w *Wallet) AccountID() string { return w.accountID }

// Address returns the wallet's signing address.
func (w *Wallet) Address() common.Address { return w.address }

// IsBroadcasting reports whether a settlement request is in flight.
func (w *Wallet) IsBroadcasting() bool { return w.broadcasting.Load() }

// BeginBroadcast acquires the exclusive broadcast lock. It fails if a
// broadcast is already in flight (test-and-set, never read-then-set).
func (w *Wallet) BeginBroadcast() error {
	if !w.broadcasting.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyBroadcasting, w.accountID)
	}
	return nil
}

// EndBroadcast releases the broadcast lock.
func (w *Wallet) EndBroadcast() { w.broadcasting.Store(false) }

// CommittedBalance returns the cached committed balance for an asset symbol.
// The value is a copy; the cache is advisory (callers apply their own safety
// margin) and may lag settlement by up to one refresh interval.
func (w *Wallet) CommittedBalance(symbol string) *big.Int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if b, ok := w.balances[symbol]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SetBalances overwrites the cache with a fresh snapshot from the settlement
// provider, reconciling any optimistic drift.
func (w *Wallet) SetBalances(balances map[string]*big.Int) {
	fresh := make(map[string]*big.Int, len(balances))
	for sym, b := range balances {
		fresh[sym] = new(big.Int).Set(b)
	}
	w.mu.Lock()
	w.balances = fresh
	w.mu.Unlock()
}

// ApplyFill optimistically updates the cache after a successful settlement:
// subtract the sold amount, add the bought amount. The next refresh overwrites
// this with the provider's view.
func (w *Wallet) ApplyFill(sellSymbol string, sellAmount *big.Int, buySymbol string, buyAmount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.balances[sellSymbol]; ok {
		b.Sub(b, sellAmount)
	}
	b, ok := w.balances[buySymbol]
	if !ok {
		b = new(big.Int)
		w.balances[buySymbol] = b
	}
	b.Add(b, buyAmount)
}

// CheckNonce verifies that nonce is strictly greater than the last accepted
// nonce for the counterparty. It does not record the nonce; call CommitNonce
// after settlement succeeds.
func (w *Wallet) CheckNonce(counterparty string, nonce uint64) error {
	key := strings.ToLower(counterparty)
	w.mu.RLock()
	last, seen := w.nonces[key]
	w.mu.RUnlock()
	if seen && nonce <= last {
		return fmt.Errorf("%w: counterparty %s nonce %d, last %d", ErrStaleNonce, key, nonce, last)
	}
	return nil
}

// CommitNonce records a counterparty nonce as accepted. The first nonce from
// a counterparty is recorded unconditionally (it may legitimately be zero);
// thereafter only strictly greater nonces advance the table.
func (w *Wallet) CommitNonce(counterparty string, nonce uint64) {
	key := strings.ToLower(counterparty)
	w.mu.Lock()
	if last, seen := w.nonces[key]; !seen || nonce > last {
		w.nonces[key] = nonce
	}
	w.mu.Unlock()
}

// SignFillOrder computes the EIP-712 digest for the fill order, opens the
// enclave momentarily to sign it, and returns the wire-shaped signed order.
func (w *Wallet) SignFillOrder(domain Domain, ord FillOrder) (venue.SignedOrder, error) {
	digest := eip712Digest(hashDomain(domain), hashOrder(w.address, ord))

	buf, err := w.enclave.Open()
	if err != nil {
		return venue.SignedOrder{}, fmt.Errorf("wallet %s: open enclave: %w", w.accountID, err)
	}
	privKey, err := crypto.ToECDSA(buf.Bytes())
	buf.Destroy()
	if err != nil {
		return venue.SignedOrder{}, fmt.Errorf("wallet %s: parse private key: %w", w.accountID, err)
	}

	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return venue.SignedOrder{}, fmt.Errorf("wallet %s: ecdsa sign: %w", w.accountID, err)
	}
	// Adjust v value for Ethereum compatibility (0/1 -> 27/28).
	sig[64] += 27

	return venue.SignedOrder{
		User:                  w.address.Hex(),
		SellToken:             ord.SellToken.Hex(),
		BuyToken:              ord.BuyToken.Hex(),
		SellAmount:            ord.SellAmount.String(),
		BuyAmount:             ord.BuyAmount.String(),
		ExpirationTimeSeconds: ord.Expiration.String(),
		Signature:             hexutil.Encode(sig),
	}, nil
}

// hashDomain computes the EIP-712 domain separator hash.
func hashDomain(d Domain) common.Hash {
	return crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		common.LeftPadBytes(d.ChainID.Bytes(), 32),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// hashOrder computes the EIP-712 struct hash for a fill order.
func hashOrder(user common.Address, o FillOrder) common.Hash {
	return crypto.Keccak256Hash(
		orderTypeHash.Bytes(),
		common.LeftPadBytes(user.Bytes(), 32),
		common.LeftPadBytes(o.SellToken.Bytes(), 32),
		common.LeftPadBytes(o.BuyToken.Bytes(), 32),
		common.LeftPadBytes(o.SellAmount.Bytes(), 32),
		common.LeftPadBytes(o.BuyAmount.Bytes(), 32),
		common.LeftPadBytes(o.Expiration.Bytes(), 32),
	)
}

// eip712Digest computes the final EIP-712 signing digest:
// keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Digest(domainHash, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domainHash.Bytes(),
		structHash.Bytes(),
	)
}
