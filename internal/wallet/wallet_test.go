package wallet

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func newTestWallet(t *testing.T, id string) *Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	w, err := New(id, crypto.FromECDSA(key))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	return w
}

func TestBeginBroadcast_AtMostOne(t *testing.T) {
	w := newTestWallet(t, "w1")

	if err := w.BeginBroadcast(); err != nil {
		t.Fatalf("first broadcast should acquire, got %v", err)
	}
	if err := w.BeginBroadcast(); !errors.Is(err, ErrAlreadyBroadcasting) {
		t.Fatalf("expected ErrAlreadyBroadcasting, got %v", err)
	}

	w.EndBroadcast()
	if err := w.BeginBroadcast(); err != nil {
		t.Fatalf("broadcast after release should acquire, got %v", err)
	}
}

func TestNonce_Monotonic(t *testing.T) {
	w := newTestWallet(t, "w1")
	cp := "0xCounterParty"

	if err := w.CheckNonce(cp, 5); err != nil {
		t.Fatalf("first nonce should pass, got %v", err)
	}
	w.CommitNonce(cp, 5)

	if err := w.CheckNonce(cp, 5); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("equal nonce: expected ErrStaleNonce, got %v", err)
	}
	if err := w.CheckNonce(cp, 4); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("lower nonce: expected ErrStaleNonce, got %v", err)
	}
	if err := w.CheckNonce(cp, 6); err != nil {
		t.Fatalf("higher nonce should pass, got %v", err)
	}

	// Nonces are scoped per counterparty.
	if err := w.CheckNonce("0xOther", 1); err != nil {
		t.Fatalf("other counterparty should pass, got %v", err)
	}
}

func TestCommitNonce_ZeroFirstNonceIsRecorded(t *testing.T) {
	w := newTestWallet(t, "w1")
	cp := "0xCounterParty"

	if err := w.CheckNonce(cp, 0); err != nil {
		t.Fatalf("first nonce 0 should pass, got %v", err)
	}
	w.CommitNonce(cp, 0)

	if err := w.CheckNonce(cp, 0); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("committed nonce 0 must not be replayable, got %v", err)
	}
	if err := w.CheckNonce(cp, 1); err != nil {
		t.Fatalf("nonce 1 should pass after 0, got %v", err)
	}
}

func TestCommitNonce_CaseInsensitiveCounterparty(t *testing.T) {
	w := newTestWallet(t, "w1")
	w.CommitNonce("0xABCD", 7)
	if err := w.CheckNonce("0xabcd", 7); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("expected ErrStaleNonce across casing, got %v", err)
	}
}

func TestApplyFill_OptimisticBalanceUpdate(t *testing.T) {
	w := newTestWallet(t, "w1")
	w.SetBalances(map[string]*big.Int{"USDC": big.NewInt(1000)})

	w.ApplyFill("USDC", big.NewInt(400), "ETH", big.NewInt(2))

	if got := w.CommittedBalance("USDC"); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected USDC 600, got %s", got)
	}
	if got := w.CommittedBalance("ETH"); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected ETH 2, got %s", got)
	}

	// A refresh snapshot overwrites optimistic drift.
	w.SetBalances(map[string]*big.Int{"USDC": big.NewInt(580), "ETH": big.NewInt(2)})
	if got := w.CommittedBalance("USDC"); got.Cmp(big.NewInt(580)) != 0 {
		t.Fatalf("expected reconciled USDC 580, got %s", got)
	}
}

func TestCommittedBalance_ReturnsCopy(t *testing.T) {
	w := newTestWallet(t, "w1")
	w.SetBalances(map[string]*big.Int{"USDC": big.NewInt(100)})

	b := w.CommittedBalance("USDC")
	b.SetInt64(0)

	if got := w.CommittedBalance("USDC"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance mutated through returned value: %s", got)
	}
}

func TestSignFillOrder_RecoversWalletAddress(t *testing.T) {
	w := newTestWallet(t, "w1")

	domain := Domain{
		Name:              "Tidemark",
		Version:           "2.1",
		ChainID:           big.NewInt(42161),
		VerifyingContract: common.HexToAddress("0x0000000000000000000000000000000000000001"),
	}
	ord := FillOrder{
		SellToken:  common.HexToAddress("0x0000000000000000000000000000000000000002"),
		BuyToken:   common.HexToAddress("0x0000000000000000000000000000000000000003"),
		SellAmount: big.NewInt(1_000_000),
		BuyAmount:  big.NewInt(500),
		Expiration: big.NewInt(1_700_000_000),
	}

	signed, err := w.SignFillOrder(domain, ord)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.User != w.Address().Hex() {
		t.Fatalf("expected user %s, got %s", w.Address().Hex(), signed.User)
	}
	if signed.SellAmount != "1000000" || signed.BuyAmount != "500" {
		t.Fatalf("amounts not preserved: %s / %s", signed.SellAmount, signed.BuyAmount)
	}

	sig, err := hexutil.Decode(signed.Signature)
	if err != nil || len(sig) != 65 {
		t.Fatalf("bad signature encoding: %v (len %d)", err, len(sig))
	}
	sig[64] -= 27

	digest := eip712Digest(hashDomain(domain), hashOrder(w.Address(), ord))
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != w.Address() {
		t.Fatalf("signature does not recover wallet address")
	}
}
