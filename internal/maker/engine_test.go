package maker

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tidemark-hq/tidemark/internal/config"
	"github.com/tidemark-hq/tidemark/internal/feed"
	"github.com/tidemark-hq/tidemark/internal/fill"
	"github.com/tidemark-hq/tidemark/internal/liquidity"
	"github.com/tidemark-hq/tidemark/internal/market"
	"github.com/tidemark-hq/tidemark/internal/quote"
	"github.com/tidemark-hq/tidemark/internal/venue"
	"github.com/tidemark-hq/tidemark/internal/wallet"
)

const testChainID = 42161

// mockChannel records outbound venue traffic.
type mockChannel struct {
	fillRequests []uint64
	statuses     []statusUpdate
	ladders      int
	connected    bool
}

type statusUpdate struct {
	orderID uint64
	status  string
	detail  string
}

func (m *mockChannel) SendFillRequest(orderID uint64, _ venue.SignedOrder) {
	m.fillRequests = append(m.fillRequests, orderID)
}

func (m *mockChannel) SendOrderStatus(orderID uint64, status, detail string) {
	m.statuses = append(m.statuses, statusUpdate{orderID, status, detail})
}

func (m *mockChannel) SendLiquidity(string, []venue.LiquidityTier) { m.ladders++ }

func (m *mockChannel) Connected() bool { return m.connected }

// mockProvider records settlement attempts and returns a scripted outcome.
type mockProvider struct {
	settleCalls int
	receipt     wallet.Receipt
	err         error
}

func (m *mockProvider) AccountState(context.Context, string) (map[string]*big.Int, error) {
	return nil, nil
}

func (m *mockProvider) Settle(context.Context, venue.SignedOrder, venue.SignedOrder, string, uint64) (wallet.Receipt, error) {
	m.settleCalls++
	return m.receipt, m.err
}

func (m *mockProvider) ClosestPackableAmount(x *big.Int) *big.Int {
	return new(big.Int).Set(x)
}

func testMeta() venue.MarketMeta {
	return venue.MarketMeta{
		ID:              "ETH-USDC",
		BaseAsset:       venue.Asset{Address: "0x0000000000000000000000000000000000000002", Symbol: "ETH", Decimals: 18, USDPrice: 500, EnabledForFees: false},
		QuoteAsset:      venue.Asset{Address: "0x0000000000000000000000000000000000000003", Symbol: "USDC", Decimals: 6, USDPrice: 1, EnabledForFees: true},
		ExchangeAddress: "0x0000000000000000000000000000000000000009",
		ContractVersion: "2.1",
	}
}

func testWallet(t *testing.T, id string, usdcMinor int64) *wallet.Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	w, err := wallet.New(id, crypto.FromECDSA(key))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	w.SetBalances(map[string]*big.Int{"USDC": big.NewInt(usdcMinor)})
	return w
}

// sellEntry is a fillable taker sell of 1 ETH against our 500 bid: the maker
// sells 500 USDC.
func sellEntry() fill.Entry {
	return fill.Entry{
		Order: venue.OrderTuple{
			ChainID:  testChainID,
			OrderID:  42,
			MarketID: "ETH-USDC",
			Side:     venue.SideSell,
			Price:    490,
			BaseQty:  1,
			QuoteQty: 490,
			Expiry:   time.Now().Add(time.Minute).Unix(),
		},
		Quote:    quote.Quote{Price: 500, BaseQty: 1, QuoteQty: 500},
		Eligible: []string{"A"},
	}
}

func testMaker(t *testing.T) (*Maker, *mockProvider, *mockChannel, *wallet.Pool) {
	t.Helper()
	registry := feed.NewRegistry()
	if err := registry.Register("constant:500"); err != nil {
		t.Fatalf("register feed: %v", err)
	}
	markets := market.NewStore(map[string]config.Market{
		"ETH-USDC": {Active: true, Side: "both", MinSize: 0.1, MaxSize: 10, PriceFeedPrimary: "constant:500"},
	})
	markets.SetMeta(testMeta())

	pool := wallet.NewPool(nil, testWallet(t, "A", 1_000_000_000))
	provider := &mockProvider{receipt: wallet.Receipt{TxHash: "0xtx", Success: true}}
	channel := &mockChannel{connected: true}

	quotes := quote.NewEngine(registry, markets)
	indicator := liquidity.NewIndicator(markets, quotes, pool, channel, 5*time.Second, 20*time.Second)

	cfg := &config.Config{ChainID: testChainID}
	m := New(cfg, markets, pool, provider, channel, indicator)
	m.ctx = context.Background()
	return m, provider, channel, pool
}

func matchFor(orderID uint64, nonce uint64) venue.UserOrderMatch {
	return venue.UserOrderMatch{
		ChainID: testChainID,
		OrderID: orderID,
		CounterOrder: venue.SignedOrder{
			User:      "0x00000000000000000000000000000000000000CP",
			SellToken: "0x0000000000000000000000000000000000000002",
			BuyToken:  "0x0000000000000000000000000000000000000003",
			Nonce:     nonce,
		},
	}
}

func TestDispatch_LocksWalletAndSendsFillRequest(t *testing.T) {
	m, _, channel, pool := testMaker(t)

	if err := m.Dispatch("A", sellEntry()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	w, _ := pool.Get("A")
	if !w.IsBroadcasting() {
		t.Fatalf("wallet should hold the broadcast lock")
	}
	if len(channel.fillRequests) != 1 || channel.fillRequests[0] != 42 {
		t.Fatalf("expected fillrequest for order 42, got %v", channel.fillRequests)
	}
	if _, ok := m.pending[42]; !ok {
		t.Fatalf("expected a pending record for order 42")
	}
}

func TestDispatch_RefusedWhenWalletBusy(t *testing.T) {
	m, _, channel, pool := testMaker(t)
	w, _ := pool.Get("A")
	if err := w.BeginBroadcast(); err != nil {
		t.Fatalf("begin broadcast: %v", err)
	}

	err := m.Dispatch("A", sellEntry())
	if !errors.Is(err, wallet.ErrAlreadyBroadcasting) {
		t.Fatalf("expected ErrAlreadyBroadcasting, got %v", err)
	}
	if len(channel.fillRequests) != 0 || len(m.pending) != 0 {
		t.Fatalf("refused dispatch must leave no trace")
	}
}

func TestSettle_SuccessCommitsNonceAndBalance(t *testing.T) {
	m, provider, channel, pool := testMaker(t)
	if err := m.Dispatch("A", sellEntry()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w, _ := pool.Get("A")
	p := m.pending[42]

	m.settle(p, w, matchFor(42, 5))

	if provider.settleCalls != 1 {
		t.Fatalf("expected one settlement, got %d", provider.settleCalls)
	}
	if err := w.CheckNonce("0x00000000000000000000000000000000000000CP", 5); !errors.Is(err, wallet.ErrStaleNonce) {
		t.Fatalf("nonce 5 should be committed, got %v", err)
	}
	// 500 USDC sold (plus the 1bp margin), 1 ETH bought (minus the margin).
	if got := w.CommittedBalance("USDC"); got.Cmp(big.NewInt(500_000_000)) >= 0 {
		t.Fatalf("USDC should drop below 500e6, got %s", got)
	}
	if got := w.CommittedBalance("ETH"); got.Sign() <= 0 {
		t.Fatalf("ETH should be credited, got %s", got)
	}
	if w.IsBroadcasting() {
		t.Fatalf("lock should be released after settlement")
	}
	if len(m.pending) != 0 {
		t.Fatalf("pending record should be retired")
	}
	if len(channel.statuses) != 1 || channel.statuses[0].status != statusFilled || channel.statuses[0].detail != "0xtx" {
		t.Fatalf("expected filled status with tx hash, got %v", channel.statuses)
	}
	if _, ok := m.past.Get(42); !ok {
		t.Fatalf("fill should be recorded in past fills")
	}
}

func TestSettle_FailureReleasesWithoutUpdates(t *testing.T) {
	m, provider, channel, pool := testMaker(t)
	provider.receipt = wallet.Receipt{Success: false, Error: "insufficient balance"}

	if err := m.Dispatch("A", sellEntry()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w, _ := pool.Get("A")
	before := w.CommittedBalance("USDC")

	m.settle(m.pending[42], w, matchFor(42, 5))

	if err := w.CheckNonce("0x00000000000000000000000000000000000000CP", 5); err != nil {
		t.Fatalf("failed settlement must not commit the nonce: %v", err)
	}
	if got := w.CommittedBalance("USDC"); got.Cmp(before) != 0 {
		t.Fatalf("failed settlement must not touch balances: %s vs %s", got, before)
	}
	if w.IsBroadcasting() {
		t.Fatalf("lock must be released on failure")
	}
	if len(channel.statuses) != 1 || channel.statuses[0].status != statusRejected {
		t.Fatalf("expected rejected status, got %v", channel.statuses)
	}
}

func TestHandleMatch_StaleNonceRejectedWithoutSettlement(t *testing.T) {
	m, provider, channel, pool := testMaker(t)
	if err := m.Dispatch("A", sellEntry()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w, _ := pool.Get("A")
	w.CommitNonce("0x00000000000000000000000000000000000000CP", 5)

	m.HandleMatch(matchFor(42, 5))

	if provider.settleCalls != 0 {
		t.Fatalf("stale nonce must be rejected locally, settlement was called")
	}
	if len(channel.statuses) != 1 || channel.statuses[0].status != statusRejected {
		t.Fatalf("expected rejected status, got %v", channel.statuses)
	}
	if w.IsBroadcasting() {
		t.Fatalf("lock must be released")
	}
}

func TestHandleMatch_UnknownOrderIgnored(t *testing.T) {
	m, provider, _, _ := testMaker(t)

	m.HandleMatch(matchFor(999, 1))

	if provider.settleCalls != 0 {
		t.Fatalf("unknown match must not settle")
	}
}

func TestTimeout_ReleasesLockButLateResponseStillApplies(t *testing.T) {
	m, _, _, pool := testMaker(t)
	if err := m.Dispatch("A", sellEntry()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w, _ := pool.Get("A")

	m.onTimeout(42)

	if w.IsBroadcasting() {
		t.Fatalf("timeout must release the lock")
	}
	p, ok := m.pending[42]
	if !ok {
		t.Fatalf("record must survive the timeout for the late response")
	}

	// The wallet moved on to another broadcast; the late response must apply
	// nonce and balance but must not re-lock or unlock.
	if err := w.BeginBroadcast(); err != nil {
		t.Fatalf("wallet should be reusable after timeout: %v", err)
	}
	m.settle(p, w, matchFor(42, 5))

	if err := w.CheckNonce("0x00000000000000000000000000000000000000CP", 5); !errors.Is(err, wallet.ErrStaleNonce) {
		t.Fatalf("late response should still commit the nonce")
	}
	if !w.IsBroadcasting() {
		t.Fatalf("late response must not release the new broadcast's lock")
	}
}

func TestDispatch_TimerArmedWithPendingRecord(t *testing.T) {
	m, _, _, _ := testMaker(t)
	if err := m.Dispatch("A", sellEntry()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	m.mu.Lock()
	p := m.pending[42]
	m.mu.Unlock()
	if p == nil || p.timer == nil {
		t.Fatalf("safety timer must be armed by the time the record is visible")
	}
	p.timer.Stop()
}

func TestFailPending_StaleSettleCannotReleaseNewLock(t *testing.T) {
	m, _, _, pool := testMaker(t)
	if err := m.Dispatch("A", sellEntry()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w, _ := pool.Get("A")
	p := m.pending[42]

	m.FailPending("venue connection lost")

	// The wallet starts a fresh broadcast while the failed attempt's settle
	// call is still in flight; its late resolution must not touch the lock.
	if err := w.BeginBroadcast(); err != nil {
		t.Fatalf("wallet should be reusable after the failure: %v", err)
	}
	m.settle(p, w, matchFor(42, 5))

	if !w.IsBroadcasting() {
		t.Fatalf("stale settle released the new broadcast's lock")
	}
}

func TestFailPending_ReleasesEverything(t *testing.T) {
	m, _, _, pool := testMaker(t)
	if err := m.Dispatch("A", sellEntry()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w, _ := pool.Get("A")

	m.FailPending("venue connection lost")

	if w.IsBroadcasting() {
		t.Fatalf("disconnect must release broadcast locks")
	}
	if len(m.pending) != 0 {
		t.Fatalf("disconnect must drop pending records")
	}
}

func TestBuildPending_DustClampCommitsFullBalance(t *testing.T) {
	m, _, _, pool := testMaker(t)
	w, _ := pool.Get("A")
	// Balance barely above the committed sell amount: within 0.1%.
	w.SetBalances(map[string]*big.Int{"USDC": big.NewInt(500_100_000)})

	v, _ := m.markets.View("ETH-USDC")
	p, err := m.buildPending(w, v, sellEntry())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if p.sellAmount.Cmp(big.NewInt(500_100_000)) != 0 {
		t.Fatalf("expected full balance committed, got %s", p.sellAmount)
	}
}

func TestSelectFeeToken_PrefersConfiguredThenCounterpartySellToken(t *testing.T) {
	m, _, _, _ := testMaker(t)
	p := &pendingFill{marketID: "ETH-USDC"}

	// Counterparty sells USDC, which is fee-eligible.
	counter := venue.SignedOrder{SellToken: "0x0000000000000000000000000000000000000003"}
	if got := m.selectFeeToken(p, counter); got != "USDC" {
		t.Fatalf("expected USDC, got %q", got)
	}

	// Sticky thereafter, regardless of the next counterparty.
	counter.SellToken = "0x0000000000000000000000000000000000000002"
	if got := m.selectFeeToken(p, counter); got != "USDC" {
		t.Fatalf("fee token should be sticky, got %q", got)
	}

	m.feeToken = "FRAX"
	if got := m.selectFeeToken(p, counter); got != "FRAX" {
		t.Fatalf("configured fee token wins, got %q", got)
	}
}
