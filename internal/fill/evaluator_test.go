package fill

import (
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tidemark-hq/tidemark/internal/config"
	"github.com/tidemark-hq/tidemark/internal/feed"
	"github.com/tidemark-hq/tidemark/internal/market"
	"github.com/tidemark-hq/tidemark/internal/quote"
	"github.com/tidemark-hq/tidemark/internal/venue"
	"github.com/tidemark-hq/tidemark/internal/wallet"
)

const testChainID = 42161

func newTestWallet(t *testing.T, id string, usdcMinor int64) *wallet.Wallet {
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

func testMeta() venue.MarketMeta {
	return venue.MarketMeta{
		ID:         "ETH-USDC",
		Alias:      "eth-usdc",
		BaseAsset:  venue.Asset{Address: "0x0000000000000000000000000000000000000002", Symbol: "ETH", Decimals: 18},
		QuoteAsset: venue.Asset{Address: "0x0000000000000000000000000000000000000003", Symbol: "USDC", Decimals: 6},
	}
}

// testEvaluator wires a single ETH-USDC market at a constant mid of 500 with
// wallets A (1000 USDC) and B (0 USDC).
func testEvaluator(t *testing.T, cfg config.Market, withMeta bool) (*Evaluator, *wallet.Pool) {
	t.Helper()
	registry := feed.NewRegistry()
	if cfg.PriceFeedPrimary != "" {
		if err := registry.Register(cfg.PriceFeedPrimary); err != nil {
			t.Fatalf("register feed: %v", err)
		}
	}
	markets := market.NewStore(map[string]config.Market{"ETH-USDC": cfg})
	if withMeta {
		markets.SetMeta(testMeta())
	}

	pool := wallet.NewPool(nil,
		newTestWallet(t, "A", 1_000_000_000), // 1000 USDC
		newTestWallet(t, "B", 0),
	)
	eval := NewEvaluator(testChainID, markets, quote.NewEngine(registry, markets), pool)
	return eval, pool
}

func activeMarket() config.Market {
	return config.Market{
		Active:           true,
		Side:             "both",
		MinSpread:        0,
		MinSize:          0.1,
		MaxSize:          10,
		PriceFeedPrimary: "constant:500",
	}
}

func takerSell(qty, limit float64) venue.OrderTuple {
	return venue.OrderTuple{
		ChainID:  testChainID,
		OrderID:  7,
		MarketID: "ETH-USDC",
		Side:     venue.SideSell,
		Price:    limit,
		BaseQty:  qty,
		QuoteQty: qty * limit,
		Expiry:   time.Now().Add(time.Minute).Unix(),
	}
}

func TestClassify_Fillable(t *testing.T) {
	eval, _ := testEvaluator(t, activeMarket(), true)

	// Taker sells 1 ETH at 490, below our 500 bid: wallet A sells ~500 USDC.
	res := eval.Classify(takerSell(1, 490))
	if res.Kind != Fillable {
		t.Fatalf("expected Fillable, got %v (%s)", res.Kind, res.Reason)
	}
	if !reflect.DeepEqual(res.Eligible, []string{"A"}) {
		t.Fatalf("expected eligible [A], got %v", res.Eligible)
	}
}

func TestClassify_BadChain(t *testing.T) {
	eval, _ := testEvaluator(t, activeMarket(), true)
	order := takerSell(1, 490)
	order.ChainID = 1

	if res := eval.Classify(order); res.Kind != Rejected || res.Reason != ReasonBadChain {
		t.Fatalf("expected Rejected/badchain, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_BadMarket(t *testing.T) {
	eval, _ := testEvaluator(t, activeMarket(), true)
	order := takerSell(1, 490)
	order.MarketID = "NO-SUCH"

	if res := eval.Classify(order); res.Kind != Rejected || res.Reason != ReasonBadMarket {
		t.Fatalf("expected Rejected/badmarket, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_InactiveMarket(t *testing.T) {
	cfg := activeMarket()
	cfg.Active = false
	eval, _ := testEvaluator(t, cfg, true)

	if res := eval.Classify(takerSell(1, 490)); res.Kind != Rejected || res.Reason != ReasonInactiveMarket {
		t.Fatalf("expected Rejected/inactivemarket, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_ExpiredRegardlessOfOtherFields(t *testing.T) {
	eval, _ := testEvaluator(t, activeMarket(), true)
	order := takerSell(1, 490)
	order.Expiry = time.Now().Add(-time.Second).Unix()

	if res := eval.Classify(order); res.Kind != Rejected || res.Reason != ReasonExpired {
		t.Fatalf("expected Rejected/expired, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_BadSide(t *testing.T) {
	// A sell-only maker quotes asks; a taker sell needs our bid.
	cfg := activeMarket()
	cfg.Side = "sell"
	eval, _ := testEvaluator(t, cfg, true)

	if res := eval.Classify(takerSell(1, 490)); res.Kind != Rejected || res.Reason != ReasonBadSide {
		t.Fatalf("expected Rejected/badside, got %v/%s", res.Kind, res.Reason)
	}

	order := takerSell(1, 490)
	order.Side = "d"
	if res := eval.Classify(order); res.Kind != Rejected || res.Reason != ReasonBadSide {
		t.Fatalf("expected Rejected/badside for side d, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_BadSize(t *testing.T) {
	eval, _ := testEvaluator(t, activeMarket(), true)

	for _, qty := range []float64{0.01, 11} {
		order := takerSell(qty, 490)
		if res := eval.Classify(order); res.Kind != Rejected || res.Reason != ReasonBadSize {
			t.Fatalf("qty %v: expected Rejected/badsize, got %v/%s", qty, res.Kind, res.Reason)
		}
	}
}

func TestClassify_BadPriceIsRetryable(t *testing.T) {
	eval, _ := testEvaluator(t, activeMarket(), true)

	// Taker wants at least 510 for a sell; our bid is 500. Hold, not drop.
	if res := eval.Classify(takerSell(1, 510)); res.Kind != Retryable || res.Reason != ReasonBadPrice {
		t.Fatalf("expected Retryable/badprice, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_NoMarketInfoIsRetryable(t *testing.T) {
	eval, _ := testEvaluator(t, activeMarket(), false)

	if res := eval.Classify(takerSell(1, 490)); res.Kind != Retryable || res.Reason != ReasonNoMarketInfo {
		t.Fatalf("expected Retryable/nomarketinfo, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_NoFundsAnywhereIsRejected(t *testing.T) {
	eval, pool := testEvaluator(t, activeMarket(), true)
	for _, id := range pool.IDs() {
		w, _ := pool.Get(id)
		w.SetBalances(map[string]*big.Int{"USDC": big.NewInt(0)})
	}

	if res := eval.Classify(takerSell(1, 490)); res.Kind != Rejected || res.Reason != ReasonBadBalance {
		t.Fatalf("expected Rejected/badbalance, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_FundedButBusyIsRetryable(t *testing.T) {
	eval, pool := testEvaluator(t, activeMarket(), true)
	w, _ := pool.Get("A")
	if err := w.BeginBroadcast(); err != nil {
		t.Fatalf("begin broadcast: %v", err)
	}

	if res := eval.Classify(takerSell(1, 490)); res.Kind != Retryable || res.Reason != ReasonSendingAlready {
		t.Fatalf("expected Retryable/sendingorderalready, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_FeedFailurePropagates(t *testing.T) {
	cfg := activeMarket()
	cfg.PriceFeedPrimary = "chainlink:0xabc"
	eval, _ := testEvaluator(t, cfg, true)

	if res := eval.Classify(takerSell(1, 490)); res.Kind != Rejected || res.Reason != ReasonPrimaryUnavailable {
		t.Fatalf("expected Rejected/primaryunavailable, got %v/%s", res.Kind, res.Reason)
	}
}

func TestClassify_IsPure(t *testing.T) {
	eval, _ := testEvaluator(t, activeMarket(), true)
	order := takerSell(1, 490)

	first := eval.Classify(order)
	second := eval.Classify(order)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("classify not pure: %+v vs %+v", first, second)
	}
}

func TestToMinor_FromMinorRoundTrip(t *testing.T) {
	x := ToMinor(1.5, 6)
	if x.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("expected 1500000, got %s", x)
	}
	if got := FromMinor(x, 6); got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
	if got := ToMinor(-1, 6); got.Sign() != 0 {
		t.Fatalf("negative amounts clamp to zero, got %s", got)
	}
}
