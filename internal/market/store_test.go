package market

import (
	"reflect"
	"testing"

	"github.com/tidemark-hq/tidemark/internal/config"
	"github.com/tidemark-hq/tidemark/internal/venue"
)

func testStore() *Store {
	return NewStore(map[string]config.Market{
		"ETH-USDC": {Active: true, Side: "both", MinSpread: 0.001, MaxSize: 10},
		"WBTC-USDC": {Active: true, Side: "buy", MinSpread: 0.002, MaxSize: 1},
	})
}

func TestIDs_Sorted(t *testing.T) {
	s := testStore()
	if got := s.IDs(); !reflect.DeepEqual(got, []string{"ETH-USDC", "WBTC-USDC"}) {
		t.Fatalf("expected sorted ids, got %v", got)
	}
}

func TestView_SideFlags(t *testing.T) {
	s := testStore()

	v, ok := s.View("ETH-USDC")
	if !ok || !v.QuotesBid || !v.QuotesAsk {
		t.Fatalf("both-sided market should quote bid and ask: %+v", v)
	}

	v, _ = s.View("WBTC-USDC")
	if !v.QuotesBid || v.QuotesAsk {
		t.Fatalf("buy-only market should quote bids only: %+v", v)
	}
}

func TestSetMeta_AliasResolution(t *testing.T) {
	s := testStore()
	s.SetMeta(venue.MarketMeta{ID: "ETH-USDC", Alias: "eth-usdc_v2"})

	id, ok := s.Resolve("eth-usdc_v2")
	if !ok || id != "ETH-USDC" {
		t.Fatalf("alias should resolve to ETH-USDC, got %q (ok=%v)", id, ok)
	}

	v, ok := s.View("eth-usdc_v2")
	if !ok || !v.HasMeta || v.ID != "ETH-USDC" {
		t.Fatalf("view through alias should carry meta: %+v", v)
	}
}

func TestSetMeta_LastWriteWins(t *testing.T) {
	s := testStore()
	s.SetMeta(venue.MarketMeta{ID: "ETH-USDC", BaseFee: 1})
	s.SetMeta(venue.MarketMeta{ID: "ETH-USDC", BaseFee: 2})

	v, _ := s.View("ETH-USDC")
	if v.Meta.BaseFee != 2 {
		t.Fatalf("expected last write (BaseFee 2), got %v", v.Meta.BaseFee)
	}
}

func TestOverrides_ComposeAndRevert(t *testing.T) {
	s := testStore()

	s.AddSpreadDelta("ETH-USDC", 0.004)
	s.AddSizeDelta("ETH-USDC", -4)
	v, _ := s.View("ETH-USDC")
	if v.Cfg.MinSpread != 0.005 {
		t.Fatalf("expected spread 0.005, got %v", v.Cfg.MinSpread)
	}
	if v.Cfg.MaxSize != 6 {
		t.Fatalf("expected max size 6, got %v", v.Cfg.MaxSize)
	}

	s.AddSpreadDelta("ETH-USDC", -0.004)
	s.AddSizeDelta("ETH-USDC", 4)
	v, _ = s.View("ETH-USDC")
	if v.Cfg.MinSpread != 0.001 || v.Cfg.MaxSize != 10 {
		t.Fatalf("overrides should revert cleanly: %+v", v.Cfg)
	}
}

func TestOverrides_SizeFloorsAtZero(t *testing.T) {
	s := testStore()
	s.AddSizeDelta("ETH-USDC", -100)

	v, _ := s.View("ETH-USDC")
	if v.Cfg.MaxSize != 0 {
		t.Fatalf("expected max size clamped to 0, got %v", v.Cfg.MaxSize)
	}
}

func TestSetInactive_Toggles(t *testing.T) {
	s := testStore()

	s.SetInactive("ETH-USDC", true)
	if v, _ := s.View("ETH-USDC"); v.Active {
		t.Fatalf("market should be inactive")
	}

	s.SetInactive("ETH-USDC", false)
	if v, _ := s.View("ETH-USDC"); !v.Active {
		t.Fatalf("market should be active again")
	}
}
