package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tidemark-hq/tidemark/internal/config"
	"github.com/tidemark-hq/tidemark/internal/feed"
	"github.com/tidemark-hq/tidemark/internal/fill"
	"github.com/tidemark-hq/tidemark/internal/keystore"
	"github.com/tidemark-hq/tidemark/internal/liquidity"
	"github.com/tidemark-hq/tidemark/internal/maker"
	"github.com/tidemark-hq/tidemark/internal/market"
	"github.com/tidemark-hq/tidemark/internal/quote"
	"github.com/tidemark-hq/tidemark/internal/settlement"
	"github.com/tidemark-hq/tidemark/internal/venue"
	"github.com/tidemark-hq/tidemark/internal/wallet"
)

func main() {
	// Wipe all enclave-backed key material on exit, however we exit.
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Markets) == 0 || len(cfg.Wallets) == 0 {
		fmt.Fprintln(os.Stderr, "no markets or wallets configured")
		os.Exit(1)
	}

	log.Printf("tidemark starting (env=%s chain=%d markets=%d wallets=%d)",
		cfg.Env, cfg.ChainID, len(cfg.Markets), len(cfg.Wallets))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider := settlement.NewClient(cfg.Venue.SettleURL, 30*time.Second)
	pool, err := buildWallets(ctx, cfg, provider)
	if err != nil {
		log.Fatalf("wallet setup: %v", err)
	}

	registry := feed.NewRegistry()
	poller, stream, err := buildFeeds(cfg, registry)
	if err != nil {
		log.Fatalf("feed setup: %v", err)
	}

	markets := market.NewStore(cfg.Markets)
	quotes := quote.NewEngine(registry, markets)

	channel := venue.NewClient(cfg.Venue.WSURL, cfg.ChainID, markets.IDs())
	indicator := liquidity.NewIndicator(markets, quotes, pool, channel,
		time.Duration(cfg.Maker.IndicateIntervalSec)*time.Second,
		time.Duration(cfg.Maker.OrderExpirySec)*time.Second)

	mk := maker.New(cfg, markets, pool, provider, channel, indicator)
	eval := fill.NewEvaluator(cfg.ChainID, markets, quotes, pool)
	sched := fill.NewScheduler(eval, pool, mk.Dispatch)
	mk.BindScheduler(sched)

	channel.OnReconnect(func() {
		mk.FailPending("venue connection lost")
		indicator.IndicateAll()
	})

	if poller != nil {
		poller.Prime(ctx)
		go poller.Run(ctx)
	}
	if stream != nil {
		if err := stream.Run(ctx); err != nil {
			log.Fatalf("feed stream: %v", err)
		}
	}

	if err := channel.Connect(ctx); err != nil {
		log.Fatalf("venue connect: %v", err)
	}
	defer channel.Close()

	go pool.RunRefresh(ctx, time.Duration(cfg.Maker.BalanceRefreshSec)*time.Second)
	go sched.Run(ctx)
	go indicator.Run(ctx)
	go mk.Run(ctx, channel.Inbound())

	select {
	case <-ctx.Done():
		log.Println("tidemark shutting down")
	case err := <-fatalFeeds(poller, stream):
		log.Fatalf("price oracle broken: %v", err)
	}
}

// buildWallets decrypts each configured key through KMS, seals it into a
// wallet, and loads the initial balance snapshot. A settlement provider that
// cannot serve account state at startup is fatal.
func buildWallets(ctx context.Context, cfg *config.Config, provider wallet.Provider) (*wallet.Pool, error) {
	ks, err := keystore.New(ctx, cfg.Keystore.AWSRegion, cfg.Keystore.LocalStackEndpoint)
	if err != nil {
		return nil, err
	}

	wallets := make([]*wallet.Wallet, 0, len(cfg.Wallets))
	for _, wk := range cfg.Wallets {
		keyBytes, err := ks.DecryptBase64(ctx, wk.KeyCiphertext)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: %w", wk.AccountID, err)
		}
		w, err := wallet.New(wk.AccountID, keyBytes)
		memguard.WipeBytes(keyBytes)
		if err != nil {
			return nil, err
		}

		state, err := provider.AccountState(ctx, wk.AccountID)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: initial account state: %w", wk.AccountID, err)
		}
		w.SetBalances(state)
		wallets = append(wallets, w)
		log.Printf("wallet %s ready (address %s)", wk.AccountID, w.Address())
	}
	return wallet.NewPool(provider, wallets...), nil
}

// buildFeeds registers every configured feed and constructs the adapters that
// populate them: one poller over all on-chain sources, one stream for the
// websocket oracle.
func buildFeeds(cfg *config.Config, registry *feed.Registry) (*feed.Poller, *feed.Stream, error) {
	var eth feed.ContractCaller
	sources := make(map[string]feed.PollSource)
	streamIDs := make(map[string]bool)

	for id, m := range cfg.Markets {
		for _, spec := range []string{m.PriceFeedPrimary, m.PriceFeedSecondary} {
			if spec == "" {
				continue
			}
			if err := registry.Register(spec); err != nil {
				return nil, nil, fmt.Errorf("market %s: %w", id, err)
			}
			provider, feedID, _ := feed.ParseSpec(spec)

			switch provider {
			case feed.ProviderChainlink, feed.ProviderUniswapV3:
				if eth == nil {
					client, err := ethclient.Dial(cfg.Oracle.EthRPC)
					if err != nil {
						return nil, nil, fmt.Errorf("eth rpc: %w", err)
					}
					eth = client
				}
				if _, ok := sources[spec]; ok {
					continue
				}
				var src feed.PollSource
				var err error
				if provider == feed.ProviderChainlink {
					src, err = feed.NewChainlinkSource(eth, feedID)
				} else {
					src, err = feed.NewUniswapV3Source(eth, feedID)
				}
				if err != nil {
					return nil, nil, fmt.Errorf("market %s: %w", id, err)
				}
				sources[spec] = src

			case feed.ProviderStream:
				streamIDs[feedID] = true
			}
		}
	}

	var poller *feed.Poller
	if len(sources) > 0 {
		all := make([]feed.PollSource, 0, len(sources))
		for _, src := range sources {
			all = append(all, src)
		}
		poller = feed.NewPoller(registry, all, time.Duration(cfg.Oracle.PollIntervalSec)*time.Second)
	}

	var stream *feed.Stream
	if len(streamIDs) > 0 {
		ids := make([]string, 0, len(streamIDs))
		for id := range streamIDs {
			ids = append(ids, id)
		}
		stream = feed.NewStream(registry, cfg.Oracle.StreamURL, ids)
		for id, m := range cfg.Markets {
			provider, feedID, _ := feed.ParseSpec(m.PriceFeedPrimary)
			if provider == feed.ProviderStream && m.InitPrice > 0 {
				stream.Seed(feedID, m.InitPrice)
				log.Printf("seeded %s from %s init price %g", m.PriceFeedPrimary, id, m.InitPrice)
			}
		}
	}
	return poller, stream, nil
}

// fatalFeeds merges the oracle fatal channels into one.
func fatalFeeds(poller *feed.Poller, stream *feed.Stream) <-chan error {
	out := make(chan error, 1)
	forward := func(ch <-chan error) {
		if err := <-ch; err != nil {
			select {
			case out <- err:
			default:
			}
		}
	}
	if poller != nil {
		go forward(poller.Fatal())
	}
	if stream != nil {
		go forward(stream.Fatal())
	}
	return out
}
