package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env     string
	ChainID uint64

	Venue    VenueConfig
	Oracle   OracleConfig
	Keystore KeystoreConfig
	Maker    MakerConfig

	// Markets and Wallets come from the markets file, not the environment.
	Markets map[string]Market
	Wallets []WalletKey
}

// VenueConfig holds the exchange connection settings.
type VenueConfig struct {
	WSURL       string `mapstructure:"ws_url"`
	SettleURL   string `mapstructure:"settle_url"`
	MarketsFile string `mapstructure:"markets_file"`
}

// OracleConfig holds on-chain and streaming price source settings.
type OracleConfig struct {
	EthRPC          string `mapstructure:"eth_rpc"`
	StreamURL       string `mapstructure:"stream_url"`
	PollIntervalSec int    `mapstructure:"poll_interval_sec"`
}

// KeystoreConfig holds KMS settings for wallet key decryption.
type KeystoreConfig struct {
	AWSRegion          string `mapstructure:"aws_region"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
}

// MakerConfig holds quoting and settlement behaviour knobs.
type MakerConfig struct {
	FeeToken            string `mapstructure:"fee_token"`
	BalanceRefreshSec   int    `mapstructure:"balance_refresh_sec"`
	IndicateIntervalSec int    `mapstructure:"indicate_interval_sec"`
	OrderExpirySec      int    `mapstructure:"order_expiry_sec"`
}

// WalletKey identifies one settlement wallet: the account id the venue knows
// it by, and the KMS-encrypted private key blob (base64).
type WalletKey struct {
	AccountID     string `mapstructure:"account_id"`
	KeyCiphertext string `mapstructure:"key_ciphertext"`
}

// Market is the static per-pair quoting configuration, keyed by BASE-QUOTE.
type Market struct {
	Active             bool    `mapstructure:"active"`
	Side               string  `mapstructure:"side"` // buy | sell | both
	Mode               string  `mapstructure:"mode"` // pricefeed | constant
	InitPrice          float64 `mapstructure:"init_price"`
	Invert             bool    `mapstructure:"invert"`
	MinSpread          float64 `mapstructure:"min_spread"`
	SlippageRate       float64 `mapstructure:"slippage_rate"`
	MinSize            float64 `mapstructure:"min_size"`
	MaxSize            float64 `mapstructure:"max_size"`
	NumOrdersIndicated int     `mapstructure:"num_orders_indicated"`
	PriceFeedPrimary   string  `mapstructure:"price_feed_primary"`
	PriceFeedSecondary string  `mapstructure:"price_feed_secondary"`

	PostFill *PostFill `mapstructure:"post_fill"`
}

// PostFill describes the transient perturbations applied after a fill at or
// above MinSizeTrigger. Every mutation self-reverts after its duration.
type PostFill struct {
	MinSizeTrigger float64 `mapstructure:"min_size_trigger"`
	DelaySec       int     `mapstructure:"delay_sec"` // deactivate, then reactivate
	SpreadBump     float64 `mapstructure:"spread_bump"`
	SpreadBumpSec  int     `mapstructure:"spread_bump_sec"`
	SizeBump       float64 `mapstructure:"size_bump"` // added to max_size, may be negative
	SizeBumpSec    int     `mapstructure:"size_bump_sec"`
}

// Load reads configuration from environment variables prefixed with TIDEMARK_,
// then loads the market/wallet file named by venue.markets_file (if any).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TIDEMARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("chain_id", 42161)

	v.SetDefault("venue.ws_url", "")
	v.SetDefault("venue.settle_url", "")
	v.SetDefault("venue.markets_file", "")

	v.SetDefault("oracle.eth_rpc", "")
	v.SetDefault("oracle.stream_url", "")
	v.SetDefault("oracle.poll_interval_sec", 30)

	v.SetDefault("keystore.aws_region", "us-east-1")
	v.SetDefault("keystore.localstack_endpoint", "")

	v.SetDefault("maker.fee_token", "")
	v.SetDefault("maker.balance_refresh_sec", 30)
	v.SetDefault("maker.indicate_interval_sec", 5)
	v.SetDefault("maker.order_expiry_sec", 20)

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.ChainID = v.GetUint64("chain_id")

	cfg.Venue = VenueConfig{
		WSURL:       v.GetString("venue.ws_url"),
		SettleURL:   v.GetString("venue.settle_url"),
		MarketsFile: v.GetString("venue.markets_file"),
	}

	cfg.Oracle = OracleConfig{
		EthRPC:          v.GetString("oracle.eth_rpc"),
		StreamURL:       v.GetString("oracle.stream_url"),
		PollIntervalSec: v.GetInt("oracle.poll_interval_sec"),
	}

	cfg.Keystore = KeystoreConfig{
		AWSRegion:          v.GetString("keystore.aws_region"),
		LocalStackEndpoint: v.GetString("keystore.localstack_endpoint"),
	}

	cfg.Maker = MakerConfig{
		FeeToken:            v.GetString("maker.fee_token"),
		BalanceRefreshSec:   v.GetInt("maker.balance_refresh_sec"),
		IndicateIntervalSec: v.GetInt("maker.indicate_interval_sec"),
		OrderExpirySec:      v.GetInt("maker.order_expiry_sec"),
	}

	if cfg.Venue.MarketsFile != "" {
		if err := loadMarketsFile(cfg, cfg.Venue.MarketsFile); err != nil {
			return nil, err
		}
	}

	for id, m := range cfg.Markets {
		if err := validateMarket(id, m); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadMarketsFile reads the per-pair and wallet configuration from a YAML or
// JSON file. Feed keys are lower-cased here so they match registry keys later.
func loadMarketsFile(cfg *Config, path string) error {
	mv := viper.New()
	mv.SetConfigFile(path)
	if err := mv.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read markets file %s: %w", path, err)
	}

	markets := make(map[string]Market)
	if err := mv.UnmarshalKey("pairs", &markets); err != nil {
		return fmt.Errorf("config: parse pairs: %w", err)
	}
	for id, m := range markets {
		markets[id] = Normalize(m)
	}
	cfg.Markets = markets

	var wallets []WalletKey
	if err := mv.UnmarshalKey("wallets", &wallets); err != nil {
		return fmt.Errorf("config: parse wallets: %w", err)
	}
	cfg.Wallets = wallets

	return nil
}

// Normalize fills market defaults and canonicalises feed keys. Constant-mode
// markets get a synthetic "constant:<price>" primary feed for backwards
// compatibility with the old init_price form.
func Normalize(m Market) Market {
	if m.Mode == "constant" && m.PriceFeedPrimary == "" {
		m.PriceFeedPrimary = fmt.Sprintf("constant:%g", m.InitPrice)
	}
	m.PriceFeedPrimary = strings.ToLower(m.PriceFeedPrimary)
	m.PriceFeedSecondary = strings.ToLower(m.PriceFeedSecondary)
	if m.Side == "" {
		m.Side = "both"
	}
	if m.NumOrdersIndicated <= 0 {
		m.NumOrdersIndicated = 1
	}
	return m
}

func validateMarket(id string, m Market) error {
	switch m.Side {
	case "buy", "sell", "both":
	default:
		return fmt.Errorf("config: market %s: invalid side %q", id, m.Side)
	}
	switch m.Mode {
	case "", "pricefeed", "constant":
	default:
		return fmt.Errorf("config: market %s: invalid mode %q", id, m.Mode)
	}
	if m.MinSize < 0 || m.MaxSize < 0 || m.MinSize > m.MaxSize {
		return fmt.Errorf("config: market %s: invalid size bounds [%g, %g]", id, m.MinSize, m.MaxSize)
	}
	if m.Mode != "constant" && m.PriceFeedPrimary == "" {
		return fmt.Errorf("config: market %s: no primary price feed", id)
	}
	return nil
}
