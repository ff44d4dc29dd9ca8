package feed

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller is the slice of ethclient.Client the oracle sources need.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const aggregatorABIJSON = `[
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"name":"roundId","type":"uint80"},
    {"name":"answer","type":"int256"},
    {"name":"startedAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},
    {"name":"answeredInRound","type":"uint80"}],
   "stateMutability":"view","type":"function"},
  {"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],
   "stateMutability":"view","type":"function"}
]`

var aggregatorABI = mustABI(aggregatorABIJSON)

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainlinkSource reads a Chainlink price aggregator on a polling interval.
type ChainlinkSource struct {
	caller ContractCaller
	addr   common.Address
	key    string

	// decimals is fetched once on the first refresh, then cached.
	decimals int
	haveDec  bool
}

// NewChainlinkSource builds a source for the aggregator at addrHex.
func NewChainlinkSource(caller ContractCaller, addrHex string) (*ChainlinkSource, error) {
	if !common.IsHexAddress(addrHex) {
		return nil, fmt.Errorf("%w: chainlink address %q", ErrBadFeedSpec, addrHex)
	}
	return &ChainlinkSource{
		caller: caller,
		addr:   common.HexToAddress(addrHex),
		key:    ProviderChainlink + ":" + strings.ToLower(addrHex),
	}, nil
}

// Key returns the registry key this source populates.
func (c *ChainlinkSource) Key() string { return c.key }

// Refresh reads latestRoundData and returns the price scaled by the
// aggregator's decimals.
func (c *ChainlinkSource) Refresh(ctx context.Context) (float64, error) {
	if !c.haveDec {
		dec, err := c.fetchDecimals(ctx)
		if err != nil {
			return 0, fmt.Errorf("chainlink %s decimals: %w", c.addr, err)
		}
		c.decimals = dec
		c.haveDec = true
	}

	out, err := c.call(ctx, "latestRoundData")
	if err != nil {
		return 0, fmt.Errorf("chainlink %s latestRoundData: %w", c.addr, err)
	}
	answer, ok := out[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return 0, fmt.Errorf("chainlink %s: non-positive answer", c.addr)
	}

	price, _ := new(big.Float).SetInt(answer).Float64()
	return price / math.Pow10(c.decimals), nil
}

func (c *ChainlinkSource) fetchDecimals(ctx context.Context) (int, error) {
	out, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out[0])
	}
	return int(dec), nil
}

func (c *ChainlinkSource) call(ctx context.Context, method string) ([]any, error) {
	data, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return aggregatorABI.Unpack(method, res)
}
