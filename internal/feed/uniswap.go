package feed

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

const poolABIJSON = `[
  {"inputs":[],"name":"slot0","outputs":[
    {"name":"sqrtPriceX96","type":"uint160"},
    {"name":"tick","type":"int24"},
    {"name":"observationIndex","type":"uint16"},
    {"name":"observationCardinality","type":"uint16"},
    {"name":"observationCardinalityNext","type":"uint16"},
    {"name":"feeProtocol","type":"uint8"},
    {"name":"unlocked","type":"bool"}],
   "stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],
   "stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],
   "stateMutability":"view","type":"function"}
]`

const erc20ABIJSON = `[
  {"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],
   "stateMutability":"view","type":"function"}
]`

var (
	poolABI  = mustABI(poolABIJSON)
	erc20ABI = mustABI(erc20ABIJSON)

	q192 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 192))
)

// UniswapV3Source derives a spot price from a Uniswap v3 pool's slot0.
// Token ordering and decimals are discovered on the first refresh.
type UniswapV3Source struct {
	caller ContractCaller
	pool   common.Address
	key    string

	// decimalsRatio = 10^(token0Decimals - token1Decimals), cached after setup.
	decimalsRatio *big.Float
}

// NewUniswapV3Source builds a source for the pool at addrHex.
func NewUniswapV3Source(caller ContractCaller, addrHex string) (*UniswapV3Source, error) {
	if !common.IsHexAddress(addrHex) {
		return nil, fmt.Errorf("%w: uniswapv3 pool %q", ErrBadFeedSpec, addrHex)
	}
	return &UniswapV3Source{
		caller: caller,
		pool:   common.HexToAddress(addrHex),
		key:    ProviderUniswapV3 + ":" + strings.ToLower(addrHex),
	}, nil
}

// Key returns the registry key this source populates.
func (u *UniswapV3Source) Key() string { return u.key }

// Refresh reads slot0 and converts sqrtPriceX96 to a token1-per-token0 price:
// price = sqrtPriceX96^2 * 10^(dec0-dec1) / 2^192.
func (u *UniswapV3Source) Refresh(ctx context.Context) (float64, error) {
	if u.decimalsRatio == nil {
		if err := u.setup(ctx); err != nil {
			return 0, fmt.Errorf("uniswapv3 %s setup: %w", u.pool, err)
		}
	}

	data, err := poolABI.Pack("slot0")
	if err != nil {
		return 0, err
	}
	res, err := u.caller.CallContract(ctx, ethereum.CallMsg{To: &u.pool, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("uniswapv3 %s slot0: %w", u.pool, err)
	}
	out, err := poolABI.Unpack("slot0", res)
	if err != nil {
		return 0, fmt.Errorf("uniswapv3 %s slot0 decode: %w", u.pool, err)
	}
	sqrtPriceX96, ok := out[0].(*big.Int)
	if !ok || sqrtPriceX96.Sign() <= 0 {
		return 0, fmt.Errorf("uniswapv3 %s: non-positive sqrtPriceX96", u.pool)
	}

	sq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	price := new(big.Float).SetInt(sq)
	price.Mul(price, u.decimalsRatio)
	price.Quo(price, q192)

	f, _ := price.Float64()
	if f <= 0 {
		return 0, fmt.Errorf("uniswapv3 %s: non-positive price", u.pool)
	}
	return f, nil
}

func (u *UniswapV3Source) setup(ctx context.Context) error {
	token0, err := u.poolAddress(ctx, "token0")
	if err != nil {
		return err
	}
	token1, err := u.poolAddress(ctx, "token1")
	if err != nil {
		return err
	}
	dec0, err := u.tokenDecimals(ctx, token0)
	if err != nil {
		return err
	}
	dec1, err := u.tokenDecimals(ctx, token1)
	if err != nil {
		return err
	}

	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(absInt(dec0-dec1))), nil)
	ratio := new(big.Float).SetInt(exp)
	if dec0 < dec1 {
		ratio.Quo(big.NewFloat(1), ratio)
	}
	u.decimalsRatio = ratio
	return nil
}

func (u *UniswapV3Source) poolAddress(ctx context.Context, method string) (common.Address, error) {
	data, err := poolABI.Pack(method)
	if err != nil {
		return common.Address{}, err
	}
	res, err := u.caller.CallContract(ctx, ethereum.CallMsg{To: &u.pool, Data: data}, nil)
	if err != nil {
		return common.Address{}, err
	}
	out, err := poolABI.Unpack(method, res)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s type %T", method, out[0])
	}
	return addr, nil
}

func (u *UniswapV3Source) tokenDecimals(ctx context.Context, token common.Address) (int, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := u.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, err
	}
	out, err := erc20ABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out[0])
	}
	return int(dec), nil
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
