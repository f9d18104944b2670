package revenue

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Venue is one constant-product pair factory the normalizer may route
// through.
type Venue struct {
	Name    string
	Factory common.Address
	FeeBps  int64
}

// StaticCaller is the read surface quotes are computed against. A harness
// fork satisfies it, so quoting sees the same chain state the exploit ran on.
type StaticCaller interface {
	StaticCall(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

const v2ABIJSON = `[
	{"inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"name":"getPair","outputs":[{"name":"pair","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// Quote is one single-hop conversion estimate.
type Quote struct {
	AmountOut   *big.Int
	PriceImpact float64
}

// Quoter prices single swaps against v2-style pair reserves.
type Quoter struct {
	caller StaticCaller
	v2ABI  abi.ABI
}

// NewQuoter builds a quoter over the given read surface.
func NewQuoter(caller StaticCaller) (*Quoter, error) {
	parsed, err := abi.JSON(strings.NewReader(v2ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse v2 ABI: %w", err)
	}
	return &Quoter{caller: caller, v2ABI: parsed}, nil
}

// QuoteSwap prices amountIn of tokenIn against the venue's tokenIn/tokenOut
// pair. ok is false when the venue has no such pair or the pair is empty.
func (q *Quoter) QuoteSwap(ctx context.Context, venue Venue, tokenIn, tokenOut common.Address, amountIn *big.Int) (*Quote, bool, error) {
	pair, ok, err := q.pairFor(ctx, venue, tokenIn, tokenOut)
	if err != nil || !ok {
		return nil, false, err
	}

	reserveIn, reserveOut, err := q.reserves(ctx, pair, tokenIn)
	if err != nil {
		return nil, false, err
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, false, nil
	}

	amountOut := constantProductOut(amountIn, reserveIn, reserveOut, venue.FeeBps)
	if amountOut.Sign() == 0 {
		return nil, false, nil
	}

	return &Quote{
		AmountOut:   amountOut,
		PriceImpact: priceImpact(amountIn, amountOut, reserveIn, reserveOut, venue.FeeBps),
	}, true, nil
}

func (q *Quoter) pairFor(ctx context.Context, venue Venue, tokenA, tokenB common.Address) (common.Address, bool, error) {
	input, err := q.v2ABI.Pack("getPair", tokenA, tokenB)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("pack getPair: %w", err)
	}
	out, err := q.caller.StaticCall(ctx, venue.Factory, input)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("getPair on %s: %w", venue.Name, err)
	}
	values, err := q.v2ABI.Unpack("getPair", out)
	if err != nil || len(values) != 1 {
		return common.Address{}, false, fmt.Errorf("unpack getPair on %s: %v", venue.Name, err)
	}
	pair, ok := values[0].(common.Address)
	if !ok || pair == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return pair, true, nil
}

// reserves returns the pair reserves oriented as (in, out) for tokenIn.
func (q *Quoter) reserves(ctx context.Context, pair, tokenIn common.Address) (*big.Int, *big.Int, error) {
	input, err := q.v2ABI.Pack("getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("pack getReserves: %w", err)
	}
	out, err := q.caller.StaticCall(ctx, pair, input)
	if err != nil {
		return nil, nil, fmt.Errorf("getReserves on %s: %w", pair.Hex(), err)
	}
	values, err := q.v2ABI.Unpack("getReserves", out)
	if err != nil || len(values) < 2 {
		return nil, nil, fmt.Errorf("unpack getReserves on %s: %v", pair.Hex(), err)
	}
	reserve0, ok0 := values[0].(*big.Int)
	reserve1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("malformed reserves on %s", pair.Hex())
	}

	token0, err := q.token0(ctx, pair)
	if err != nil {
		return nil, nil, err
	}
	if token0 == tokenIn {
		return reserve0, reserve1, nil
	}
	return reserve1, reserve0, nil
}

func (q *Quoter) token0(ctx context.Context, pair common.Address) (common.Address, error) {
	input, err := q.v2ABI.Pack("token0")
	if err != nil {
		return common.Address{}, fmt.Errorf("pack token0: %w", err)
	}
	out, err := q.caller.StaticCall(ctx, pair, input)
	if err != nil {
		return common.Address{}, fmt.Errorf("token0 on %s: %w", pair.Hex(), err)
	}
	values, err := q.v2ABI.Unpack("token0", out)
	if err != nil || len(values) != 1 {
		return common.Address{}, fmt.Errorf("unpack token0 on %s: %v", pair.Hex(), err)
	}
	token, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("token0 on %s is not an address", pair.Hex())
	}
	return token, nil
}

// constantProductOut applies the x*y=k swap formula with the venue fee taken
// from the input side.
func constantProductOut(amountIn, reserveIn, reserveOut *big.Int, feeBps int64) *big.Int {
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(10_000-feeBps))
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(10_000))
	denominator.Add(denominator, inWithFee)
	return numerator.Div(numerator, denominator)
}

// priceImpact measures how far the realized rate falls below the spot rate
// net of fees: 0 for an infinitesimal trade, approaching 1 as the trade
// drains the pool.
func priceImpact(amountIn, amountOut, reserveIn, reserveOut *big.Int, feeBps int64) float64 {
	ideal := new(big.Float).Quo(new(big.Float).SetInt(reserveOut), new(big.Float).SetInt(reserveIn))
	ideal.Mul(ideal, new(big.Float).SetInt(amountIn))
	ideal.Mul(ideal, big.NewFloat(float64(10_000-feeBps)/10_000))

	idealVal, _ := ideal.Float64()
	if idealVal <= 0 {
		return 1
	}
	actual, _ := new(big.Float).SetInt(amountOut).Float64()
	impact := 1 - actual/idealVal
	if impact < 0 {
		return 0
	}
	return impact
}
