package revenue

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	assetB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	assetC = common.HexToAddress("0x00000000000000000000000000000000000000c3")

	uniVenue   = Venue{Name: "uniswap-v2", Factory: common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"), FeeBps: 30}
	sushiVenue = Venue{Name: "sushiswap", Factory: common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"), FeeBps: 30}
)

func noiselessLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type quoteKey struct {
	venue string
	in    common.Address
	out   common.Address
}

type fakeQuoter struct {
	quotes map[quoteKey]*Quote
}

func (f *fakeQuoter) QuoteSwap(_ context.Context, venue Venue, in, out common.Address, _ *big.Int) (*Quote, bool, error) {
	quote, ok := f.quotes[quoteKey{venue.Name, in, out}]
	if !ok {
		return nil, false, nil
	}
	return quote, true, nil
}

func newFinder(quoter SwapQuoter, toleranceBps int64) *PathFinder {
	return NewPathFinder(quoter, []Venue{uniVenue, sushiVenue}, []common.Address{usdc}, weth, 0.05, toleranceBps, noiselessLogger())
}

func TestBestPathIdentityForReference(t *testing.T) {
	finder := newFinder(&fakeQuoter{}, 100)
	path, err := finder.BestPath(context.Background(), weth, big.NewInt(777))
	require.NoError(t, err)
	assert.Empty(t, path.Hops)
	assert.Equal(t, big.NewInt(777), path.Quoted)
}

func TestBestPathPrefersDirectWithinTolerance(t *testing.T) {
	quoter := &fakeQuoter{quotes: map[quoteKey]*Quote{
		{"uniswap-v2", assetA, weth}: {AmountOut: big.NewInt(990), PriceImpact: 0.01},
		{"uniswap-v2", assetA, usdc}: {AmountOut: big.NewInt(5000), PriceImpact: 0.01},
		{"sushiswap", usdc, weth}:    {AmountOut: big.NewInt(1000), PriceImpact: 0.01},
	}}

	// 200 bps tolerance: direct 990 vs multi 1000, floor 980, direct wins.
	path, err := newFinder(quoter, 200).BestPath(context.Background(), assetA, big.NewInt(100))
	require.NoError(t, err)
	require.Len(t, path.Hops, 1)
	assert.Equal(t, big.NewInt(990), path.Quoted)

	// 50 bps tolerance: floor 995, the multi-hop output stands.
	path, err = newFinder(quoter, 50).BestPath(context.Background(), assetA, big.NewInt(100))
	require.NoError(t, err)
	require.Len(t, path.Hops, 2)
	assert.Equal(t, big.NewInt(1000), path.Quoted)
	assert.Equal(t, "uniswap-v2", path.Hops[0].Venue)
	assert.Equal(t, "sushiswap", path.Hops[1].Venue)
}

func TestBestPathFiltersExcessiveImpact(t *testing.T) {
	quoter := &fakeQuoter{quotes: map[quoteKey]*Quote{
		{"uniswap-v2", assetA, weth}: {AmountOut: big.NewInt(10_000), PriceImpact: 0.30},
		{"sushiswap", assetA, weth}:  {AmountOut: big.NewInt(400), PriceImpact: 0.02},
	}}

	path, err := newFinder(quoter, 100).BestPath(context.Background(), assetA, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(400), path.Quoted, "the larger quote breaches the impact bound and must lose")
}

func TestBestPathNotFound(t *testing.T) {
	_, err := newFinder(&fakeQuoter{}, 100).BestPath(context.Background(), assetA, big.NewInt(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathNotFound))
}

type fakeSearcher struct {
	paths map[common.Address]*SwapPath
	errs  map[common.Address]error
}

func (f *fakeSearcher) BestPath(_ context.Context, asset common.Address, _ *big.Int) (*SwapPath, error) {
	if err, ok := f.errs[asset]; ok {
		return nil, err
	}
	if path, ok := f.paths[asset]; ok {
		return path, nil
	}
	return nil, ErrPathNotFound
}

func TestSettleNetsContributionsAndGas(t *testing.T) {
	searcher := &fakeSearcher{paths: map[common.Address]*SwapPath{
		assetA: {Quoted: big.NewInt(800)},
	}}
	normalizer := NewNormalizer(searcher, noiselessLogger())

	deltas := map[common.Address]*big.Int{
		nativeAsset: big.NewInt(100),
		assetA:      big.NewInt(1000),
		assetB:      big.NewInt(-50),
	}

	report, err := normalizer.Settle(context.Background(), deltas, big.NewInt(30))
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(870), report.NetReferenceValue, "800 + 100 native - 30 gas")
	assert.Equal(t, big.NewInt(0), report.Contributions[assetB], "losses never offset the sum")
	assert.Equal(t, big.NewInt(-50), report.Deltas[assetB], "every delta stays visible in the report")
	assert.Empty(t, report.Errors)
}

func TestSettleMonotoneInViableAssets(t *testing.T) {
	searcher := &fakeSearcher{paths: map[common.Address]*SwapPath{
		assetA: {Quoted: big.NewInt(800)},
		assetC: {Quoted: big.NewInt(50)},
	}}
	normalizer := NewNormalizer(searcher, noiselessLogger())

	base := map[common.Address]*big.Int{assetA: big.NewInt(1000)}
	withMore := map[common.Address]*big.Int{assetA: big.NewInt(1000), assetC: big.NewInt(10)}

	first, err := normalizer.Settle(context.Background(), base, big.NewInt(0))
	require.NoError(t, err)
	second, err := normalizer.Settle(context.Background(), withMore, big.NewInt(0))
	require.NoError(t, err)

	assert.Equal(t, 1, second.NetReferenceValue.Cmp(first.NetReferenceValue))
}

func TestSettleIlliquidAssetContributesZero(t *testing.T) {
	normalizer := NewNormalizer(&fakeSearcher{}, noiselessLogger())

	report, err := normalizer.Settle(context.Background(), map[common.Address]*big.Int{
		assetA: big.NewInt(123456),
	}, big.NewInt(0))
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(0), report.Contributions[assetA])
	assert.Contains(t, report.Errors[assetA], "no viable conversion path")
	assert.Equal(t, big.NewInt(0), report.NetReferenceValue)
}

// fakeCaller answers quoting calls by method selector, regardless of target.
type fakeCaller struct {
	t       *testing.T
	v2ABI   abi.ABI
	pair    common.Address
	token0  common.Address
	r0, r1  *big.Int
	noPair  bool
}

func (f *fakeCaller) StaticCall(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	method, err := f.v2ABI.MethodById(data[:4])
	require.NoError(f.t, err)
	switch method.Name {
	case "getPair":
		pair := f.pair
		if f.noPair {
			pair = common.Address{}
		}
		return method.Outputs.Pack(pair)
	case "getReserves":
		return method.Outputs.Pack(f.r0, f.r1, uint32(0))
	case "token0":
		return method.Outputs.Pack(f.token0)
	}
	return nil, errors.New("unexpected call")
}

func TestQuoteSwapConstantProduct(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(v2ABIJSON))
	require.NoError(t, err)

	caller := &fakeCaller{
		t: t, v2ABI: parsed,
		pair:   common.HexToAddress("0x00000000000000000000000000000000000000ee"),
		token0: assetA,
		r0:     big.NewInt(1_000_000),
		r1:     big.NewInt(2_000_000),
	}
	quoter, err := NewQuoter(caller)
	require.NoError(t, err)

	quote, ok, err := quoter.QuoteSwap(context.Background(), uniVenue, assetA, weth, big.NewInt(1000))
	require.NoError(t, err)
	require.True(t, ok)

	// x*y=k with a 30 bps fee on 1000 in against 1M/2M reserves
	assert.Equal(t, big.NewInt(1992), quote.AmountOut)
	assert.InDelta(t, 0.001, quote.PriceImpact, 0.0005)
}

func TestQuoteSwapNoPair(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(v2ABIJSON))
	require.NoError(t, err)

	quoter, err := NewQuoter(&fakeCaller{t: t, v2ABI: parsed, noPair: true})
	require.NoError(t, err)

	_, ok, err := quoter.QuoteSwap(context.Background(), uniVenue, assetA, weth, big.NewInt(1000))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuoteSwapReverseOrientation(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(v2ABIJSON))
	require.NoError(t, err)

	// token0 is the OUT token, so reserves must be flipped before quoting.
	caller := &fakeCaller{
		t: t, v2ABI: parsed,
		pair:   common.HexToAddress("0x00000000000000000000000000000000000000ee"),
		token0: weth,
		r0:     big.NewInt(2_000_000),
		r1:     big.NewInt(1_000_000),
	}
	quoter, err := NewQuoter(caller)
	require.NoError(t, err)

	quote, ok, err := quoter.QuoteSwap(context.Background(), uniVenue, assetA, weth, big.NewInt(1000))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(1992), quote.AmountOut)
}
