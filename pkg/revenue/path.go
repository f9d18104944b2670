package revenue

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ErrPathNotFound marks an asset with no viable route to the reference
// token. Per-asset and non-fatal: the asset simply contributes zero.
var ErrPathNotFound = errors.New("no viable conversion path")

// Hop is one swap leg of a conversion path.
type Hop struct {
	AssetIn   common.Address `json:"asset_in"`
	AssetOut  common.Address `json:"asset_out"`
	Venue     string         `json:"venue"`
	AmountIn  *big.Int       `json:"amount_in"`
	AmountOut *big.Int       `json:"amount_out"`
}

// SwapPath is a priced route from an asset to the reference token. A path
// with no hops is the identity conversion.
type SwapPath struct {
	Hops        []Hop    `json:"hops,omitempty"`
	Quoted      *big.Int `json:"quoted"`
	PriceImpact float64  `json:"price_impact"`
}

// SwapQuoter prices one hop on one venue. *Quoter satisfies it.
type SwapQuoter interface {
	QuoteSwap(ctx context.Context, venue Venue, tokenIn, tokenOut common.Address, amountIn *big.Int) (*Quote, bool, error)
}

// PathFinder searches direct and two-hop routes from an asset to the
// reference token across the configured venues.
type PathFinder struct {
	quoter          SwapQuoter
	venues          []Venue
	intermediates   []common.Address
	reference       common.Address
	maxImpact       float64
	hopToleranceBps int64
	log             *logrus.Entry
}

// NewPathFinder builds a finder. maxImpact bounds per-hop price impact;
// hopToleranceBps is how far a direct path may trail the best multi-hop path
// and still win on simplicity.
func NewPathFinder(quoter SwapQuoter, venues []Venue, intermediates []common.Address, reference common.Address, maxImpact float64, hopToleranceBps int64, logger *logrus.Logger) *PathFinder {
	if maxImpact <= 0 {
		maxImpact = 0.05
	}
	return &PathFinder{
		quoter:          quoter,
		venues:          venues,
		intermediates:   intermediates,
		reference:       reference,
		maxImpact:       maxImpact,
		hopToleranceBps: hopToleranceBps,
		log:             logger.WithField("component", "revenue"),
	}
}

// BestPath prices amount of asset in reference-token units. Candidate routes
// whose price impact exceeds the bound are discarded; among survivors the
// highest output wins, except that a direct route within the hop tolerance
// of the best multi-hop output is preferred.
func (p *PathFinder) BestPath(ctx context.Context, asset common.Address, amount *big.Int) (*SwapPath, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount for %s", ErrPathNotFound, asset.Hex())
	}
	if asset == p.reference {
		return &SwapPath{Quoted: new(big.Int).Set(amount)}, nil
	}

	bestDirect, err := p.bestDirect(ctx, asset, amount)
	if err != nil {
		return nil, err
	}
	bestMulti, err := p.bestTwoHop(ctx, asset, amount)
	if err != nil {
		return nil, err
	}

	switch {
	case bestDirect == nil && bestMulti == nil:
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, asset.Hex())
	case bestDirect == nil:
		return bestMulti, nil
	case bestMulti == nil:
		return bestDirect, nil
	}

	if bestDirect.Quoted.Cmp(bestMulti.Quoted) >= 0 {
		return bestDirect, nil
	}
	// Direct loses on output but may still win on simplicity.
	floor := new(big.Int).Mul(bestMulti.Quoted, big.NewInt(10_000-p.hopToleranceBps))
	floor.Div(floor, big.NewInt(10_000))
	if bestDirect.Quoted.Cmp(floor) >= 0 {
		p.log.WithFields(logrus.Fields{
			"asset":  asset.Hex(),
			"direct": bestDirect.Quoted.String(),
			"multi":  bestMulti.Quoted.String(),
		}).Debug("direct path preferred within hop tolerance")
		return bestDirect, nil
	}
	return bestMulti, nil
}

func (p *PathFinder) bestDirect(ctx context.Context, asset common.Address, amount *big.Int) (*SwapPath, error) {
	var best *SwapPath
	for _, venue := range p.venues {
		quote, ok, err := p.quoter.QuoteSwap(ctx, venue, asset, p.reference, amount)
		if err != nil {
			return nil, err
		}
		if !ok || quote.PriceImpact > p.maxImpact {
			continue
		}
		path := &SwapPath{
			Hops: []Hop{{
				AssetIn: asset, AssetOut: p.reference, Venue: venue.Name,
				AmountIn: amount, AmountOut: quote.AmountOut,
			}},
			Quoted:      quote.AmountOut,
			PriceImpact: quote.PriceImpact,
		}
		if best == nil || path.Quoted.Cmp(best.Quoted) > 0 {
			best = path
		}
	}
	return best, nil
}

func (p *PathFinder) bestTwoHop(ctx context.Context, asset common.Address, amount *big.Int) (*SwapPath, error) {
	var best *SwapPath
	for _, mid := range p.intermediates {
		if mid == asset || mid == p.reference {
			continue
		}
		for _, firstVenue := range p.venues {
			first, ok, err := p.quoter.QuoteSwap(ctx, firstVenue, asset, mid, amount)
			if err != nil {
				return nil, err
			}
			if !ok || first.PriceImpact > p.maxImpact {
				continue
			}
			for _, secondVenue := range p.venues {
				second, ok, err := p.quoter.QuoteSwap(ctx, secondVenue, mid, p.reference, first.AmountOut)
				if err != nil {
					return nil, err
				}
				if !ok || second.PriceImpact > p.maxImpact {
					continue
				}
				path := &SwapPath{
					Hops: []Hop{
						{AssetIn: asset, AssetOut: mid, Venue: firstVenue.Name, AmountIn: amount, AmountOut: first.AmountOut},
						{AssetIn: mid, AssetOut: p.reference, Venue: secondVenue.Name, AmountIn: first.AmountOut, AmountOut: second.AmountOut},
					},
					Quoted:      second.AmountOut,
					PriceImpact: maxFloat(first.PriceImpact, second.PriceImpact),
				}
				if best == nil || path.Quoted.Cmp(best.Quoted) > 0 {
					best = path
				}
			}
		}
	}
	return best, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
