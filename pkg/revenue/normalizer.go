package revenue

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// nativeAsset is the zero-address key for the chain's native coin in delta
// maps. Native and the wrapped reference token convert 1:1.
var nativeAsset = common.Address{}

// RevenueReport expresses a simulation's asset deltas in reference-token
// units. Every input delta is retained, including ones that contribute
// nothing to the sum.
type RevenueReport struct {
	Deltas            map[common.Address]*big.Int `json:"deltas"`
	Paths             map[common.Address]*SwapPath `json:"paths,omitempty"`
	Contributions     map[common.Address]*big.Int `json:"contributions"`
	Errors            map[common.Address]string   `json:"errors,omitempty"`
	GasCost           *big.Int                    `json:"gas_cost"`
	NetReferenceValue *big.Int                    `json:"net_reference_value"`
}

// PathSearcher finds the best conversion route for one asset. *PathFinder
// satisfies it.
type PathSearcher interface {
	BestPath(ctx context.Context, asset common.Address, amount *big.Int) (*SwapPath, error)
}

// Normalizer settles a delta map into a single net reference value.
type Normalizer struct {
	finder PathSearcher
	log    *logrus.Entry
}

// NewNormalizer builds a normalizer over the given path searcher.
func NewNormalizer(finder PathSearcher, logger *logrus.Logger) *Normalizer {
	return &Normalizer{
		finder: finder,
		log:    logger.WithField("component", "revenue"),
	}
}

// Settle prices every positive delta, sums the contributions with the native
// delta, and subtracts the gas cost. Assets are priced concurrently; an
// asset without a route contributes zero and is recorded, never fatal.
func (n *Normalizer) Settle(ctx context.Context, deltas map[common.Address]*big.Int, gasCost *big.Int) (*RevenueReport, error) {
	report := &RevenueReport{
		Deltas:        make(map[common.Address]*big.Int, len(deltas)),
		Paths:         make(map[common.Address]*SwapPath),
		Contributions: make(map[common.Address]*big.Int, len(deltas)),
		Errors:        make(map[common.Address]string),
		GasCost:       big.NewInt(0),
	}
	if gasCost != nil {
		report.GasCost = new(big.Int).Set(gasCost)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for asset, delta := range deltas {
		if delta == nil {
			delta = big.NewInt(0)
		}
		report.Deltas[asset] = new(big.Int).Set(delta)

		switch {
		case asset == nativeAsset:
			// Native is the reference unit; its delta carries its own sign.
			report.Contributions[asset] = new(big.Int).Set(delta)
		case delta.Sign() <= 0:
			// Losses and dust stay visible but never offset the sum.
			report.Contributions[asset] = big.NewInt(0)
		default:
			wg.Add(1)
			go func(asset common.Address, amount *big.Int) {
				defer wg.Done()
				path, err := n.finder.BestPath(ctx, asset, amount)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Contributions[asset] = big.NewInt(0)
					report.Errors[asset] = err.Error()
					if !errors.Is(err, ErrPathNotFound) {
						n.log.WithError(err).WithField("asset", asset.Hex()).Warn("asset pricing failed")
					}
					return
				}
				report.Paths[asset] = path
				report.Contributions[asset] = new(big.Int).Set(path.Quoted)
			}(asset, new(big.Int).Set(delta))
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	net := big.NewInt(0)
	for _, contribution := range report.Contributions {
		net.Add(net, contribution)
	}
	net.Sub(net, report.GasCost)
	report.NetReferenceValue = net

	n.log.WithFields(logrus.Fields{
		"assets":   len(report.Deltas),
		"unpriced": len(report.Errors),
		"net":      net.String(),
	}).Info("revenue settled")
	return report, nil
}
