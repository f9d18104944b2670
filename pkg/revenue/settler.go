package revenue

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"exploitscan/pkg/harness"
)

// ForkSettler prices revenue on a fresh fork pinned at the run's block, so
// quotes come from the same deterministic state the exploit ran against.
type ForkSettler struct {
	backend         harness.ForkBackend
	venues          []Venue
	intermediates   []common.Address
	reference       common.Address
	maxImpact       float64
	hopToleranceBps int64
	logger          *logrus.Logger
}

// NewForkSettler binds venue configuration to a fork backend.
func NewForkSettler(backend harness.ForkBackend, venues []Venue, intermediates []common.Address, reference common.Address, maxImpact float64, hopToleranceBps int64, logger *logrus.Logger) *ForkSettler {
	return &ForkSettler{
		backend:         backend,
		venues:          venues,
		intermediates:   intermediates,
		reference:       reference,
		maxImpact:       maxImpact,
		hopToleranceBps: hopToleranceBps,
		logger:          logger,
	}
}

// Settle creates a fork at block, quotes every positive delta on it, and
// discards the fork.
func (s *ForkSettler) Settle(ctx context.Context, deltas map[common.Address]*big.Int, gasCost *big.Int, block uint64) (*RevenueReport, error) {
	fork, err := s.backend.CreateFork(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("create settlement fork at block %d: %w", block, err)
	}
	defer fork.Discard()

	quoter, err := NewQuoter(fork)
	if err != nil {
		return nil, err
	}
	finder := NewPathFinder(quoter, s.venues, s.intermediates, s.reference, s.maxImpact, s.hopToleranceBps, s.logger)
	return NewNormalizer(finder, s.logger).Settle(ctx, deltas, gasCost)
}
