package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"exploitscan/pkg/artifact"
	"exploitscan/pkg/faults"
	"exploitscan/pkg/proxy"
	"exploitscan/pkg/refine"
	"exploitscan/pkg/revenue"
	"exploitscan/pkg/snapshot"
)

// Resolver walks proxy delegation. *proxy.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, addr common.Address, block uint64) ([]proxy.ProxyLink, error)
}

// Snapshotter captures contract state. *snapshot.Reader satisfies it.
type Snapshotter interface {
	Read(ctx context.Context, addr common.Address, iface snapshot.InterfaceDescription, block uint64) (*snapshot.StateSnapshot, error)
}

// SourceProvider supplies the logic contract's interface and source text.
// *source.EtherscanClient satisfies it; failure is an enrichment loss, not
// a stage fault.
type SourceProvider interface {
	Describe(ctx context.Context, addr common.Address) (snapshot.InterfaceDescription, string, error)
}

// Refiner drives the candidate loop. *refine.Controller satisfies it.
type Refiner interface {
	Refine(ctx context.Context, req refine.DraftRequest) (*refine.Outcome, error)
}

// Settler prices a successful result. *revenue.ForkSettler satisfies it.
type Settler interface {
	Settle(ctx context.Context, deltas map[common.Address]*big.Int, gasCost *big.Int, block uint64) (*revenue.RevenueReport, error)
}

// Engine sequences one validation run per contract. Fan-out across many
// contracts belongs to the caller; ScanMany is a bounded helper for the CLI.
type Engine struct {
	resolver   Resolver
	snapshots  Snapshotter
	source     SourceProvider
	refiner    Refiner
	settler    Settler
	sink       artifact.Sink
	parallel   int
	runTimeout time.Duration
	log        *logrus.Entry
}

// New wires the pipeline stages together. source may be nil, in which case
// the built-in minimal interface is used for every snapshot.
func New(resolver Resolver, snapshots Snapshotter, src SourceProvider, refiner Refiner, settler Settler, sink artifact.Sink, parallel int, runTimeout time.Duration, logger *logrus.Logger) *Engine {
	if parallel < 1 {
		parallel = 1
	}
	return &Engine{
		resolver:   resolver,
		snapshots:  snapshots,
		source:     src,
		refiner:    refiner,
		settler:    settler,
		sink:       sink,
		parallel:   parallel,
		runTimeout: runTimeout,
		log:        logger.WithField("component", "engine"),
	}
}

// Run validates one contract at one pinned height: resolve, snapshot,
// refine, settle on success, assemble, persist. Stage-fatal errors come back
// as *faults.RunFailure; an exhausted refinement budget is a normal artifact.
func (e *Engine) Run(ctx context.Context, addr common.Address, block uint64) (*artifact.RunArtifact, error) {
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	log := e.log.WithFields(logrus.Fields{"address": addr.Hex(), "block": block})
	log.Info("run started")

	links, err := e.resolver.Resolve(ctx, addr, block)
	if err != nil {
		return nil, faults.NewRunFailure(faults.StageResolve, err)
	}
	logic := executingAddress(addr, links)

	if err := ctx.Err(); err != nil {
		return nil, faults.NewRunFailure(faults.StageSnapshot, err)
	}

	iface, sourceText := e.describe(ctx, logic, log)

	// State reads go through the proxy address: that is where the storage
	// lives, whichever logic executes it.
	snap, err := e.snapshots.Read(ctx, addr, iface, block)
	if err != nil {
		return nil, faults.NewRunFailure(faults.StageSnapshot, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, faults.NewRunFailure(faults.StageRefine, err)
	}

	outcome, err := e.refiner.Refine(ctx, refine.DraftRequest{
		Address:  addr,
		Block:    block,
		Links:    links,
		Snapshot: snap,
		Source:   sourceText,
	})
	if err != nil {
		return nil, faults.NewRunFailure(faults.StageRefine, err)
	}

	var report *revenue.RevenueReport
	if outcome.State == refine.StateSuccess {
		if err := ctx.Err(); err != nil {
			return nil, faults.NewRunFailure(faults.StageSettle, err)
		}
		report, err = e.settler.Settle(ctx, outcome.Result.AssetDeltas, outcome.Result.GasCost, block)
		if err != nil {
			return nil, faults.NewRunFailure(faults.StageSettle, err)
		}
	}

	run := artifact.Assemble(addr, block, links, snap, outcome, report)
	e.persist(ctx, run, log)

	log.WithFields(logrus.Fields{
		"outcome":   run.Outcome,
		"revisions": run.Revisions,
	}).Info("run finished")
	return run, nil
}

// describe fetches the logic contract's interface, degrading to the built-in
// minimal description when retrieval fails.
func (e *Engine) describe(ctx context.Context, logic common.Address, log *logrus.Entry) (snapshot.InterfaceDescription, string) {
	if e.source != nil {
		iface, sourceText, err := e.source.Describe(ctx, logic)
		if err == nil {
			return iface, sourceText
		}
		log.WithError(err).Warn("verified source unavailable, using minimal interface")
	}
	iface, err := snapshot.MinimalInterface()
	if err != nil {
		// The built-in ABI is a constant; failing to parse it is a bug.
		log.WithError(err).Error("minimal interface unavailable")
	}
	return iface, ""
}

// persist hands the artifact to the sink. The run's validity does not depend
// on storage, so failures are logged and swallowed.
func (e *Engine) persist(ctx context.Context, run *artifact.RunArtifact, log *logrus.Entry) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Persist(ctx, run); err != nil {
		log.WithError(err).WithField("stage", faults.StagePersist).Error("artifact persistence failed")
	}
}

// executingAddress picks the address whose code actually runs: the tail of
// the delegation chain, or the contract itself for facets and plain code.
func executingAddress(addr common.Address, links []proxy.ProxyLink) common.Address {
	if len(links) == 1 && links[0].Pattern != proxy.PatternFacetDispatch {
		return links[0].Logic
	}
	if len(links) > 1 && links[len(links)-1].Pattern != proxy.PatternFacetDispatch {
		return links[len(links)-1].Logic
	}
	return addr
}

// ScanResult pairs one scanned address with its artifact or failure.
type ScanResult struct {
	Address  common.Address
	Artifact *artifact.RunArtifact
	Err      error
}

// ScanMany runs a batch of contracts at one height with bounded parallelism.
// Results come back in input order; individual failures never stop the batch.
func (e *Engine) ScanMany(ctx context.Context, addrs []common.Address, block uint64) []ScanResult {
	results := make([]ScanResult, len(addrs))
	slots := make(chan struct{}, e.parallel)
	var wg sync.WaitGroup

	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr common.Address) {
			defer wg.Done()
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			case <-ctx.Done():
				results[i] = ScanResult{Address: addr, Err: ctx.Err()}
				return
			}
			run, err := e.Run(ctx, addr, block)
			results[i] = ScanResult{Address: addr, Artifact: run, Err: err}
		}(i, addr)
	}
	wg.Wait()
	return results
}
