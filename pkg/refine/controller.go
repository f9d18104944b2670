package refine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"exploitscan/pkg/harness"
	"exploitscan/pkg/proxy"
	"exploitscan/pkg/snapshot"
)

// State is one node of the refinement machine. Transitions are strictly
// Drafting -> Simulating -> {Success, Retrying, Exhausted}, with Retrying
// feeding back into Drafting.
type State string

const (
	StateDrafting   State = "drafting"
	StateSimulating State = "simulating"
	StateSuccess    State = "success"
	StateRetrying   State = "retrying"
	StateExhausted  State = "exhausted"
)

// DraftRequest carries everything an author may condition a candidate on.
// Prior is nil for the first revision and holds the previous failure
// afterwards, revert evidence included.
type DraftRequest struct {
	Address  common.Address
	Block    uint64
	Links    []proxy.ProxyLink
	Snapshot *snapshot.StateSnapshot
	Source   string
	Revision int
	Prior    *harness.SimulationResult
}

// Author produces candidate exploit source. Implementations live outside
// this module; the controller only sequences them.
type Author interface {
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

// Executor runs one candidate against the pinned block. *harness.Harness
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, cand *harness.ExploitCandidate, block uint64) (*harness.SimulationResult, error)
}

// Attempt pairs a superseded candidate with its result.
type Attempt struct {
	Candidate *harness.ExploitCandidate
	Result    *harness.SimulationResult
}

// Outcome is the terminal state of a refinement loop. Exhausted is a normal
// outcome: the loop ran its budget without a working candidate.
type Outcome struct {
	State     State
	Candidate *harness.ExploitCandidate
	Result    *harness.SimulationResult
	Attempts  []Attempt
}

// Controller drives the draft/simulate loop. Strictly sequential: one
// candidate in flight at a time, revisions numbered from 1.
type Controller struct {
	author        Author
	executor      Executor
	maxIterations int
	log           *logrus.Entry
}

// NewController builds a controller with the given revision budget.
func NewController(author Author, executor Executor, maxIterations int, logger *logrus.Logger) *Controller {
	if maxIterations < 1 {
		maxIterations = 5
	}
	return &Controller{
		author:        author,
		executor:      executor,
		maxIterations: maxIterations,
		log:           logger.WithField("component", "refine"),
	}
}

// Refine loops draft -> simulate until a candidate succeeds or the budget is
// spent. Author and executor faults abort the loop; candidate failures
// (revert, compile error, timeout) feed the next draft.
func (c *Controller) Refine(ctx context.Context, req DraftRequest) (*Outcome, error) {
	var attempts []Attempt
	var prior *harness.SimulationResult

	for revision := 1; revision <= c.maxIterations; revision++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req.Revision = revision
		req.Prior = prior
		c.logState(StateDrafting, revision, req.Address)

		source, err := c.author.Draft(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("draft revision %d: %w", revision, err)
		}
		candidate := &harness.ExploitCandidate{Source: source, Revision: revision}

		c.logState(StateSimulating, revision, req.Address)
		result, err := c.executor.Execute(ctx, candidate, req.Block)
		if err != nil {
			return nil, fmt.Errorf("simulate revision %d: %w", revision, err)
		}

		if result.Success {
			c.logState(StateSuccess, revision, req.Address)
			return &Outcome{
				State:     StateSuccess,
				Candidate: candidate,
				Result:    result,
				Attempts:  attempts,
			}, nil
		}

		attempts = append(attempts, Attempt{Candidate: candidate, Result: result})
		prior = result
		c.log.WithFields(logrus.Fields{
			"address":  req.Address.Hex(),
			"revision": revision,
			"reason":   result.RevertReason,
		}).Info("candidate failed")

		if revision < c.maxIterations {
			c.logState(StateRetrying, revision, req.Address)
		}
	}

	c.logState(StateExhausted, c.maxIterations, req.Address)
	last := attempts[len(attempts)-1]
	return &Outcome{
		State:     StateExhausted,
		Candidate: last.Candidate,
		Result:    last.Result,
		Attempts:  attempts,
	}, nil
}

func (c *Controller) logState(state State, revision int, addr common.Address) {
	c.log.WithFields(logrus.Fields{
		"address":  addr.Hex(),
		"revision": revision,
		"state":    string(state),
	}).Debug("refinement transition")
}
