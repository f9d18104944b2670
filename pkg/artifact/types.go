package artifact

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"exploitscan/pkg/harness"
	"exploitscan/pkg/proxy"
	"exploitscan/pkg/refine"
	"exploitscan/pkg/revenue"
	"exploitscan/pkg/snapshot"
)

// Run outcomes. Exhausted means the refinement budget ran out without a
// working candidate; the artifact is still complete and persisted.
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
)

// RunArtifact is the single immutable record of one validation run. Once
// assembled it is never mutated; sinks may serialize it concurrently.
type RunArtifact struct {
	Address   common.Address            `json:"address"`
	Block     uint64                    `json:"block"`
	Links     []proxy.ProxyLink         `json:"links"`
	Snapshot  *snapshot.StateSnapshot   `json:"snapshot,omitempty"`
	Candidate *harness.ExploitCandidate `json:"candidate,omitempty"`
	Result    *harness.SimulationResult `json:"result,omitempty"`
	Revenue   *revenue.RevenueReport    `json:"revenue,omitempty"`
	Outcome   string                    `json:"outcome"`
	Revisions int                       `json:"revisions"`
	CreatedAt time.Time                 `json:"created_at"`
}

// Key is the stable persistence key: lower-cased address at pinned height.
func (a *RunArtifact) Key() string {
	return fmt.Sprintf("%s@%d", strings.ToLower(a.Address.Hex()), a.Block)
}

// Assemble packages the pieces of a finished run. The refinement outcome
// decides the artifact's outcome; revenue is present only for successes.
func Assemble(addr common.Address, block uint64, links []proxy.ProxyLink, snap *snapshot.StateSnapshot, outcome *refine.Outcome, report *revenue.RevenueReport) *RunArtifact {
	artifact := &RunArtifact{
		Address:   addr,
		Block:     block,
		Links:     links,
		Snapshot:  snap,
		Candidate: outcome.Candidate,
		Result:    outcome.Result,
		Revenue:   report,
		Revisions: outcome.Candidate.Revision,
		CreatedAt: time.Now().UTC(),
	}
	if outcome.State == refine.StateSuccess {
		artifact.Outcome = OutcomeSuccess
	} else {
		artifact.Outcome = OutcomeExhausted
	}
	return artifact
}
