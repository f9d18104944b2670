package refine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploitscan/pkg/harness"
)

var target = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type scriptedAuthor struct {
	drafts   []string
	err      error
	requests []DraftRequest
}

func (a *scriptedAuthor) Draft(_ context.Context, req DraftRequest) (string, error) {
	a.requests = append(a.requests, req)
	if a.err != nil {
		return "", a.err
	}
	idx := len(a.requests) - 1
	if idx >= len(a.drafts) {
		idx = len(a.drafts) - 1
	}
	return a.drafts[idx], nil
}

type scriptedExecutor struct {
	results []*harness.SimulationResult
	err     error
	runs    int
	block   uint64
}

func (e *scriptedExecutor) Execute(_ context.Context, cand *harness.ExploitCandidate, block uint64) (*harness.SimulationResult, error) {
	e.runs++
	e.block = block
	if e.err != nil {
		return nil, e.err
	}
	result := e.results[e.runs-1]
	result.Revision = cand.Revision
	return result, nil
}

func mutedLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func failure(reason string) *harness.SimulationResult {
	return &harness.SimulationResult{Success: false, RevertReason: reason}
}

func TestRefineSucceedsAfterFeedback(t *testing.T) {
	author := &scriptedAuthor{drafts: []string{"contract V1 {}", "contract V2 {}"}}
	executor := &scriptedExecutor{results: []*harness.SimulationResult{
		failure("insufficient balance"),
		{Success: true, GasUsed: 90_000},
	}}

	controller := NewController(author, executor, 5, mutedLogger())
	outcome, err := controller.Refine(context.Background(), DraftRequest{Address: target, Block: 42})
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, outcome.State)
	assert.Equal(t, 2, outcome.Candidate.Revision)
	assert.True(t, outcome.Result.Success)
	require.Len(t, outcome.Attempts, 1)
	assert.Equal(t, uint64(42), executor.block)

	// The second draft must see the first failure's evidence.
	require.Len(t, author.requests, 2)
	assert.Nil(t, author.requests[0].Prior)
	require.NotNil(t, author.requests[1].Prior)
	assert.Equal(t, "insufficient balance", author.requests[1].Prior.RevertReason)
}

func TestRefineRevisionsAreMonotonic(t *testing.T) {
	author := &scriptedAuthor{drafts: []string{"contract V {}"}}
	executor := &scriptedExecutor{results: []*harness.SimulationResult{
		failure("a"), failure("b"), failure("c"),
	}}

	controller := NewController(author, executor, 3, mutedLogger())
	outcome, err := controller.Refine(context.Background(), DraftRequest{Address: target, Block: 1})
	require.NoError(t, err)

	require.Len(t, author.requests, 3)
	for i, req := range author.requests {
		assert.Equal(t, i+1, req.Revision)
	}
	require.Len(t, outcome.Attempts, 3)
	for i, attempt := range outcome.Attempts {
		assert.Equal(t, i+1, attempt.Candidate.Revision)
	}
}

func TestRefineExhaustedIsNormalOutcome(t *testing.T) {
	author := &scriptedAuthor{drafts: []string{"contract V {}"}}
	executor := &scriptedExecutor{results: []*harness.SimulationResult{
		failure("a"), failure("b"),
	}}

	controller := NewController(author, executor, 2, mutedLogger())
	outcome, err := controller.Refine(context.Background(), DraftRequest{Address: target, Block: 1})
	require.NoError(t, err, "running out of budget is not an error")

	assert.Equal(t, StateExhausted, outcome.State)
	assert.Equal(t, 2, executor.runs, "the budget caps simulations")
	assert.Equal(t, "b", outcome.Result.RevertReason, "the last failure is the terminal result")
}

func TestRefineCompileErrorFeedsBack(t *testing.T) {
	author := &scriptedAuthor{drafts: []string{"contract Broken {", "contract Fixed {}"}}
	executor := &scriptedExecutor{results: []*harness.SimulationResult{
		{Success: false, RevertReason: harness.ReasonCompileError, Detail: "expected '}'"},
		{Success: true},
	}}

	controller := NewController(author, executor, 5, mutedLogger())
	outcome, err := controller.Refine(context.Background(), DraftRequest{Address: target, Block: 1})
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, outcome.State)
	require.NotNil(t, author.requests[1].Prior)
	assert.Equal(t, harness.ReasonCompileError, author.requests[1].Prior.RevertReason)
}

func TestRefineAuthorFaultAborts(t *testing.T) {
	author := &scriptedAuthor{err: errors.New("collaborator unavailable")}
	controller := NewController(author, &scriptedExecutor{}, 5, mutedLogger())

	_, err := controller.Refine(context.Background(), DraftRequest{Address: target, Block: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "draft revision 1")
}

func TestRefineExecutorFaultAborts(t *testing.T) {
	author := &scriptedAuthor{drafts: []string{"contract V {}"}}
	executor := &scriptedExecutor{err: fmt.Errorf("anvil failed to start")}
	controller := NewController(author, executor, 5, mutedLogger())

	_, err := controller.Refine(context.Background(), DraftRequest{Address: target, Block: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulate revision 1")
}

func TestRefineHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	controller := NewController(&scriptedAuthor{drafts: []string{"x"}}, &scriptedExecutor{}, 5, mutedLogger())
	_, err := controller.Refine(ctx, DraftRequest{Address: target, Block: 1})
	require.ErrorIs(t, err, context.Canceled)
}
