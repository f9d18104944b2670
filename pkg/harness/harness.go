package harness

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// NativeAsset keys the chain's native coin in delta maps.
var NativeAsset = common.Address{}

// Candidate-outcome reasons. Environmental failures (backend down, fork never
// started) are returned as errors instead and never appear here.
const (
	ReasonCompileError = "compile-error"
	ReasonTimeout      = "timeout"
)

// SimulationResult is the outcome of executing one candidate revision on a
// fresh fork. Failure of the candidate is data, not an error.
type SimulationResult struct {
	Revision     int                         `json:"revision"`
	Success      bool                        `json:"success"`
	RevertReason string                      `json:"revert_reason,omitempty"`
	Detail       string                      `json:"detail,omitempty"`
	GasUsed      uint64                      `json:"gas_used"`
	GasCost      *big.Int                    `json:"gas_cost,omitempty"`
	AssetDeltas  map[common.Address]*big.Int `json:"asset_deltas,omitempty"`
	TxHash       common.Hash                 `json:"tx_hash,omitempty"`
	Trace        *CallFrame                  `json:"trace,omitempty"`
}

// CandidateCompiler turns candidate source into a deployable artifact.
// *Compiler satisfies it.
type CandidateCompiler interface {
	Compile(ctx context.Context, source string) (*CompiledArtifact, error)
}

// Harness compiles a candidate and executes it on a disposable fork pinned at
// the run's block. Each Execute is hermetic: fresh fork, fresh deployment,
// fork discarded before return.
type Harness struct {
	backend     ForkBackend
	compiler    CandidateCompiler
	entryPoint  string
	execTimeout time.Duration
	log         *logrus.Entry
}

// NewHarness wires a compiler and fork backend into an executor. entryPoint
// is the no-argument candidate function invoked after deployment.
func NewHarness(backend ForkBackend, compiler CandidateCompiler, entryPoint string, execTimeout time.Duration, logger *logrus.Logger) *Harness {
	if entryPoint == "" {
		entryPoint = "run"
	}
	if execTimeout <= 0 {
		execTimeout = 2 * time.Minute
	}
	return &Harness{
		backend:     backend,
		compiler:    compiler,
		entryPoint:  entryPoint,
		execTimeout: execTimeout,
		log:         logger.WithField("component", "harness"),
	}
}

// Execute runs one candidate revision against a fork of the pinned block.
// Compile failures and timeouts come back as unsuccessful results; only
// environmental faults return an error.
func (h *Harness) Execute(ctx context.Context, cand *ExploitCandidate, block uint64) (*SimulationResult, error) {
	artifact := cand.Artifact
	if artifact == nil {
		var err error
		artifact, err = h.compiler.Compile(ctx, cand.Source)
		if errors.Is(err, ErrCompile) {
			return &SimulationResult{
				Revision:     cand.Revision,
				Success:      false,
				RevertReason: ReasonCompileError,
				Detail:       err.Error(),
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("compile revision %d: %w", cand.Revision, err)
		}
		cand.Artifact = artifact
	}

	fork, err := h.backend.CreateFork(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("create fork at block %d: %w", block, err)
	}
	defer fork.Discard()

	exploitAddr, err := fork.Deploy(ctx, artifact.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("deploy revision %d: %w", cand.Revision, err)
	}

	executor := fork.Executor()
	preNative, err := fork.NativeBalance(ctx, executor)
	if err != nil {
		return nil, fmt.Errorf("read pre-exec balance: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, h.execTimeout)
	defer cancel()

	outcome, err := fork.Call(execCtx, exploitAddr, entrySelector(h.entryPoint), nil)
	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			h.log.WithField("revision", cand.Revision).Warn("candidate execution timed out")
			return &SimulationResult{
				Revision:     cand.Revision,
				Success:      false,
				RevertReason: ReasonTimeout,
			}, nil
		}
		return nil, fmt.Errorf("execute revision %d: %w", cand.Revision, err)
	}

	result := &SimulationResult{
		Revision:     cand.Revision,
		Success:      outcome.Success,
		RevertReason: outcome.RevertReason,
		GasUsed:      outcome.GasUsed,
		GasCost:      outcome.GasCost,
		TxHash:       outcome.TxHash,
	}

	trace, traceErr := fork.Trace(ctx, outcome.TxHash)
	if traceErr != nil {
		h.log.WithError(traceErr).Warn("trace unavailable for candidate transaction")
	} else {
		result.Trace = trace
	}

	if !result.Success && result.RevertReason == "" && trace != nil {
		result.RevertReason = trace.FirstError()
	}

	deltas, err := h.collectDeltas(ctx, fork, executor, exploitAddr, preNative, outcome, trace)
	if err != nil {
		return nil, err
	}
	result.AssetDeltas = deltas

	h.log.WithFields(logrus.Fields{
		"revision": cand.Revision,
		"success":  result.Success,
		"gas_used": result.GasUsed,
		"assets":   len(result.AssetDeltas),
	}).Info("candidate executed")
	return result, nil
}

// collectDeltas measures what the executor gained. The executor is a fresh
// funded account, so every token balance started at zero; the native delta
// backs out the gas payment, which is accounted separately.
func (h *Harness) collectDeltas(ctx context.Context, fork Fork, executor, exploitAddr common.Address, preNative *big.Int, outcome *CallOutcome, trace *CallFrame) (map[common.Address]*big.Int, error) {
	postNative, err := fork.NativeBalance(ctx, executor)
	if err != nil {
		return nil, fmt.Errorf("read post-exec balance: %w", err)
	}

	deltas := make(map[common.Address]*big.Int)
	native := new(big.Int).Sub(postNative, preNative)
	if outcome.GasCost != nil {
		native.Add(native, outcome.GasCost)
	}
	deltas[NativeAsset] = native

	if trace == nil {
		return deltas, nil
	}
	for _, token := range trace.TouchedContracts() {
		if token == executor || token == exploitAddr {
			continue
		}
		balance, ok := h.tokenBalance(ctx, fork, token, executor)
		if ok && balance.Sign() != 0 {
			deltas[token] = balance
		}
	}
	return deltas, nil
}

// tokenBalance probes balanceOf(executor); contracts that are not tokens
// simply fail the probe and are skipped.
func (h *Harness) tokenBalance(ctx context.Context, fork Fork, token, account common.Address) (*big.Int, bool) {
	data := append(balanceOfSelector(), common.LeftPadBytes(account.Bytes(), 32)...)
	ret, err := fork.StaticCall(ctx, token, data)
	if err != nil || len(ret) != 32 {
		return nil, false
	}
	return new(big.Int).SetBytes(ret), true
}

func entrySelector(name string) []byte {
	return crypto.Keccak256([]byte(name + "()"))[:4]
}

func balanceOfSelector() []byte {
	return crypto.Keccak256([]byte("balanceOf(address)"))[:4]
}

// Selector renders the harness entry-point selector for logging and
// diagnostics.
func Selector(name string) string {
	return "0x" + strings.ToLower(common.Bytes2Hex(entrySelector(name)))
}
