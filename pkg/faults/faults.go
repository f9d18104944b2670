package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names used in RunFailure reporting.
const (
	StageResolve  = "resolve"
	StageSnapshot = "snapshot"
	StageRefine   = "refine"
	StageSettle   = "settle"
	StagePersist  = "persist"
)

// Sentinel errors for stage-fatal conditions. A run hitting one of these is
// not analyzable under current inputs and must not be auto-retried here;
// run-level retry belongs to the workflow engine.
var (
	// ErrResolutionDepthExceeded is returned when a proxy chain recurses past
	// the configured depth bound.
	ErrResolutionDepthExceeded = errors.New("proxy resolution depth exceeded")

	// ErrStateUnavailable is returned when the node cannot serve state at the
	// pinned block height (pruned / non-archival). Falling back to "latest"
	// is forbidden: it would break block pinning.
	ErrStateUnavailable = errors.New("historical state unavailable at pinned block")

	// ErrRunTimeout is returned when an entire run exceeds its deadline.
	ErrRunTimeout = errors.New("run deadline exceeded")
)

// RunFailure describes exactly which stage could not proceed and why.
type RunFailure struct {
	Stage string
	Err   error
}

func (f *RunFailure) Error() string {
	return fmt.Sprintf("run failed at stage %s: %v", f.Stage, f.Err)
}

func (f *RunFailure) Unwrap() error {
	return f.Err
}

// NewRunFailure wraps a stage-fatal error with its stage name.
func NewRunFailure(stage string, err error) *RunFailure {
	return &RunFailure{Stage: stage, Err: err}
}

// stateUnavailableMarkers are substrings emitted by common clients when asked
// for state they no longer hold.
var stateUnavailableMarkers = []string{
	"missing trie node",
	"required historical state unavailable",
	"state is not available",
	"header not found",
	"unknown block",
	"distance to target block exceeds maximum proof window",
}

// AsStateUnavailable maps node-specific pruned-state errors onto
// ErrStateUnavailable, preserving the original text. It returns the input
// unchanged when the error does not look like a pruned-state response.
func AsStateUnavailable(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range stateUnavailableMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrStateUnavailable, err)
		}
	}
	return err
}
