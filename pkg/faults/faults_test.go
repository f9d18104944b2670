package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFailureWrapping(t *testing.T) {
	failure := NewRunFailure(StageResolve, ErrResolutionDepthExceeded)

	assert.Contains(t, failure.Error(), "resolve")
	assert.True(t, errors.Is(failure, ErrResolutionDepthExceeded))

	var rf *RunFailure
	require.True(t, errors.As(error(failure), &rf))
	assert.Equal(t, StageResolve, rf.Stage)
}

func TestAsStateUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"missing trie node", errors.New("missing trie node deadbeef (path) state is not available"), true},
		{"pruned header", errors.New("header not found"), true},
		{"wrapped", fmt.Errorf("eth_call: %w", errors.New("required historical state unavailable")), true},
		{"unrelated", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := AsStateUnavailable(tt.err)
			if tt.fatal {
				assert.True(t, errors.Is(mapped, ErrStateUnavailable))
			} else {
				assert.Equal(t, tt.err, mapped)
			}
		})
	}
}
