package refine

import (
	"context"
	"fmt"
	"os"
)

// FileAuthor serves one pre-written candidate from disk for every revision.
// It exists for validating a known proof-of-concept end to end; adaptive
// authors implement Author outside this module and plug in the same way.
type FileAuthor struct {
	path string
}

// NewFileAuthor points the author at a candidate source file.
func NewFileAuthor(path string) *FileAuthor {
	return &FileAuthor{path: path}
}

func (a *FileAuthor) Draft(_ context.Context, req DraftRequest) (string, error) {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		return "", fmt.Errorf("read candidate source: %w", err)
	}
	if req.Prior != nil {
		// A fixed candidate cannot respond to failure evidence; drafting the
		// same source again would only burn the budget.
		return "", fmt.Errorf("candidate %s already failed (%s), no further revision available", a.path, req.Prior.RevertReason)
	}
	return string(raw), nil
}
