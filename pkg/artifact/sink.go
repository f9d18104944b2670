package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Sink receives finished artifacts. Persistence is fire-and-forget from the
// pipeline's point of view: a failing sink never invalidates the run.
type Sink interface {
	Persist(ctx context.Context, artifact *RunArtifact) error
	Close() error
}

// FileSink appends artifacts to a single file, one JSON object per line or
// YAML documents separated by ---.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	format string
}

// NewFileSink opens (or creates) the target file in append mode. format is
// "json" or "yaml".
func NewFileSink(path, format string) (*FileSink, error) {
	if format != "json" && format != "yaml" {
		return nil, fmt.Errorf("unsupported file sink format %q", format)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open artifact file: %w", err)
	}
	return &FileSink{file: file, format: format}, nil
}

func (s *FileSink) Persist(_ context.Context, artifact *RunArtifact) error {
	payload, err := encode(artifact, s.format)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(payload); err != nil {
		return fmt.Errorf("write artifact %s: %w", artifact.Key(), err)
	}
	return nil
}

func (s *FileSink) Close() error {
	return s.file.Close()
}

// encode renders an artifact for the file sink. The YAML form goes through a
// JSON round-trip so address and big-number types keep their hex/string
// renderings instead of YAML's view of the raw structs.
func encode(artifact *RunArtifact, format string) ([]byte, error) {
	raw, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact %s: %w", artifact.Key(), err)
	}
	if format == "json" {
		return append(raw, '\n'), nil
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("reshape artifact %s: %w", artifact.Key(), err)
	}
	rendered, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("render artifact %s: %w", artifact.Key(), err)
	}
	return append([]byte("---\n"), rendered...), nil
}

// MultiSink fans one artifact out to several sinks. Individual failures are
// logged and swallowed so one broken sink cannot starve the others.
type MultiSink struct {
	sinks []Sink
	log   *logrus.Entry
}

// NewMultiSink wraps the given sinks.
func NewMultiSink(logger *logrus.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{
		sinks: sinks,
		log:   logger.WithField("component", "artifact"),
	}
}

func (m *MultiSink) Persist(ctx context.Context, artifact *RunArtifact) error {
	for _, sink := range m.sinks {
		if err := sink.Persist(ctx, artifact); err != nil {
			m.log.WithError(err).WithField("key", artifact.Key()).Error("sink failed to persist artifact")
		}
	}
	return nil
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
