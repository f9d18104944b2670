package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var artifactsBucket = []byte("artifacts")

// BoltSink is the embedded local store, used when no external sink is
// configured. One bucket, keyed by address@block.
type BoltSink struct {
	db  *bolt.DB
	log *logrus.Entry
}

// NewBoltSink opens (or creates) the database file and its bucket.
func NewBoltSink(path string, logger *logrus.Logger) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure artifacts bucket: %w", err)
	}
	return &BoltSink{db: db, log: logger.WithField("component", "artifact")}, nil
}

func (b *BoltSink) Persist(_ context.Context, artifact *RunArtifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", artifact.Key(), err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).Put([]byte(artifact.Key()), payload)
	})
	if err != nil {
		return fmt.Errorf("store artifact %s: %w", artifact.Key(), err)
	}
	b.log.WithField("key", artifact.Key()).Debug("artifact stored in bolt")
	return nil
}

// Load fetches a stored artifact by key, mostly for inspection tooling.
func (b *BoltSink) Load(key string) (*RunArtifact, error) {
	var artifact RunArtifact
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(artifactsBucket).Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("artifact %s not found", key)
		}
		return json.Unmarshal(raw, &artifact)
	})
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (b *BoltSink) Close() error {
	return b.db.Close()
}
