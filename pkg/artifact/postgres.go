package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const createArtifactsTable = `
CREATE TABLE IF NOT EXISTS run_artifacts (
	id         BIGSERIAL PRIMARY KEY,
	address    TEXT        NOT NULL,
	block      BIGINT      NOT NULL,
	outcome    TEXT        NOT NULL,
	revisions  INT         NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (address, block)
)`

const insertArtifact = `
INSERT INTO run_artifacts (address, block, outcome, revisions, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (address, block) DO UPDATE
SET outcome = EXCLUDED.outcome,
    revisions = EXCLUDED.revisions,
    payload = EXCLUDED.payload,
    created_at = EXCLUDED.created_at`

// PostgresSink stores each artifact as one row with the full JSON payload,
// upserting on address+block so a re-run replaces its prior record.
type PostgresSink struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewPostgresSink connects, verifies the connection, and ensures the table.
func NewPostgresSink(ctx context.Context, dsn string, logger *logrus.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createArtifactsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure run_artifacts table: %w", err)
	}
	return &PostgresSink{db: db, log: logger.WithField("component", "artifact")}, nil
}

func (p *PostgresSink) Persist(ctx context.Context, artifact *RunArtifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", artifact.Key(), err)
	}

	_, err = p.db.ExecContext(ctx, insertArtifact,
		strings.ToLower(artifact.Address.Hex()),
		int64(artifact.Block),
		artifact.Outcome,
		artifact.Revisions,
		payload,
		artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", artifact.Key(), err)
	}
	p.log.WithField("key", artifact.Key()).Debug("artifact stored in postgres")
	return nil
}

func (p *PostgresSink) Close() error {
	return p.db.Close()
}
