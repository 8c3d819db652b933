package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/andresmejia3/faceverify/internal/nn"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/andresmejia3/faceverify/internal/verify"
)

// Store manages the PostgreSQL connection holding training checkpoints and
// the verification audit trail.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS training_runs (
			id TEXT PRIMARY KEY,
			architecture JSONB NOT NULL,
			dataset_seed BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE training_runs ADD COLUMN IF NOT EXISTS dataset_seed BIGINT NOT NULL DEFAULT 0;
		CREATE TABLE IF NOT EXISTS training_checkpoints (
			run_id TEXT REFERENCES training_runs(id) ON DELETE CASCADE,
			epoch INT NOT NULL,
			data BYTEA NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (run_id, epoch)
		);
		CREATE TABLE IF NOT EXISTS verification_audit (
			id BIGSERIAL PRIMARY KEY,
			live_ref TEXT NOT NULL,
			gallery_size INT NOT NULL,
			detections INT NOT NULL,
			ratio DOUBLE PRECISION NOT NULL,
			mean_score DOUBLE PRECISION NOT NULL,
			detection_threshold DOUBLE PRECISION NOT NULL,
			verification_threshold DOUBLE PRECISION NOT NULL,
			verified BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS training_checkpoints_created_idx ON training_checkpoints (created_at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureRun registers a training run with the dataset seed its split was
// shuffled with. Re-registering updates the architecture and seed.
func (s *Store) EnsureRun(ctx context.Context, runID string, arch nn.Architecture, datasetSeed int64) error {
	archJSON, err := json.Marshal(arch)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO training_runs (id, architecture, dataset_seed, started_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET architecture = EXCLUDED.architecture, dataset_seed = EXCLUDED.dataset_seed
	`, runID, archJSON, datasetSeed)
	return err
}

// SaveCheckpoint stores c, replacing an earlier checkpoint of the same run and epoch.
func (s *Store) SaveCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	if err := s.EnsureRun(ctx, c.RunID, c.Architecture, c.DatasetSeed); err != nil {
		return err
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO training_checkpoints (run_id, epoch, data, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id, epoch) DO UPDATE SET data = EXCLUDED.data, created_at = NOW()
	`, c.RunID, c.Epoch, data)
	return err
}

// LatestCheckpoint returns the most recently written checkpoint of any run.
func (s *Store) LatestCheckpoint(ctx context.Context) (*model.Checkpoint, error) {
	var data []byte
	err := s.conn.QueryRow(ctx,
		"SELECT data FROM training_checkpoints ORDER BY created_at DESC, epoch DESC LIMIT 1").Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrCheckpointMissing
	}
	if err != nil {
		return nil, err
	}
	return model.DecodeCheckpoint(bytes.NewReader(data))
}

// LoadCheckpoint returns the checkpoint of runID at epoch.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string, epoch int) (*model.Checkpoint, error) {
	var data []byte
	err := s.conn.QueryRow(ctx,
		"SELECT data FROM training_checkpoints WHERE run_id = $1 AND epoch = $2", runID, epoch).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrCheckpointMissing
	}
	if err != nil {
		return nil, err
	}
	return model.DecodeCheckpoint(bytes.NewReader(data))
}

// CheckpointInfo describes a stored checkpoint without its payload.
type CheckpointInfo struct {
	RunID       string
	Epoch       int
	DatasetSeed int64
	Size        int
	CreatedAt   time.Time
}

// ListCheckpoints returns every stored checkpoint, newest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]CheckpointInfo, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT c.run_id, c.epoch, r.dataset_seed, octet_length(c.data), c.created_at
		FROM training_checkpoints c
		JOIN training_runs r ON r.id = c.run_id
		ORDER BY c.created_at DESC, c.epoch DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckpointInfo
	for rows.Next() {
		var c CheckpointInfo
		if err := rows.Scan(&c.RunID, &c.Epoch, &c.DatasetSeed, &c.Size, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordVerification appends one verification outcome to the audit table.
func (s *Store) RecordVerification(ctx context.Context, live string, res verify.Result, detection, verification float64) (int64, error) {
	var id int64
	err := s.conn.QueryRow(ctx, `
		INSERT INTO verification_audit
			(live_ref, gallery_size, detections, ratio, mean_score, detection_threshold, verification_threshold, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, live, len(res.Scores), res.Detections, res.Ratio, res.Mean(), detection, verification, res.Verified).Scan(&id)
	return id, err
}

// AuditEntry is one row of the verification audit.
type AuditEntry struct {
	ID         int64
	LiveRef    string
	Gallery    int
	Detections int
	Ratio      float64
	Verified   bool
	CreatedAt  time.Time
}

// RecentVerifications returns up to limit audit rows, newest first.
func (s *Store) RecentVerifications(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, live_ref, gallery_size, detections, ratio, verified, created_at
		FROM verification_audit
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.LiveRef, &e.Gallery, &e.Detections, &e.Ratio, &e.Verified, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS training_checkpoints CASCADE;
		DROP TABLE IF EXISTS training_runs CASCADE;
		DROP TABLE IF EXISTS verification_audit CASCADE;
	`)
	return err
}
