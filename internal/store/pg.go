package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// PGStore persists graphs, targets and step results in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects, verifies the connection and creates missing tables.
func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Ping checks database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// PutGraph upserts a graph definition.
func (s *PGStore) PutGraph(ctx context.Context, ref string, g *workflow.Graph) error {
	def, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	query := `
		INSERT INTO graphs (ref, name, definition, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ref) DO UPDATE SET name = EXCLUDED.name, definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.pool.Exec(ctx, query, ref, g.Name, def, time.Now()); err != nil {
		return fmt.Errorf("failed to save graph %s: %w", ref, err)
	}
	return nil
}

// LoadGraph reads a graph definition by reference.
func (s *PGStore) LoadGraph(ctx context.Context, ref string) (*workflow.Graph, error) {
	var def []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM graphs WHERE ref = $1`, ref).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("graph %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load graph %s: %w", ref, err)
	}
	return workflow.DecodeGraph(def)
}

// SaveStepResult upserts one step record.
func (s *PGStore) SaveStepResult(ctx context.Context, rec StepRecord) error {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	query := `
		INSERT INTO step_results (target_id, run_id, step_order, status, error, results, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (target_id, run_id, step_order)
		DO UPDATE SET status = EXCLUDED.status, error = EXCLUDED.error, results = EXCLUDED.results, saved_at = EXCLUDED.saved_at
	`
	_, err = s.pool.Exec(ctx, query,
		rec.TargetID,
		rec.RunID,
		rec.Order,
		string(rec.Status),
		rec.Error,
		results,
		rec.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save step %d of %s: %w", rec.Order, rec.TargetID, err)
	}
	return nil
}

// UpdateTargetStatus upserts the target row. Media columns change only when
// u.Media is set; the run id only when u.RunID is set.
func (s *PGStore) UpdateTargetStatus(ctx context.Context, targetID string, u TargetUpdate) error {
	var image, video, audio *string
	if u.Media != nil {
		image, video, audio = &u.Media.Image, &u.Media.Video, &u.Media.Audio
	}
	var runID *string
	if u.RunID != "" {
		runID = &u.RunID
	}
	query := `
		INSERT INTO targets (id, status, error, run_id, primary_image, primary_video, primary_audio, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, ''), COALESCE($5, ''), COALESCE($6, ''), COALESCE($7, ''), $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			run_id = COALESCE($4, targets.run_id),
			primary_image = COALESCE($5, targets.primary_image),
			primary_video = COALESCE($6, targets.primary_video),
			primary_audio = COALESCE($7, targets.primary_audio),
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query, targetID, string(u.Status), u.Message, runID, image, video, audio, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update target %s: %w", targetID, err)
	}
	return nil
}

// GetTarget reads the target row and the steps of its latest run.
func (s *PGStore) GetTarget(ctx context.Context, targetID string) (*TargetRecord, error) {
	t := &TargetRecord{ID: targetID}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status, error, run_id, primary_image, primary_video, primary_audio, updated_at
		FROM targets WHERE id = $1
	`, targetID).Scan(
		&status,
		&t.Error,
		&t.RunID,
		&t.Media.Image,
		&t.Media.Video,
		&t.Media.Audio,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("target %q: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	t.Status = workflow.TargetStatus(status)

	rows, err := s.pool.Query(ctx, `
		SELECT step_order, status, error, results, saved_at
		FROM step_results WHERE target_id = $1 AND run_id = $2
		ORDER BY step_order
	`, targetID, t.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := StepRecord{TargetID: targetID, RunID: t.RunID}
		var stepStatus string
		var results []byte
		if err := rows.Scan(&rec.Order, &stepStatus, &rec.Error, &results, &rec.SavedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.Status = workflow.StepStatus(stepStatus)
		if len(results) > 0 {
			if err := json.Unmarshal(results, &rec.Results); err != nil {
				return nil, fmt.Errorf("failed to unmarshal results: %w", err)
			}
		}
		t.Steps = append(t.Steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return t, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS graphs (
		ref TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		definition JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		primary_image TEXT NOT NULL DEFAULT '',
		primary_video TEXT NOT NULL DEFAULT '',
		primary_audio TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS step_results (
		target_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		results JSONB,
		saved_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (target_id, run_id, step_order)
	);

	CREATE INDEX IF NOT EXISTS idx_step_results_target ON step_results(target_id);
	CREATE INDEX IF NOT EXISTS idx_targets_status ON targets(status);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}
