package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seclab/aegis/internal/core/domain"
)

// SaveAssessment upserts the full assessment state. The accumulated state is
// stored as a JSON document alongside queryable columns, so intermediate
// snapshots survive crashes without a wide mutable schema.
func (r *Repository) SaveAssessment(ctx context.Context, state *domain.AttackSurfaceState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal assessment state: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO assessments (id, target, status, step, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status     = excluded.status,
			step       = excluded.step,
			state      = excluded.state,
			updated_at = excluded.updated_at`,
		string(state.ID), state.Target, string(state.Status), string(state.Step),
		string(blob), state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert assessment: %w", err)
	}
	return nil
}

func (r *Repository) GetAssessment(ctx context.Context, id domain.AssessmentID) (*domain.AttackSurfaceState, error) {
	var blob string
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM assessments WHERE id = ?`, string(id)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAssessmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select assessment: %w", err)
	}

	var state domain.AttackSurfaceState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("unmarshal assessment state: %w", err)
	}
	return &state, nil
}

func (r *Repository) ListAssessments(ctx context.Context) ([]domain.AttackSurfaceState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT state FROM assessments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var states []domain.AttackSurfaceState
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		var state domain.AttackSurfaceState
		if err := json.Unmarshal([]byte(blob), &state); err != nil {
			return nil, fmt.Errorf("unmarshal assessment state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func (r *Repository) SaveFinding(ctx context.Context, f domain.Finding) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO findings (id, assessment_id, host, port, service, severity,
		                      title, detail, exploitable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			severity    = excluded.severity,
			title       = excluded.title,
			detail      = excluded.detail,
			exploitable = excluded.exploitable`,
		f.ID, string(f.AssessmentID), f.Host, f.Port, f.Service, string(f.Severity),
		f.Title, f.Detail, f.Exploitable, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert finding: %w", err)
	}
	return nil
}

func (r *Repository) ListFindings(ctx context.Context, id domain.AssessmentID) ([]domain.Finding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, assessment_id, host, port, service, severity, title, detail, exploitable, created_at
		FROM findings WHERE assessment_id = ? ORDER BY created_at, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var findings []domain.Finding
	for rows.Next() {
		var f domain.Finding
		var aid, severity string
		if err := rows.Scan(&f.ID, &aid, &f.Host, &f.Port, &f.Service, &severity,
			&f.Title, &f.Detail, &f.Exploitable, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.AssessmentID = domain.AssessmentID(aid)
		f.Severity = domain.FindingSeverity(severity)
		findings = append(findings, f)
	}
	return findings, rows.Err()
}
