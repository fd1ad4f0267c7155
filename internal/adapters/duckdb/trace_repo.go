package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seclab/aegis/internal/core/domain"
)

// SaveTrace persists a completed trace and all its spans.
func (r *Repository) SaveTrace(ctx context.Context, trace *domain.Trace) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO traces (id, name, status, conversation_id, root_span_id,
		                    start_time, end_time, duration_ms, span_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status      = excluded.status,
			end_time    = excluded.end_time,
			duration_ms = excluded.duration_ms,
			span_count  = excluded.span_count`,
		string(trace.ID),
		trace.Name,
		string(trace.Status),
		trace.ConversationID,
		string(trace.RootSpanID),
		trace.StartTime,
		trace.EndTime,
		trace.DurationMs,
		trace.SpanCount,
	)
	if err != nil {
		return fmt.Errorf("upsert trace: %w", err)
	}

	for _, span := range trace.Spans {
		attrJSON, _ := json.Marshal(span.Attributes)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO spans (id, trace_id, parent_id, name, kind, status,
			                   input, output, error, attributes, start_time, end_time, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status      = excluded.status,
				output      = excluded.output,
				error       = excluded.error,
				end_time    = excluded.end_time,
				duration_ms = excluded.duration_ms`,
			string(span.ID),
			string(span.TraceID),
			string(span.ParentID),
			span.Name,
			string(span.Kind),
			string(span.Status),
			span.Input,
			span.Output,
			span.Error,
			string(attrJSON),
			span.StartTime,
			span.EndTime,
			span.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("upsert span %s: %w", span.ID, err)
		}
	}

	return tx.Commit()
}

// ListTraces returns trace summaries, newest first.
func (r *Repository) ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, status, start_time, duration_ms, span_count
		FROM traces ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var summaries []domain.TraceSummary
	for rows.Next() {
		var s domain.TraceSummary
		var id, status string
		if err := rows.Scan(&id, &s.Name, &status, &s.StartTime, &s.DurationMs, &s.SpanCount); err != nil {
			return nil, fmt.Errorf("scan trace summary: %w", err)
		}
		s.ID = domain.TraceID(id)
		s.Status = domain.SpanStatus(status)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// GetTrace loads a trace with all its spans.
func (r *Repository) GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error) {
	var trace domain.Trace
	var tid, status, rootSpanID string
	var endTime sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, status, conversation_id, root_span_id,
		       start_time, end_time, duration_ms, span_count
		FROM traces WHERE id = ?`, string(id),
	).Scan(&tid, &trace.Name, &status, &trace.ConversationID, &rootSpanID,
		&trace.StartTime, &endTime, &trace.DurationMs, &trace.SpanCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trace not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("select trace: %w", err)
	}
	trace.ID = domain.TraceID(tid)
	trace.Status = domain.SpanStatus(status)
	trace.RootSpanID = domain.SpanID(rootSpanID)
	if endTime.Valid {
		trace.EndTime = &endTime.Time
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trace_id, parent_id, name, kind, status,
		       input, output, error, attributes, start_time, end_time, duration_ms
		FROM spans WHERE trace_id = ? ORDER BY start_time, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var span domain.Span
		var sid, traceID, parentID, kind, spanStatus, attrs string
		var spanEnd sql.NullTime
		if err := rows.Scan(&sid, &traceID, &parentID, &span.Name, &kind, &spanStatus,
			&span.Input, &span.Output, &span.Error, &attrs, &span.StartTime, &spanEnd, &span.DurationMs); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		span.ID = domain.SpanID(sid)
		span.TraceID = domain.TraceID(traceID)
		span.ParentID = domain.SpanID(parentID)
		span.Kind = domain.SpanKind(kind)
		span.Status = domain.SpanStatus(spanStatus)
		if spanEnd.Valid {
			span.EndTime = &spanEnd.Time
		}
		if attrs != "" && attrs != "null" {
			_ = json.Unmarshal([]byte(attrs), &span.Attributes)
		}
		trace.Spans = append(trace.Spans, span)
	}
	return &trace, rows.Err()
}
