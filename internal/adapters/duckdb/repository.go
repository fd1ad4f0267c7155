package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/seclab/aegis/internal/core/domain"
	"github.com/seclab/aegis/internal/core/ports"
)

// Repository is the DuckDB-backed implementation of ports.Repository.
// A single embedded database file holds conversations, traces, assessments,
// the CVE corpus and settings.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the database at path and ensures the
// schema exists. path ":memory:" gives an ephemeral database, used by tests.
func NewRepository(path string) (*Repository, error) {
	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// DuckDB is an embedded single-writer engine; one connection avoids
	// write-write conflicts between pooled handles.
	db.SetMaxOpenConns(1)

	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

var _ ports.Repository = (*Repository)(nil)

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         VARCHAR PRIMARY KEY,
			title      VARCHAR,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              VARCHAR PRIMARY KEY,
			conversation_id VARCHAR,
			role            VARCHAR,
			content         VARCHAR,
			thought         VARCHAR,
			tool_calls      VARCHAR,
			tool_call_id    VARCHAR,
			tool_status     VARCHAR,
			metadata        VARCHAR,
			created_at      TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS traces (
			id              VARCHAR PRIMARY KEY,
			name            VARCHAR,
			status          VARCHAR,
			conversation_id VARCHAR,
			root_span_id    VARCHAR,
			start_time      TIMESTAMP,
			end_time        TIMESTAMP,
			duration_ms     BIGINT,
			span_count      INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS spans (
			id          VARCHAR PRIMARY KEY,
			trace_id    VARCHAR,
			parent_id   VARCHAR,
			name        VARCHAR,
			kind        VARCHAR,
			status      VARCHAR,
			input       VARCHAR,
			output      VARCHAR,
			error       VARCHAR,
			attributes  VARCHAR,
			start_time  TIMESTAMP,
			end_time    TIMESTAMP,
			duration_ms BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS assessments (
			id         VARCHAR PRIMARY KEY,
			target     VARCHAR,
			status     VARCHAR,
			step       VARCHAR,
			state      VARCHAR,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS findings (
			id            VARCHAR PRIMARY KEY,
			assessment_id VARCHAR,
			host          VARCHAR,
			port          INTEGER,
			service       VARCHAR,
			severity      VARCHAR,
			title         VARCHAR,
			detail        VARCHAR,
			exploitable   BOOLEAN,
			created_at    TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS cve_records (
			id        VARCHAR PRIMARY KEY,
			summary   VARCHAR,
			severity  VARCHAR,
			cwe       VARCHAR,
			vendor    VARCHAR,
			embedding VARCHAR
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key   VARCHAR PRIMARY KEY,
			value VARCHAR
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// --- Conversations ---

func (r *Repository) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		string(conv.ID), conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r *Repository) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	var conv domain.Conversation
	var convID string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, string(id),
	).Scan(&convID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	conv.ID = domain.ConversationID(convID)
	return conv, nil
}

func (r *Repository) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var convID string
		if err := rows.Scan(&convID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.ID = domain.ConversationID(convID)
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (r *Repository) UpdateConversationTitle(ctx context.Context, id domain.ConversationID, title string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = now() WHERE id = ?`, title, string(id))
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (r *Repository) DeleteConversation(ctx context.Context, id domain.ConversationID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// --- Messages ---

func (r *Repository) AddMessage(ctx context.Context, msg domain.Message) error {
	toolCalls, _ := json.Marshal(msg.ToolCalls)
	metadata, _ := json.Marshal(msg.Metadata)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, thought,
		                      tool_calls, tool_call_id, tool_status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.ID), string(msg.ConversationID), string(msg.Role), msg.Content, msg.Thought,
		string(toolCalls), msg.ToolCallID, string(msg.ToolStatus), string(metadata), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, string(msg.ConversationID))
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ListMessages returns messages in chronological order. limit > 0 returns the
// most recent limit messages, still oldest-first.
func (r *Repository) ListMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, thought, tool_calls,
	                 tool_call_id, tool_status, metadata, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY created_at, id`
	args := []interface{}{string(convID)}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, conversation_id, role, content, thought, tool_calls,
			       tool_call_id, tool_status, metadata, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at, id`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var id, cid, role, toolCalls, toolStatus, metadata string
		if err := rows.Scan(&id, &cid, &role, &msg.Content, &msg.Thought,
			&toolCalls, &msg.ToolCallID, &toolStatus, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ID = domain.MessageID(id)
		msg.ConversationID = domain.ConversationID(cid)
		msg.Role = domain.MessageRole(role)
		msg.ToolStatus = domain.ToolResultStatus(toolStatus)
		if toolCalls != "" && toolCalls != "null" {
			_ = json.Unmarshal([]byte(toolCalls), &msg.ToolCalls)
		}
		if metadata != "" && metadata != "null" {
			_ = json.Unmarshal([]byte(metadata), &msg.Metadata)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// --- CVE corpus ---

func (r *Repository) SaveCVERecords(ctx context.Context, records []domain.CVERecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range records {
		embedding, _ := json.Marshal(rec.Embedding)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cve_records (id, summary, severity, cwe, vendor, embedding)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				summary   = excluded.summary,
				severity  = excluded.severity,
				cwe       = excluded.cwe,
				vendor    = excluded.vendor,
				embedding = excluded.embedding`,
			rec.ID, rec.Summary, rec.Severity, rec.CWE, rec.Vendor, string(embedding),
		)
		if err != nil {
			return fmt.Errorf("upsert cve %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) ListCVERecords(ctx context.Context) ([]domain.CVERecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, summary, severity, cwe, vendor, embedding FROM cve_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cve records: %w", err)
	}
	defer rows.Close()

	var records []domain.CVERecord
	for rows.Next() {
		var rec domain.CVERecord
		var embedding string
		if err := rows.Scan(&rec.ID, &rec.Summary, &rec.Severity, &rec.CWE, &rec.Vendor, &embedding); err != nil {
			return nil, fmt.Errorf("scan cve record: %w", err)
		}
		if embedding != "" && embedding != "null" {
			_ = json.Unmarshal([]byte(embedding), &rec.Embedding)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Settings ---

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select setting: %w", err)
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}
