package duckdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclab/aegis/internal/core/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestConversationRoundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	conv := domain.Conversation{ID: "conv-aaa", Title: "recon on acme", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateConversation(ctx, conv))

	got, err := repo.GetConversation(ctx, "conv-aaa")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "recon on acme", got.Title)

	require.NoError(t, repo.UpdateConversationTitle(ctx, "conv-aaa", "renamed"))
	got, err = repo.GetConversation(ctx, "conv-aaa")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)

	_, err = repo.GetConversation(ctx, "conv-missing")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	assert.ErrorIs(t, repo.UpdateConversationTitle(ctx, "conv-missing", "x"), domain.ErrConversationNotFound)
}

func TestMessagePersistenceKeepsOrderAndToolFields(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	conv := domain.Conversation{ID: "conv-bbb", Title: "t", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateConversation(ctx, conv))

	msgs := []domain.Message{
		{ID: "msg-1", ConversationID: conv.ID, Role: domain.RoleUser, Content: "scan 10.0.0.5", CreatedAt: now},
		{
			ID: "msg-2", ConversationID: conv.ID, Role: domain.RoleAssistant, Content: "Action: port_scan",
			Thought:   "need to verify exposure",
			ToolCalls: []domain.ToolCallRequest{{ID: "call-1-1", Name: "port_scan", Args: map[string]interface{}{"target": "10.0.0.5"}}},
			CreatedAt: now.Add(time.Second),
		},
		{
			ID: "msg-3", ConversationID: conv.ID, Role: domain.RoleTool, Content: "Error: docker unavailable",
			ToolCallID: "call-1-1", ToolStatus: domain.ToolResultFailed,
			CreatedAt: now.Add(2 * time.Second),
		},
	}
	for _, msg := range msgs {
		require.NoError(t, repo.AddMessage(ctx, msg))
	}

	got, err := repo.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, domain.MessageID("msg-1"), got[0].ID)
	assert.Equal(t, "need to verify exposure", got[1].Thought)
	require.Len(t, got[1].ToolCalls, 1)
	assert.Equal(t, "port_scan", got[1].ToolCalls[0].Name)
	assert.Equal(t, "10.0.0.5", got[1].ToolCalls[0].Args["target"])
	assert.Equal(t, domain.ToolResultFailed, got[2].ToolStatus)
	assert.Equal(t, "call-1-1", got[2].ToolCallID)

	// limit returns the most recent messages, still oldest-first.
	tail, err := repo.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, domain.MessageID("msg-2"), tail[0].ID)
	assert.Equal(t, domain.MessageID("msg-3"), tail[1].ID)
}

func TestDeleteConversationCascades(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.CreateConversation(ctx, domain.Conversation{ID: "conv-ccc", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, repo.AddMessage(ctx, domain.Message{ID: "msg-1", ConversationID: "conv-ccc", Role: domain.RoleUser, Content: "x", CreatedAt: now}))

	require.NoError(t, repo.DeleteConversation(ctx, "conv-ccc"))

	_, err := repo.GetConversation(ctx, "conv-ccc")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	msgs, err := repo.ListMessages(ctx, "conv-ccc", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTraceRoundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Millisecond)
	end := start.Add(3 * time.Second)
	trace := &domain.Trace{
		ID:             "trace-1",
		RootSpanID:     "span-root",
		Name:           "chat: scan target",
		Status:         domain.SpanStatusOK,
		ConversationID: "conv-aaa",
		StartTime:      start,
		EndTime:        &end,
		DurationMs:     3000,
		SpanCount:      2,
		Spans: []domain.Span{
			{ID: "span-root", TraceID: "trace-1", Name: "chat", Kind: domain.SpanKindAgent, Status: domain.SpanStatusOK, StartTime: start},
			{ID: "span-tool", ParentID: "span-root", TraceID: "trace-1", Name: "tool.port_scan", Kind: domain.SpanKindTool,
				Status: domain.SpanStatusError, Error: "timeout", Attributes: map[string]string{"request_id": "call-1-1"}, StartTime: start.Add(time.Second)},
		},
	}
	require.NoError(t, repo.SaveTrace(ctx, trace))
	// Saving again must upsert, not fail.
	require.NoError(t, repo.SaveTrace(ctx, trace))

	got, err := repo.GetTrace(ctx, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, trace.Name, got.Name)
	require.Len(t, got.Spans, 2)
	assert.Equal(t, domain.SpanKindTool, got.Spans[1].Kind)
	assert.Equal(t, "timeout", got.Spans[1].Error)
	assert.Equal(t, "call-1-1", got.Spans[1].Attributes["request_id"])

	summaries, err := repo.ListTraces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].SpanCount)
}

func TestAssessmentRoundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	state := &domain.AttackSurfaceState{
		ID:        "assess-1",
		Target:    "10.0.0.5",
		Status:    domain.AssessmentRunning,
		Step:      domain.StepPortScan,
		Hosts:     []string{"10.0.0.5"},
		OpenPorts: []domain.PortObservation{{Host: "10.0.0.5", Port: 22, Proto: "tcp", Service: "ssh"}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.SaveAssessment(ctx, state))

	state.Status = domain.AssessmentDone
	state.Report = "all clear"
	require.NoError(t, repo.SaveAssessment(ctx, state))

	got, err := repo.GetAssessment(ctx, "assess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssessmentDone, got.Status)
	assert.Equal(t, "all clear", got.Report)
	require.Len(t, got.OpenPorts, 1)
	assert.Equal(t, 22, got.OpenPorts[0].Port)

	_, err = repo.GetAssessment(ctx, "assess-missing")
	assert.ErrorIs(t, err, domain.ErrAssessmentNotFound)

	finding := domain.Finding{ID: "find-1", AssessmentID: "assess-1", Host: "10.0.0.5", Port: 22,
		Severity: domain.SeverityHigh, Title: "outdated ssh", Exploitable: true, CreatedAt: now}
	require.NoError(t, repo.SaveFinding(ctx, finding))

	findings, err := repo.ListFindings(ctx, "assess-1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.True(t, findings[0].Exploitable)
}

func TestCVERecordsRoundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	records := []domain.CVERecord{
		{ID: "CVE-2021-44228", Summary: "log4shell", Severity: "critical", CWE: "CWE-502", Vendor: "apache", Embedding: []float32{0.1, 0.2}},
		{ID: "CVE-2014-0160", Summary: "heartbleed", Severity: "high", Embedding: []float32{0.3, 0.4}},
	}
	require.NoError(t, repo.SaveCVERecords(ctx, records))
	// Upsert on re-import.
	records[0].Severity = "CRITICAL"
	require.NoError(t, repo.SaveCVERecords(ctx, records[:1]))

	got, err := repo.ListCVERecords(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "CVE-2014-0160", got[0].ID)
	assert.Equal(t, "CRITICAL", got[1].Severity)
	assert.Equal(t, []float32{0.1, 0.2}, got[1].Embedding)
}

func TestSettingsRoundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	val, err := repo.GetSetting(ctx, "app_config")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, repo.SaveSetting(ctx, "app_config", `{"a":1}`))
	require.NoError(t, repo.SaveSetting(ctx, "app_config", `{"a":2}`))

	val, err = repo.GetSetting(ctx, "app_config")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, val)
}
