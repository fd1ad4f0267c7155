package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/seclab/aegis/internal/core/domain"
	"github.com/seclab/aegis/internal/core/ports"
)

// fakeRepo is an in-memory ports.Repository for service tests.
type fakeRepo struct {
	mu            sync.Mutex
	conversations map[domain.ConversationID]domain.Conversation
	messages      map[domain.ConversationID][]domain.Message
	traces        map[domain.TraceID]*domain.Trace
	assessments   map[domain.AssessmentID]*domain.AttackSurfaceState
	findings      map[domain.AssessmentID][]domain.Finding
	cveRecords    []domain.CVERecord
	settings      map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		conversations: make(map[domain.ConversationID]domain.Conversation),
		messages:      make(map[domain.ConversationID][]domain.Message),
		traces:        make(map[domain.TraceID]*domain.Trace),
		assessments:   make(map[domain.AssessmentID]*domain.AttackSurfaceState),
		findings:      make(map[domain.AssessmentID][]domain.Finding),
		settings:      make(map[string]string),
	}
}

var _ ports.Repository = (*fakeRepo)(nil)

func (r *fakeRepo) CreateConversation(_ context.Context, conv domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conv.ID] = conv
	return nil
}

func (r *fakeRepo) GetConversation(_ context.Context, id domain.ConversationID) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return conv, nil
}

func (r *fakeRepo) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Conversation, 0, len(r.conversations))
	for _, conv := range r.conversations {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *fakeRepo) UpdateConversationTitle(_ context.Context, id domain.ConversationID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.Title = title
	r.conversations[id] = conv
	return nil
}

func (r *fakeRepo) DeleteConversation(_ context.Context, id domain.ConversationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conversations, id)
	delete(r.messages, id)
	return nil
}

func (r *fakeRepo) AddMessage(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	return nil
}

func (r *fakeRepo) ListMessages(_ context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[convID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *fakeRepo) SaveTrace(_ context.Context, trace *domain.Trace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *trace
	r.traces[trace.ID] = &cp
	return nil
}

func (r *fakeRepo) ListTraces(_ context.Context, limit int) ([]domain.TraceSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TraceSummary, 0, len(r.traces))
	for _, tr := range r.traces {
		out = append(out, domain.TraceSummary{ID: tr.ID, Name: tr.Name, Status: tr.Status, StartTime: tr.StartTime, DurationMs: tr.DurationMs, SpanCount: tr.SpanCount})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) GetTrace(_ context.Context, id domain.TraceID) (*domain.Trace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.traces[id]
	if !ok {
		return nil, fmt.Errorf("trace not found: %s", id)
	}
	cp := *tr
	return &cp, nil
}

func (r *fakeRepo) SaveAssessment(_ context.Context, state *domain.AttackSurfaceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *state
	r.assessments[state.ID] = &cp
	return nil
}

func (r *fakeRepo) GetAssessment(_ context.Context, id domain.AssessmentID) (*domain.AttackSurfaceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.assessments[id]
	if !ok {
		return nil, domain.ErrAssessmentNotFound
	}
	cp := *state
	return &cp, nil
}

func (r *fakeRepo) ListAssessments(_ context.Context) ([]domain.AttackSurfaceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AttackSurfaceState, 0, len(r.assessments))
	for _, state := range r.assessments {
		out = append(out, *state)
	}
	return out, nil
}

func (r *fakeRepo) SaveFinding(_ context.Context, f domain.Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings[f.AssessmentID] = append(r.findings[f.AssessmentID], f)
	return nil
}

func (r *fakeRepo) ListFindings(_ context.Context, id domain.AssessmentID) ([]domain.Finding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Finding, len(r.findings[id]))
	copy(out, r.findings[id])
	return out, nil
}

func (r *fakeRepo) SaveCVERecords(_ context.Context, records []domain.CVERecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cveRecords = append(r.cveRecords, records...)
	return nil
}

func (r *fakeRepo) ListCVERecords(_ context.Context) ([]domain.CVERecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CVERecord, len(r.cveRecords))
	copy(out, r.cveRecords)
	return out, nil
}

func (r *fakeRepo) GetSetting(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings[key], nil
}

func (r *fakeRepo) SaveSetting(_ context.Context, key string, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
	return nil
}
