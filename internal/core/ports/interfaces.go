package ports

import (
	"context"

	"github.com/seclab/aegis/internal/core/domain"
)

// ScannerRuntime abstracts the sandboxed scanner (Docker container per scan).
type ScannerRuntime interface {
	// Scan runs the scanner against target with the given arguments and
	// returns its raw stdout. The runtime enforces its own hard timeout and
	// always removes the container.
	Scan(ctx context.Context, target string, args []string) (string, error)
}

// Repository abstracts the persistent storage (DuckDB)
type Repository interface {
	// Conversations
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id domain.ConversationID, title string) error
	DeleteConversation(ctx context.Context, id domain.ConversationID) error

	// Messages
	AddMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error)

	// Traces
	SaveTrace(ctx context.Context, trace *domain.Trace) error
	ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error)
	GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error)

	// Assessments and findings
	SaveAssessment(ctx context.Context, state *domain.AttackSurfaceState) error
	GetAssessment(ctx context.Context, id domain.AssessmentID) (*domain.AttackSurfaceState, error)
	ListAssessments(ctx context.Context) ([]domain.AttackSurfaceState, error)
	SaveFinding(ctx context.Context, f domain.Finding) error
	ListFindings(ctx context.Context, id domain.AssessmentID) ([]domain.Finding, error)

	// CVE retrieval corpus
	SaveCVERecords(ctx context.Context, records []domain.CVERecord) error
	ListCVERecords(ctx context.Context) ([]domain.CVERecord, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
