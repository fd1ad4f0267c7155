package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclab/aegis/internal/core/domain"
)

// stubDecider scripts the decision step per cycle.
type stubDecider struct {
	decisions []domain.Decision
	err       error
	calls     int
}

func (s *stubDecider) Decide(_ context.Context, _ *domain.Transcript) (domain.Decision, error) {
	s.calls++
	if s.err != nil {
		return domain.Decision{}, s.err
	}
	d := s.decisions[(s.calls-1)%len(s.decisions)]
	return d, nil
}

func continueWith(requests ...domain.ToolCallRequest) domain.Decision {
	return domain.Decision{Kind: domain.DecisionContinue, Requests: requests, Raw: "Action: ..."}
}

func finishWith(answer string) domain.Decision {
	return domain.Decision{Kind: domain.DecisionFinish, Answer: answer, Raw: "Final Answer: " + answer}
}

func newTestLoop(t *testing.T, decider Decider, reg *domain.ToolRegistry, maxIters int) *AgentLoop {
	t.Helper()
	return NewAgentLoop(testLogger(), decider, reg, nil, nil, nil, maxIters)
}

func TestLoopFinishesWithoutDispatch(t *testing.T) {
	decider := &stubDecider{decisions: []domain.Decision{finishWith("done")}}
	loop := newTestLoop(t, decider, testRegistry(t), 8)

	result, convID, err := loop.Invoke(context.Background(), "", "hello")

	require.NoError(t, err)
	assert.NotEmpty(t, convID)
	assert.Equal(t, domain.LoopFinished, result.State)
	assert.Equal(t, "done", result.Answer)
	assert.Equal(t, 0, result.Iterations)
	assert.Equal(t, 1, decider.calls)

	require.Len(t, result.Messages, 2)
	assert.Equal(t, domain.RoleUser, result.Messages[0].Role)
	assert.Equal(t, domain.RoleAssistant, result.Messages[1].Role)
}

func TestLoopIterationLimitAborts(t *testing.T) {
	var executions int
	reg := domain.NewToolRegistry()
	require.NoError(t, reg.Register(&domain.Tool{
		Name:        "echo",
		Description: "echo",
		Execute: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			executions++
			return "ok", nil
		},
	}))

	decider := &stubDecider{decisions: []domain.Decision{
		continueWith(domain.ToolCallRequest{ID: "call-x-1", Name: "echo"}),
	}}
	loop := newTestLoop(t, decider, reg, 3)

	result, _, err := loop.Invoke(context.Background(), "", "loop forever")

	require.NoError(t, err)
	assert.Equal(t, domain.LoopAborted, result.State)
	assert.Contains(t, result.Reason, domain.ErrIterationLimit.Error())

	// Exactly max dispatch cycles ran, and at most max+1 decisions were made.
	assert.Equal(t, 3, executions)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 4, decider.calls)
}

func TestLoopIterationCounterNeverPassesCutoff(t *testing.T) {
	var executions int
	reg := domain.NewToolRegistry()
	require.NoError(t, reg.Register(&domain.Tool{
		Name:        "echo",
		Description: "echo",
		Execute: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			executions++
			return "ok", nil
		},
	}))

	decider := &stubDecider{decisions: []domain.Decision{
		continueWith(domain.ToolCallRequest{ID: "call-x-1", Name: "echo"}),
	}}
	loop := newTestLoop(t, decider, reg, 1)

	result, _, err := loop.Invoke(context.Background(), "", "loop forever")

	require.NoError(t, err)
	assert.Equal(t, domain.LoopAborted, result.State)
	// The cutoff check runs before the counter moves, so even the aborting
	// cycle leaves the count at the configured maximum.
	assert.Equal(t, 1, executions)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 2, decider.calls)
}

func TestLoopToolFailureBecomesObservation(t *testing.T) {
	reg := domain.NewToolRegistry()
	require.NoError(t, reg.Register(&domain.Tool{
		Name:        "flaky",
		Description: "always fails",
		Execute: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, errors.New("connection reset")
		},
	}))

	decider := &stubDecider{decisions: []domain.Decision{
		continueWith(domain.ToolCallRequest{ID: "call-1-1", Name: "flaky"}),
		finishWith("gave up gracefully"),
	}}
	loop := newTestLoop(t, decider, reg, 8)

	result, _, err := loop.Invoke(context.Background(), "", "try the flaky tool")

	require.NoError(t, err)
	assert.Equal(t, domain.LoopFinished, result.State)

	var toolMsg *domain.Message
	for i := range result.Messages {
		if result.Messages[i].Role == domain.RoleTool {
			toolMsg = &result.Messages[i]
		}
	}
	require.NotNil(t, toolMsg, "tool failure must appear as a tool message")
	assert.Equal(t, domain.ToolResultFailed, toolMsg.ToolStatus)
	assert.True(t, strings.HasPrefix(toolMsg.Content, "Error: "))
	assert.Contains(t, toolMsg.Content, "connection reset")
	assert.Equal(t, "call-1-1", toolMsg.ToolCallID)
}

func TestLoopAbortDecisionStopsImmediately(t *testing.T) {
	decider := &stubDecider{decisions: []domain.Decision{{
		Kind:   domain.DecisionAbort,
		Reason: "unknown tool: nmap_scan",
		Raw:    "Action: nmap_scan",
	}}}
	loop := newTestLoop(t, decider, testRegistry(t), 8)

	result, _, err := loop.Invoke(context.Background(), "", "scan please")

	require.NoError(t, err)
	assert.Equal(t, domain.LoopAborted, result.State)
	assert.Contains(t, result.Reason, "nmap_scan")
	assert.Equal(t, 1, decider.calls)
}

func TestLoopCollaboratorUnavailableReturnsPartialResult(t *testing.T) {
	decider := &stubDecider{err: fmt.Errorf("%w: dial tcp: refused", domain.ErrCollaboratorUnavailable)}
	loop := newTestLoop(t, decider, testRegistry(t), 8)

	result, convID, err := loop.Invoke(context.Background(), "", "hello")

	require.ErrorIs(t, err, domain.ErrCollaboratorUnavailable)
	assert.NotEmpty(t, convID)
	require.NotNil(t, result, "partial transcript must come back alongside the error")
	assert.Equal(t, domain.LoopAborted, result.State)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, domain.RoleUser, result.Messages[0].Role)
}

func TestLoopDispatchOrderIsDeterministic(t *testing.T) {
	reg := domain.NewToolRegistry()
	delays := map[string]time.Duration{"slow": 50 * time.Millisecond, "mid": 20 * time.Millisecond, "fast": 0}
	for name, d := range delays {
		require.NoError(t, reg.Register(&domain.Tool{
			Name:        name,
			Description: name,
			Execute: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
				time.Sleep(d)
				return name, nil
			},
		}))
	}

	decider := &stubDecider{decisions: []domain.Decision{
		continueWith(
			domain.ToolCallRequest{ID: "call-1-1", Name: "slow"},
			domain.ToolCallRequest{ID: "call-1-2", Name: "mid"},
			domain.ToolCallRequest{ID: "call-1-3", Name: "fast"},
		),
		finishWith("done"),
	}}
	loop := newTestLoop(t, decider, reg, 8)

	// Completion order (fast first) must never leak into transcript order.
	for run := 0; run < 3; run++ {
		decider.calls = 0
		result, _, err := loop.Invoke(context.Background(), "", "race them")
		require.NoError(t, err)

		var ids []string
		for _, msg := range result.Messages {
			if msg.Role == domain.RoleTool {
				ids = append(ids, msg.ToolCallID)
			}
		}
		assert.Equal(t, []string{"call-1-1", "call-1-2", "call-1-3"}, ids)
	}
}

func TestLoopCancelledContextAborts(t *testing.T) {
	decider := &stubDecider{decisions: []domain.Decision{finishWith("never reached")}}
	loop := newTestLoop(t, decider, testRegistry(t), 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, _, err := loop.Invoke(ctx, "", "hello")

	require.NoError(t, err)
	assert.Equal(t, domain.LoopAborted, result.State)
	assert.Contains(t, result.Reason, "cancelled")
	assert.Equal(t, 0, decider.calls)
}

func TestLoopSeedsExistingHistory(t *testing.T) {
	repo := newFakeRepo()
	convs := NewConversationStore(repo, 8)

	conv, err := convs.CreateConversation(context.Background(), "earlier chat")
	require.NoError(t, err)
	require.NoError(t, convs.AddMessage(context.Background(), domain.Message{
		ID: "msg-old", ConversationID: conv.ID, Role: domain.RoleUser, Content: "earlier question", CreatedAt: time.Now(),
	}))

	decider := &stubDecider{decisions: []domain.Decision{finishWith("with history")}}
	loop := NewAgentLoop(testLogger(), decider, testRegistry(t), convs, nil, nil, 8)

	result, convID, err := loop.Invoke(context.Background(), conv.ID, "follow-up")

	require.NoError(t, err)
	assert.Equal(t, conv.ID, convID)
	require.GreaterOrEqual(t, len(result.Messages), 3)
	assert.Equal(t, "earlier question", result.Messages[0].Content)

	// Everything new was persisted: old + user + assistant.
	stored, err := convs.GetMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}
