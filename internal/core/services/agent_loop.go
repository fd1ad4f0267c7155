package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seclab/aegis/internal/core/domain"
)

// Decider is the decision-step contract the loop depends on. DecisionEngine
// is the production implementation; tests substitute stubs.
type Decider interface {
	Decide(ctx context.Context, t *domain.Transcript) (domain.Decision, error)
}

// AgentLoop is the dispatch & termination controller: it drives the
// Deciding → Dispatching cycle until the decision step finishes, aborts, or
// the iteration cutoff fires. Tool failures are folded back into the
// transcript as observations — the loop itself always terminates cleanly.
type AgentLoop struct {
	logger   *slog.Logger
	decider  Decider
	tools    *domain.ToolRegistry
	convs    *ConversationStore // optional; nil disables persistence
	tracer   *TraceCollector    // optional; nil disables tracing
	events   *EventBus          // optional; nil disables events
	maxIters int
	ctxLimit int // messages of history seeded into the transcript
}

// NewAgentLoop wires the loop controller. maxIters <= 0 falls back to 8.
func NewAgentLoop(
	logger *slog.Logger,
	decider Decider,
	tools *domain.ToolRegistry,
	convs *ConversationStore,
	tracer *TraceCollector,
	events *EventBus,
	maxIters int,
) *AgentLoop {
	if maxIters <= 0 {
		maxIters = 8
	}
	return &AgentLoop{
		logger:   logger,
		decider:  decider,
		tools:    tools,
		convs:    convs,
		tracer:   tracer,
		events:   events,
		maxIters: maxIters,
		ctxLimit: 20,
	}
}

// Invoke processes one user message within a conversation. An empty convID
// starts a new conversation. The returned LoopResult always carries the full
// transcript built so far, including on abort; a non-nil error means the
// decision collaborator itself was unreachable (the partial result is still
// returned alongside it).
func (l *AgentLoop) Invoke(ctx context.Context, convID domain.ConversationID, message string) (*domain.LoopResult, domain.ConversationID, error) {
	l.logger.Info("starting agent loop", "conversation_id", string(convID), "message", truncate(message, 120))

	traceName := "chat: " + truncate(message, 80)
	ctx, traceID, _ := l.startTrace(ctx, traceName, map[string]string{"conversation_id": string(convID)})

	if convID == "" {
		convID = l.createConversation(ctx, message)
	}
	l.setTraceConversation(traceID, convID)

	t := domain.NewTranscript(convID, l.loadHistory(ctx, convID))

	userMsg := t.Append(domain.Message{Role: domain.RoleUser, Content: message})
	l.persist(ctx, userMsg)

	for {
		// Cancellation is checked once per cycle, before decision or
		// dispatch. Individual tool calls are expected to be short-lived and
		// enforce their own timeouts.
		if err := ctx.Err(); err != nil {
			return l.finishAborted(ctx, traceID, t, "invocation cancelled: "+err.Error()), convID, nil
		}

		decision, err := l.decide(ctx, t)
		if err != nil {
			// Collaborator unreachable: propagate, but hand back the partial
			// transcript so the caller can persist or display it.
			l.endTrace(traceID, domain.SpanStatusError, err.Error())
			res := &domain.LoopResult{
				State:      domain.LoopAborted,
				Reason:     err.Error(),
				Iterations: t.Iterations(),
				Messages:   t.Messages(),
			}
			return res, convID, err
		}

		assistant := t.Append(domain.Message{
			Role:      domain.RoleAssistant,
			Content:   decision.Raw,
			Thought:   decision.Thought,
			ToolCalls: decision.Requests,
		})
		l.persist(ctx, assistant)

		switch decision.Kind {
		case domain.DecisionFinish:
			l.logger.Info("final answer reached", "iterations", t.Iterations())
			l.publish(convID, "loop.finished", map[string]any{"iterations": t.Iterations()})
			l.endTrace(traceID, domain.SpanStatusOK, "")
			return &domain.LoopResult{
				State:      domain.LoopFinished,
				Answer:     decision.Answer,
				Iterations: t.Iterations(),
				Messages:   t.Messages(),
			}, convID, nil

		case domain.DecisionAbort:
			return l.finishAborted(ctx, traceID, t, decision.Reason), convID, nil
		}

		// Check the cutoff before counting the next cycle: an aborted
		// invocation reports exactly maxIters, never maxIters+1.
		if t.Iterations() >= l.maxIters {
			return l.finishAborted(ctx, traceID, t, domain.ErrIterationLimit.Error()), convID, nil
		}
		cycle := t.NextIteration()

		l.publish(convID, "loop.cycle", map[string]any{"cycle": cycle, "requests": len(decision.Requests)})

		for _, res := range l.dispatch(ctx, decision.Requests) {
			toolMsg := t.Append(domain.Message{
				Role:       domain.RoleTool,
				Content:    res.Payload,
				ToolCallID: res.RequestID,
				ToolStatus: res.Status,
			})
			l.persist(ctx, toolMsg)
		}
	}
}

// dispatch executes the cycle's requests concurrently and returns the
// results ordered by request identifier — each goroutine writes its own slot,
// so the transcript order never depends on which tool returned first.
func (l *AgentLoop) dispatch(ctx context.Context, requests []domain.ToolCallRequest) []domain.ToolResult {
	results := make([]domain.ToolResult, len(requests))

	var g errgroup.Group
	for i, req := range requests {
		g.Go(func() error {
			results[i] = l.dispatchOne(ctx, req)
			return nil
		})
	}
	_ = g.Wait() // dispatchOne never returns an error; failures are results

	return results
}

func (l *AgentLoop) dispatchOne(ctx context.Context, req domain.ToolCallRequest) domain.ToolResult {
	l.logger.Info("executing tool", "tool", req.Name, "request_id", req.ID)

	toolCtx, spanID := l.startSpan(ctx, "tool."+req.Name, domain.SpanKindTool, map[string]string{"request_id": req.ID})
	if in, err := json.Marshal(req.Args); err == nil {
		l.setSpanInput(spanID, string(in))
	}

	out, err := l.tools.Execute(toolCtx, req.Name, req.Args)
	if err != nil {
		payload := "Error: " + err.Error()
		l.endSpan(spanID, domain.SpanStatusError, payload, err.Error())
		l.logger.Warn("tool failed", "tool", req.Name, "error", err)
		return domain.ToolResult{RequestID: req.ID, Tool: req.Name, Status: domain.ToolResultFailed, Payload: payload}
	}

	payload := formatToolOutput(out)
	l.endSpan(spanID, domain.SpanStatusOK, truncate(payload, 500), "")
	return domain.ToolResult{RequestID: req.ID, Tool: req.Name, Status: domain.ToolResultOK, Payload: payload}
}

func (l *AgentLoop) decide(ctx context.Context, t *domain.Transcript) (domain.Decision, error) {
	llmCtx, spanID := l.startSpan(ctx, fmt.Sprintf("llm.decide (iter %d)", t.Iterations()+1), domain.SpanKindLLM, nil)

	decision, err := l.decider.Decide(llmCtx, t)
	if err != nil {
		l.endSpan(spanID, domain.SpanStatusError, "", err.Error())
		if !errors.Is(err, domain.ErrCollaboratorUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrCollaboratorUnavailable, err)
		}
		return domain.Decision{}, err
	}

	l.endSpan(spanID, domain.SpanStatusOK, truncate(decision.Raw, 500), "")
	return decision, nil
}

func (l *AgentLoop) finishAborted(ctx context.Context, traceID domain.TraceID, t *domain.Transcript, reason string) *domain.LoopResult {
	l.logger.Warn("agent loop aborted", "reason", reason, "iterations", t.Iterations())
	l.publish(t.ConversationID(), "loop.aborted", map[string]any{"reason": reason})
	l.endTrace(traceID, domain.SpanStatusError, reason)
	return &domain.LoopResult{
		State:      domain.LoopAborted,
		Reason:     reason,
		Iterations: t.Iterations(),
		Messages:   t.Messages(),
	}
}

// --- collaborator plumbing (all nil-safe) ---

func (l *AgentLoop) createConversation(ctx context.Context, message string) domain.ConversationID {
	if l.convs == nil {
		return domain.NewConversationID()
	}
	conv, err := l.convs.CreateConversation(ctx, truncate(message, 50))
	if err != nil {
		l.logger.Error("failed to create conversation", "error", err)
		return domain.NewConversationID()
	}
	return conv.ID
}

func (l *AgentLoop) loadHistory(ctx context.Context, convID domain.ConversationID) []domain.Message {
	if l.convs == nil {
		return nil
	}
	msgs, err := l.convs.GetMessages(ctx, convID, l.ctxLimit)
	if err != nil {
		l.logger.Warn("failed to load conversation history", "conversation_id", string(convID), "error", err)
		return nil
	}
	return msgs
}

func (l *AgentLoop) persist(ctx context.Context, msg domain.Message) {
	if l.convs == nil {
		return
	}
	if err := l.convs.AddMessage(ctx, msg); err != nil {
		l.logger.Error("failed to persist message", "message_id", string(msg.ID), "error", err)
	}
}

func (l *AgentLoop) publish(convID domain.ConversationID, event string, data map[string]any) {
	if l.events == nil {
		return
	}
	payload, _ := json.Marshal(data)
	l.events.Publish(Event{
		Key:       string(convID),
		Type:      EventType(event),
		Data:      string(payload),
		Timestamp: time.Now().Unix(),
	})
}

func (l *AgentLoop) startTrace(ctx context.Context, name string, attrs map[string]string) (context.Context, domain.TraceID, domain.SpanID) {
	if l.tracer == nil {
		return ctx, "", ""
	}
	return l.tracer.StartTrace(ctx, name, attrs)
}

func (l *AgentLoop) setTraceConversation(traceID domain.TraceID, convID domain.ConversationID) {
	if l.tracer == nil || traceID == "" {
		return
	}
	l.tracer.SetTraceConversation(traceID, string(convID))
}

func (l *AgentLoop) endTrace(traceID domain.TraceID, status domain.SpanStatus, errMsg string) {
	if l.tracer == nil || traceID == "" {
		return
	}
	l.tracer.EndTrace(traceID, status, errMsg)
}

func (l *AgentLoop) startSpan(ctx context.Context, name string, kind domain.SpanKind, attrs map[string]string) (context.Context, domain.SpanID) {
	if l.tracer == nil {
		return ctx, ""
	}
	return l.tracer.StartSpan(ctx, name, kind, attrs)
}

func (l *AgentLoop) setSpanInput(spanID domain.SpanID, input string) {
	if l.tracer == nil || spanID == "" {
		return
	}
	l.tracer.SetSpanInput(spanID, input)
}

func (l *AgentLoop) endSpan(spanID domain.SpanID, status domain.SpanStatus, output, errMsg string) {
	if l.tracer == nil || spanID == "" {
		return
	}
	l.tracer.EndSpan(spanID, status, output, errMsg)
}

// --- helpers ---

func formatToolOutput(out interface{}) string {
	switch v := out.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
