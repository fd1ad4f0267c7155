package domain

import "errors"

// DecisionKind tags the outcome of one Decision step.
type DecisionKind string

const (
	// DecisionContinue means the model requested one or more tool calls.
	DecisionContinue DecisionKind = "continue"
	// DecisionFinish means the model produced a final answer.
	DecisionFinish DecisionKind = "finish"
	// DecisionAbort means the decision cannot be acted on (contract violation).
	DecisionAbort DecisionKind = "abort"
)

// Decision is the termination signal produced by the Decision step.
// Exactly one of Answer (Finish), Requests (Continue) or Reason (Abort)
// is meaningful, selected by Kind.
type Decision struct {
	Kind     DecisionKind      `json:"kind"`
	Thought  string            `json:"thought,omitempty"`
	Answer   string            `json:"answer,omitempty"`
	Requests []ToolCallRequest `json:"requests,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	// Raw holds the unparsed model output, appended to the transcript as the
	// assistant turn so the next decision sees its own prior reasoning.
	Raw string `json:"-"`
}

// ToolCallRequest asks for one invocation of a registered capability.
// ID correlates the eventual result back to this request; IDs are assigned
// sequentially within a cycle so transcript ordering is deterministic.
type ToolCallRequest struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolResultStatus marks a tool result as success or failure.
type ToolResultStatus string

const (
	ToolResultOK     ToolResultStatus = "ok"
	ToolResultFailed ToolResultStatus = "failed"
)

// ToolResult is the outcome of dispatching one ToolCallRequest. Failures are
// ordinary results: they become tool-role messages the model can react to,
// never a crash of the loop.
type ToolResult struct {
	RequestID string           `json:"request_id"`
	Tool      string           `json:"tool"`
	Status    ToolResultStatus `json:"status"`
	Payload   string           `json:"payload"`
}

// LoopState is the controller's position in the agent-loop state machine.
type LoopState string

const (
	LoopDeciding    LoopState = "deciding"
	LoopDispatching LoopState = "dispatching"
	LoopFinished    LoopState = "finished"
	LoopAborted     LoopState = "aborted"
)

// LoopResult is what one invocation returns: the final answer (Finished) or
// abort reason, plus the full transcript and cycle count. On abort the
// partial transcript is always included.
type LoopResult struct {
	State      LoopState `json:"state"`
	Answer     string    `json:"answer,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Iterations int       `json:"iterations"`
	Messages   []Message `json:"messages"`
}

var (
	// ErrUnknownTool — the decision requested a capability that is not
	// registered. A contract mismatch, terminal for the invocation.
	ErrUnknownTool = errors.New("unknown tool requested")

	// ErrIterationLimit — the fail-safe cutoff fired before a final answer.
	ErrIterationLimit = errors.New("iteration limit exceeded")

	// ErrCollaboratorUnavailable — the decision collaborator (LLM) could not
	// be reached. Surfaced to the caller; retry policy is theirs.
	ErrCollaboratorUnavailable = errors.New("decision collaborator unavailable")
)
