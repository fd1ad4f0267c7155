package domain

import (
	"errors"
	"time"

	"crypto/rand"
	"encoding/hex"
)

// ConversationID uniquely identifies a conversation
type ConversationID string

// MessageID uniquely identifies a message within a conversation
type MessageID string

// MessageRole defines who authored a message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Conversation represents a multi-turn session with the agent
type Conversation struct {
	ID        ConversationID `json:"id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message represents a single turn in a conversation. Assistant messages may
// carry the tool-call requests they emitted; tool messages carry one result,
// correlated back to its request by ToolCallID.
type Message struct {
	ID             MessageID              `json:"id"`
	ConversationID ConversationID         `json:"conversation_id"`
	Role           MessageRole            `json:"role"`
	Content        string                 `json:"content"`
	Thought        string                 `json:"thought,omitempty"`
	ToolCalls      []ToolCallRequest      `json:"tool_calls,omitempty"`
	ToolCallID     string                 `json:"tool_call_id,omitempty"`
	ToolStatus     ToolResultStatus       `json:"tool_status,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// NewConversationID generates a compact random conversation ID (conv-<12 hex>)
func NewConversationID() ConversationID {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return ConversationID("conv-" + hex.EncodeToString(b))
}

// NewMessageID generates a compact random message ID (msg-<12 hex>)
func NewMessageID() MessageID {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return MessageID("msg-" + hex.EncodeToString(b))
}

// Transcript is the conversation state owned by one agent-loop invocation:
// an append-only ordered message log plus the iteration counter. Past entries
// are never mutated, which keeps a run auditable and replayable.
type Transcript struct {
	convID     ConversationID
	messages   []Message
	iterations int
}

// NewTranscript creates a transcript for one invocation, optionally seeded
// with prior history. The seed is copied — the transcript never aliases
// caller-owned slices.
func NewTranscript(convID ConversationID, seed []Message) *Transcript {
	t := &Transcript{convID: convID}
	if len(seed) > 0 {
		t.messages = make([]Message, len(seed))
		copy(t.messages, seed)
	}
	return t
}

// ConversationID returns the conversation this transcript belongs to.
func (t *Transcript) ConversationID() ConversationID { return t.convID }

// Append adds a message to the end of the log, filling in ID, conversation
// and timestamp when absent, and returns the stored message.
func (t *Transcript) Append(msg Message) Message {
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = t.convID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	t.messages = append(t.messages, msg)
	return msg
}

// Messages returns a defensive copy of the ordered log.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages in the log.
func (t *Transcript) Len() int { return len(t.messages) }

// Iterations returns how many loop cycles have completed.
func (t *Transcript) Iterations() int { return t.iterations }

// NextIteration increments the cycle counter and returns the new value.
func (t *Transcript) NextIteration() int {
	t.iterations++
	return t.iterations
}
