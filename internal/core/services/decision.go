package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/seclab/aegis/internal/core/domain"
)

// DecisionEngine is the single point where the external LLM collaborator is
// invoked. Given the transcript it produces a Decision: Finish with an
// answer, Continue with tool-call requests, or Abort when the model asked for
// a capability that is not registered.
type DecisionEngine struct {
	logger *slog.Logger
	mu     sync.RWMutex
	llm    domain.LLMProvider
	tools  *domain.ToolRegistry
	system string
}

// NewDecisionEngine creates a decision engine over the given collaborator and
// tool registry. systemPrompt overrides the default identity when non-empty.
func NewDecisionEngine(logger *slog.Logger, llm domain.LLMProvider, tools *domain.ToolRegistry, systemPrompt string) *DecisionEngine {
	if systemPrompt == "" {
		systemPrompt = "You are a security-operations assistant with access to reconnaissance and analysis tools. " +
			"Only ever act against targets the user is authorized to assess."
	}
	return &DecisionEngine{
		logger: logger,
		llm:    llm,
		tools:  tools,
		system: systemPrompt,
	}
}

// Decide runs one decision step. Transport failures are returned wrapping
// domain.ErrCollaboratorUnavailable; everything else — including unknown tool
// names — is expressed in the Decision itself so the loop stays total.
// Request IDs are assigned sequentially per cycle (call-<iter>-<n>) so the
// transcript order of results is deterministic.
func (e *DecisionEngine) Decide(ctx context.Context, t *domain.Transcript) (domain.Decision, error) {
	prompt := e.buildPrompt(t)

	e.mu.RLock()
	llm := e.llm
	e.mu.RUnlock()

	raw, err := llm.GenerateText(ctx, prompt)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%w: %v", domain.ErrCollaboratorUnavailable, err)
	}

	decision := e.Parse(raw, t.Iterations()+1)

	if decision.Kind == domain.DecisionContinue {
		for _, req := range decision.Requests {
			if !e.tools.Has(req.Name) {
				e.logger.Warn("decision requested unregistered tool", "tool", req.Name)
				return domain.Decision{
					Kind:   domain.DecisionAbort,
					Reason: fmt.Sprintf("%v: %s", domain.ErrUnknownTool, req.Name),
					Raw:    raw,
				}, nil
			}
		}
	}

	return decision, nil
}

// SetProvider swaps the collaborator. Called on settings hot-reload; in-flight
// decisions keep the provider they started with.
func (e *DecisionEngine) SetProvider(llm domain.LLMProvider) {
	e.mu.Lock()
	e.llm = llm
	e.mu.Unlock()
}

// Parse extracts a Decision from raw model output. Pure function of
// (output, iteration): the same inputs always yield the same result, which
// keeps decision steps replayable.
func (e *DecisionEngine) Parse(raw string, iteration int) domain.Decision {
	thought := extractThought(raw)

	// Final Answer wins over any trailing Action text.
	if m := finalAnswerRe.FindStringSubmatch(raw); len(m) > 1 {
		return domain.Decision{
			Kind:    domain.DecisionFinish,
			Thought: thought,
			Answer:  strings.TrimSpace(m[1]),
			Raw:     raw,
		}
	}

	requests := parseActions(raw, iteration)
	if len(requests) == 0 {
		// No recognizable action and no final answer: treat the whole reply
		// as the answer rather than looping on garbage.
		return domain.Decision{
			Kind:    domain.DecisionFinish,
			Thought: thought,
			Answer:  strings.TrimSpace(raw),
			Raw:     raw,
		}
	}

	return domain.Decision{
		Kind:     domain.DecisionContinue,
		Thought:  thought,
		Requests: requests,
		Raw:      raw,
	}
}

var (
	finalAnswerRe = regexp.MustCompile(`(?is)Final\s*Answer:\s*(.*)`)
	thoughtRe     = regexp.MustCompile(`(?i)Thought:\s*([^\n]+)`)
	actionRe      = regexp.MustCompile(`(?i)Action:\s*([a-z][a-z0-9_]*)`)
)

func extractThought(raw string) string {
	if m := thoughtRe.FindStringSubmatch(raw); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// parseActions collects every Action/Action Input pair in order of
// appearance. One reply may request several independent lookups; each gets a
// sequential identifier.
func parseActions(raw string, iteration int) []domain.ToolCallRequest {
	locs := actionRe.FindAllStringSubmatchIndex(raw, -1)
	requests := make([]domain.ToolCallRequest, 0, len(locs))

	for i, loc := range locs {
		name := raw[loc[2]:loc[3]]

		// Arguments live between this Action and the next one (or end).
		segEnd := len(raw)
		if i+1 < len(locs) {
			segEnd = locs[i+1][0]
		}
		args := extractActionInput(raw[loc[1]:segEnd])

		requests = append(requests, domain.ToolCallRequest{
			ID:   fmt.Sprintf("call-%d-%d", iteration, i+1),
			Name: name,
			Args: args,
		})
	}

	return requests
}

var actionInputRe = regexp.MustCompile(`(?i)Action\s*Input:\s*`)

// extractActionInput extracts the JSON object after "Action Input:" using
// brace-depth counting to handle nested objects.
func extractActionInput(segment string) map[string]interface{} {
	loc := actionInputRe.FindStringIndex(segment)
	if loc == nil {
		return nil
	}

	rest := segment[loc[1]:]
	start := strings.Index(rest, "{")
	if start < 0 {
		return nil
	}

	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(rest); i++ {
		ch := rest[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inStr {
			escaped = true
			continue
		}
		if ch == '"' {
			inStr = !inStr
			continue
		}
		if inStr {
			continue
		}
		if ch == '{' {
			depth++
		} else if ch == '}' {
			depth--
			if depth == 0 {
				jsonStr := rest[start : i+1]
				var params map[string]interface{}
				if err := json.Unmarshal([]byte(jsonStr), &params); err == nil {
					return params
				}
				// Unparseable JSON still reaches the tool, which can report
				// the problem back as an observation.
				return map[string]interface{}{"raw": jsonStr}
			}
		}
	}

	return nil
}

// buildPrompt renders the ReAct instruction block, the tool list and the
// transcript into a single prompt string.
func (e *DecisionEngine) buildPrompt(t *domain.Transcript) string {
	var history strings.Builder
	for _, msg := range t.Messages() {
		switch msg.Role {
		case domain.RoleUser:
			history.WriteString("User: ")
			history.WriteString(msg.Content)
		case domain.RoleAssistant:
			history.WriteString(msg.Content)
		case domain.RoleTool:
			status := ""
			if msg.ToolStatus == domain.ToolResultFailed {
				status = " (tool failed)"
			}
			fmt.Fprintf(&history, "Observation%s: %s", status, msg.Content)
		case domain.RoleSystem:
			history.WriteString("System: ")
			history.WriteString(msg.Content)
		}
		history.WriteByte('\n')
	}

	return fmt.Sprintf(`%s

You use the ReAct pattern: Thought → Action → Observation → ... → Final Answer.

FORMAT (tool call):
Thought: <reasoning>
Action: <EXACT tool name from list below>
Action Input: <JSON params>

FORMAT (direct answer):
Thought: <reasoning>
Final Answer: <response>

%s

RULES:
1. Always start with "Thought:"
2. For simple questions, go DIRECTLY to "Final Answer:" — no tools needed.
3. Use the EXACT tool name from the "Available Tools" list. Do NOT invent tool names.
4. Action Input must be valid JSON on one line.
5. You may emit several Action blocks in one reply when the lookups are independent.
6. A failed Observation is information: retry differently, pick another tool, or finish with what you have.

EXAMPLES:

Example 1 — direct answer:
User: What does CVE stand for?
Thought: Simple definition, no tool needed.
Final Answer: Common Vulnerabilities and Exposures.

Example 2 — reconnaissance:
User: What does Shodan know about 8.8.8.8?
Thought: I need host details from Shodan.
Action: shodan_host
Action Input: {"ip": "8.8.8.8"}

Example 3 — retrieval grounding:
User: Any known vulnerabilities similar to this log4j issue?
Thought: Search the CVE index for semantically similar entries.
Action: cve_search
Action Input: {"query": "JNDI lookup remote code execution in logging library", "top_k": 5}

Conversation so far:
%s
Respond now.`, e.system, e.tools.FormatToolsForPrompt(), history.String())
}
