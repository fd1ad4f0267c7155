package domain

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Tool represents an executable capability available to the agent
type Tool struct {
	Name        string
	Description string
	Parameters  ToolParameters
	Execute     ToolExecutor
}

// ToolParameters defines the schema for tool inputs
type ToolParameters struct {
	Type       string                 `json:"type"`       // "object"
	Properties map[string]interface{} `json:"properties"` // param definitions
	Required   []string               `json:"required"`   // required param names
}

// ToolExecutor is the function signature for tool execution
type ToolExecutor func(ctx context.Context, params map[string]interface{}) (interface{}, error)

var toolNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ToolRegistry manages available tools. Lookup is exact-match by name:
// a name the model invented is a contract violation and is rejected, never
// silently corrected or dropped.
type ToolRegistry struct {
	tools map[string]*Tool
}

// NewToolRegistry creates a new empty registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*Tool),
	}
}

// Register validates and adds a tool. Validation happens here, at
// registration time, so dispatch can trust every registered entry:
// snake_case name, an executor, an object schema, and required params that
// exist in the properties map.
func (r *ToolRegistry) Register(tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	if !toolNameRe.MatchString(tool.Name) {
		return fmt.Errorf("invalid tool name %q: must match %s", tool.Name, toolNameRe)
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %q has no executor", tool.Name)
	}
	if tool.Parameters.Type != "" && tool.Parameters.Type != "object" {
		return fmt.Errorf("tool %q: parameter schema type must be \"object\", got %q", tool.Name, tool.Parameters.Type)
	}
	for _, req := range tool.Parameters.Required {
		if _, ok := tool.Parameters.Properties[req]; !ok {
			return fmt.Errorf("tool %q: required parameter %q missing from properties", tool.Name, req)
		}
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Lookup returns a tool by exact name.
func (r *ToolRegistry) Lookup(name string) (*Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Has reports whether a tool name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Execute runs a registered tool. Unknown names are a hard error wrapping
// ErrUnknownTool.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool.Execute(ctx, params)
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools returns all registered tools ordered by name.
func (r *ToolRegistry) ListTools() []*Tool {
	tools := make([]*Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// FormatToolsForPrompt generates a concise description of available tools for
// the LLM prompt. Compact format — name, description, params — to keep token
// usage down. Stable order so prompts are reproducible.
func (r *ToolRegistry) FormatToolsForPrompt() string {
	var sb strings.Builder
	sb.WriteString("Available Tools:\n")
	for _, tool := range r.ListTools() {
		reqParams := ""
		if len(tool.Parameters.Required) > 0 {
			reqParams = " | required: " + strings.Join(tool.Parameters.Required, ", ")
		}

		paramsList := ""
		if len(tool.Parameters.Properties) > 0 {
			names := make([]string, 0, len(tool.Parameters.Properties))
			for pName := range tool.Parameters.Properties {
				names = append(names, pName)
			}
			sort.Strings(names)
			parts := make([]string, 0, len(names))
			for _, pName := range names {
				pType := "any"
				if pm, ok := tool.Parameters.Properties[pName].(map[string]interface{}); ok {
					if t, ok := pm["type"].(string); ok {
						pType = t
					}
				}
				parts = append(parts, pName+":"+pType)
			}
			paramsList = " | params: {" + strings.Join(parts, ", ") + "}"
		}

		fmt.Fprintf(&sb, "- %s: %s%s%s\n", tool.Name, tool.Description, paramsList, reqParams)
	}
	return sb.String()
}

// FilterByNames returns a new ToolRegistry containing only the tools whose
// names match the given list. The new registry shares Tool pointers with the
// original (same Execute funcs).
func (r *ToolRegistry) FilterByNames(names []string) *ToolRegistry {
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	filtered := NewToolRegistry()
	for name, tool := range r.tools {
		if _, ok := allowed[name]; ok {
			filtered.tools[name] = tool
		}
	}
	return filtered
}
