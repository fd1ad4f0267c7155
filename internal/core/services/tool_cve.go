package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/seclab/aegis/internal/core/domain"
)

// NewCVESearchTool builds the vulnerability-retrieval tool over the local
// embedding index.
func NewCVESearchTool(index *CVEIndex) *domain.Tool {
	return &domain.Tool{
		Name:        "cve_search",
		Description: "Find known vulnerabilities semantically similar to a description of software or behavior",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural-language description, e.g. 'OpenSSH 8.9 remote code execution'",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of matches to return (default 5, max 20)",
				},
			},
			Required: []string{"query"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			if strings.TrimSpace(query) == "" {
				return nil, fmt.Errorf("query is required")
			}

			k := 5
			if raw, ok := params["top_k"].(float64); ok && raw > 0 {
				k = int(raw)
			}
			if k > 20 {
				k = 20
			}

			matches, err := index.Search(ctx, query, k)
			if err != nil {
				return nil, fmt.Errorf("cve search failed: %w", err)
			}
			if len(matches) == 0 {
				return "No matching CVEs in the local index.", nil
			}

			var b strings.Builder
			for _, m := range matches {
				fmt.Fprintf(&b, "%s (score %.3f", m.Record.ID, m.Score)
				if m.Record.Severity != "" {
					fmt.Fprintf(&b, ", severity %s", m.Record.Severity)
				}
				if m.Record.CWE != "" {
					fmt.Fprintf(&b, ", %s", m.Record.CWE)
				}
				b.WriteString(")\n")
				b.WriteString("  " + truncate(m.Record.Summary, 300) + "\n")
			}
			return b.String(), nil
		},
	}
}
