package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/seclab/aegis/internal/core/domain"
)

// SplunkSearcher is the slice of the Splunk client the search tool needs.
type SplunkSearcher interface {
	// OneshotSearch runs a blocking search and returns the results as JSON.
	OneshotSearch(ctx context.Context, query, earliest, latest string) (string, error)
}

// NewSplunkSearchTool builds the SIEM search tool. Bare queries get the
// `search` command prefix so they are never misread as SPL commands;
// generating commands remain available via an explicit leading `|`.
func NewSplunkSearchTool(logger *slog.Logger, client SplunkSearcher) *domain.Tool {
	return &domain.Tool{
		Name:        "splunk_search",
		Description: "Run a Splunk SPL search against the SIEM and return matching events as JSON",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "SPL search, e.g. 'index=main sourcetype=access_combined status=500'",
				},
				"earliest": map[string]interface{}{
					"type":        "string",
					"description": "Earliest time modifier (default: -24h)",
				},
				"latest": map[string]interface{}{
					"type":        "string",
					"description": "Latest time modifier (default: now)",
				},
			},
			Required: []string{"query"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			if !strings.HasPrefix(query, "search ") && !strings.HasPrefix(query, "|") {
				query = "search " + query
			}

			earliest, _ := params["earliest"].(string)
			if earliest == "" {
				earliest = "-24h"
			}
			latest, _ := params["latest"].(string)
			if latest == "" {
				latest = "now"
			}

			logger.Info("running splunk search", "query", truncate(query, 120))
			out, err := client.OneshotSearch(ctx, query, earliest, latest)
			if err != nil {
				return nil, fmt.Errorf("splunk search failed: %w", err)
			}
			if strings.TrimSpace(out) == "" {
				return "No events matched the search.", nil
			}
			return out, nil
		},
	}
}
