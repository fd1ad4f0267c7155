package shodan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/oapi-codegen/runtime"

	"github.com/seclab/aegis/internal/core/domain"
)

const maxResponseBytes = 64 * 1024 // tool observations feed an LLM prompt

// Param describes one operation parameter taken from the OpenAPI document.
type Param struct {
	Name        string
	In          string // "path" or "query"
	Type        string // JSON-schema type name
	Description string
	Required    bool
}

// Operation is one Shodan REST operation exposed as an agent tool.
type Operation struct {
	Name        string // registry tool name (snake_case)
	Description string
	Method      string
	Path        string // path template, e.g. /shodan/host/{ip}
	Params      []Param
}

// toolRoutes maps Shodan API path templates to the tool names the agent
// sees. Only these read-only endpoints are surfaced; everything else in the
// spec is ignored.
var toolRoutes = map[string]string{
	"/shodan/host/{ip}":    "shodan_host",
	"/shodan/host/search":  "shodan_search",
	"/shodan/host/count":   "shodan_count",
	"/dns/resolve":         "shodan_dns_resolve",
}

// Client talks to the Shodan REST API. Tool descriptors are derived from
// Shodan's published OpenAPI document so names, descriptions and parameter
// schemas stay in sync with the upstream API.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	specURL    string
	apiKey     string
}

// NewClient creates a Shodan client. baseURL/specURL fall back to the public
// endpoints when empty.
func NewClient(logger *slog.Logger, cfg domain.ShodanConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.shodan.io"
	}
	specURL := cfg.SpecURL
	if specURL == "" {
		specURL = "https://developer.shodan.io/api/openapi.json"
	}
	return &Client{
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		specURL:    specURL,
		apiKey:     cfg.APIKey,
	}
}

// LoadOperations fetches and parses the OpenAPI document, returning the
// operations selected by toolRoutes in stable name order.
func (c *Client) LoadOperations(ctx context.Context) ([]Operation, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = false

	u, err := url.Parse(c.specURL)
	if err != nil {
		return nil, fmt.Errorf("parse spec url: %w", err)
	}

	doc, err := loader.LoadFromURI(u)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}

	return OperationsFromDoc(doc)
}

// OperationsFromDoc extracts tool operations from a parsed OpenAPI document.
// Split out from LoadOperations so tests can feed a local document.
func OperationsFromDoc(doc *openapi3.T) ([]Operation, error) {
	if doc.Paths == nil {
		return nil, fmt.Errorf("openapi document has no paths")
	}

	var ops []Operation
	for path, item := range doc.Paths.Map() {
		toolName, ok := toolRoutes[path]
		if !ok || item.Get == nil {
			continue
		}

		op := Operation{
			Name:        toolName,
			Description: operationSummary(item.Get),
			Method:      http.MethodGet,
			Path:        path,
		}
		for _, pref := range item.Get.Parameters {
			p := pref.Value
			if p == nil || (p.In != openapi3.ParameterInPath && p.In != openapi3.ParameterInQuery) {
				continue
			}
			if p.Name == "key" {
				continue // credential injected by the client, never by the model
			}
			op.Params = append(op.Params, Param{
				Name:        p.Name,
				In:          p.In,
				Type:        schemaType(p.Schema),
				Description: p.Description,
				Required:    p.Required,
			})
		}
		ops = append(ops, op)
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("no known shodan operations found in spec")
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops, nil
}

func operationSummary(op *openapi3.Operation) string {
	if op.Summary != "" {
		return op.Summary
	}
	if op.Description != "" {
		if i := strings.IndexByte(op.Description, '\n'); i > 0 {
			return op.Description[:i]
		}
		return op.Description
	}
	return "Shodan API operation"
}

func schemaType(ref *openapi3.SchemaRef) string {
	if ref == nil || ref.Value == nil || ref.Value.Type == nil {
		return "string"
	}
	switch {
	case ref.Value.Type.Is(openapi3.TypeInteger):
		return "integer"
	case ref.Value.Type.Is(openapi3.TypeNumber):
		return "number"
	case ref.Value.Type.Is(openapi3.TypeBoolean):
		return "boolean"
	default:
		return "string"
	}
}

// BuiltinOperations returns the curated descriptors used when the OpenAPI
// document cannot be fetched. Same four endpoints, hand-written schemas.
func BuiltinOperations() []Operation {
	return []Operation{
		{
			Name:        "shodan_count",
			Description: "Count results for a Shodan search query without returning them",
			Method:      http.MethodGet,
			Path:        "/shodan/host/count",
			Params: []Param{
				{Name: "query", In: "query", Type: "string", Description: "Shodan search query", Required: true},
			},
		},
		{
			Name:        "shodan_dns_resolve",
			Description: "Resolve hostnames to IP addresses via Shodan DNS",
			Method:      http.MethodGet,
			Path:        "/dns/resolve",
			Params: []Param{
				{Name: "hostnames", In: "query", Type: "string", Description: "Comma-separated hostnames", Required: true},
			},
		},
		{
			Name:        "shodan_host",
			Description: "All available information Shodan has on a host IP (services, banners, vulns)",
			Method:      http.MethodGet,
			Path:        "/shodan/host/{ip}",
			Params: []Param{
				{Name: "ip", In: "path", Type: "string", Description: "Host IP address", Required: true},
			},
		},
		{
			Name:        "shodan_search",
			Description: "Search Shodan for hosts matching a query (e.g. hostname:example.com, port:22)",
			Method:      http.MethodGet,
			Path:        "/shodan/host/search",
			Params: []Param{
				{Name: "query", In: "query", Type: "string", Description: "Shodan search query", Required: true},
				{Name: "page", In: "query", Type: "integer", Description: "Result page (1-based)", Required: false},
			},
		},
	}
}

// Call executes one operation. Path parameters are serialized with OpenAPI
// simple style; query parameters and the API key go on the query string.
func (c *Client) Call(ctx context.Context, op Operation, args map[string]interface{}) (string, error) {
	path := op.Path
	query := url.Values{}

	for _, p := range op.Params {
		raw, present := args[p.Name]
		if !present {
			if p.Required {
				return "", fmt.Errorf("missing required parameter: %s", p.Name)
			}
			continue
		}

		switch p.In {
		case "path":
			styled, err := runtime.StyleParamWithLocation("simple", false, p.Name, runtime.ParamLocationPath, raw)
			if err != nil {
				return "", fmt.Errorf("style path param %s: %w", p.Name, err)
			}
			path = strings.ReplaceAll(path, "{"+p.Name+"}", styled)
		case "query":
			query.Set(p.Name, fmt.Sprint(raw))
		}
	}

	if c.apiKey == "" {
		return "", fmt.Errorf("shodan api key not configured")
	}
	query.Set("key", c.apiKey)

	reqURL := c.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "aegis-kernel/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("shodan request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("shodan returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return string(body), nil
}

// BuildTools derives agent tools from the live OpenAPI document, falling
// back to the curated descriptors when the spec cannot be fetched.
func (c *Client) BuildTools(ctx context.Context) []*domain.Tool {
	ops, err := c.LoadOperations(ctx)
	if err != nil {
		c.logger.Warn("falling back to builtin shodan descriptors", "error", err)
		ops = BuiltinOperations()
	}

	tools := make([]*domain.Tool, 0, len(ops))
	for _, op := range ops {
		tools = append(tools, c.toolFor(op))
	}
	return tools
}

func (c *Client) toolFor(op Operation) *domain.Tool {
	props := make(map[string]interface{}, len(op.Params))
	var required []string
	for _, p := range op.Params {
		props[p.Name] = map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return &domain.Tool{
		Name:        op.Name,
		Description: op.Description,
		Parameters: domain.ToolParameters{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return c.Call(ctx, op, params)
		},
	}
}
