package domain

// LLMProviderConfig configures the decision collaborator
type LLMProviderConfig struct {
	Mode           string `json:"mode"`            // "local" or "remote"
	LocalURL       string `json:"local_url"`       // "http://localhost:11434/v1"
	RemoteURL      string `json:"remote_url"`      // "https://api.openai.com/v1"
	APIKey         string `json:"api_key"`         // encrypted in storage
	DefaultModel   string `json:"default_model"`   // "qwen2.5:latest" or "gpt-4o"
	EmbeddingModel string `json:"embedding_model"` // "text-embedding-3-small"
}

// ShodanConfig configures the Shodan reconnaissance tools
type ShodanConfig struct {
	BaseURL string `json:"base_url"` // "https://api.shodan.io"
	SpecURL string `json:"spec_url"` // OpenAPI document location
	APIKey  string `json:"api_key"`  // encrypted in storage
}

// SplunkConfig configures the Splunk search tool
type SplunkConfig struct {
	BaseURL string `json:"base_url"` // "https://splunk.internal:8089"
	Token   string `json:"token"`    // encrypted in storage
}

// ScannerConfig configures the sandboxed port scanner
type ScannerConfig struct {
	Image          string `json:"image"`           // scanner container image
	TimeoutSeconds int    `json:"timeout_seconds"` // hard cap per scan
}

// AgentConfig bounds the agent loop
type AgentConfig struct {
	MaxIterations  int `json:"max_iterations"`  // fail-safe loop cutoff
	ContextWindow  int `json:"context_window"`  // messages of history per prompt
	InvocationSecs int `json:"invocation_secs"` // per-invocation timeout
}

// AppConfig is the main application configuration
type AppConfig struct {
	LLM     LLMProviderConfig `json:"llm"`
	Shodan  ShodanConfig      `json:"shodan"`
	Splunk  SplunkConfig      `json:"splunk"`
	Scanner ScannerConfig     `json:"scanner"`
	Agent   AgentConfig       `json:"agent"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		LLM: LLMProviderConfig{
			Mode:           "local",
			LocalURL:       "http://localhost:11434/v1",
			DefaultModel:   "qwen2.5:latest",
			EmbeddingModel: "nomic-embed-text",
		},
		Shodan: ShodanConfig{
			BaseURL: "https://api.shodan.io",
			SpecURL: "https://developer.shodan.io/api/openapi.json",
		},
		Scanner: ScannerConfig{
			Image:          "instrumentisto/nmap",
			TimeoutSeconds: 300,
		},
		Agent: AgentConfig{
			MaxIterations:  8,
			ContextWindow:  20,
			InvocationSecs: 600,
		},
	}
}
