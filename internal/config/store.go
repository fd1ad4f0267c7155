package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/seclab/aegis/internal/core/domain"
)

const configSettingKey = "app_config"

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(cfg *domain.AppConfig)

// SettingsStore manages persistent settings with encrypted secrets.
// Categories are stored as one JSON document; secrets are encrypted at rest
// and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     SettingsRepository
	config   *domain.AppConfig
	onChange []OnChangeFunc
}

// storedConfig is the at-rest shape: same as AppConfig except secrets are
// replaced by their encrypted forms.
type storedConfig struct {
	LLM struct {
		domain.LLMProviderConfig
		EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	} `json:"llm"`
	Shodan struct {
		domain.ShodanConfig
		EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	} `json:"shodan"`
	Splunk struct {
		domain.SplunkConfig
		EncryptedToken string `json:"encrypted_token,omitempty"`
	} `json:"splunk"`
	Scanner domain.ScannerConfig `json:"scanner"`
	Agent   domain.AgentConfig   `json:"agent"`
}

// NewSettingsStore creates a store that loads settings from the DB, falling
// back to defaults (persisted immediately) on first run. Environment
// variables override stored secrets so a key never has to touch the database.
func NewSettingsStore(logger *slog.Logger, repo SettingsRepository, secret *SecretKey) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	ctx := context.Background()
	cfg, err := store.loadFromDB(ctx)
	if err != nil {
		logger.Warn("no saved settings found, using defaults", "error", err)
		cfg = domain.DefaultConfig()
		if err := store.saveToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	store.config = cfg
	return store, nil
}

// OnChange registers a callback invoked after settings updates. Used by the
// kernel to hot-swap the LLM provider.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// GetConfig returns the current config with decrypted secrets.
func (s *SettingsStore) GetConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.config
	return &cp
}

// GetMaskedConfig returns config safe for API responses (secrets masked).
func (s *SettingsStore) GetMaskedConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.config
	cp.LLM.APIKey = MaskSecret(s.config.LLM.APIKey)
	cp.Shodan.APIKey = MaskSecret(s.config.Shodan.APIKey)
	cp.Splunk.Token = MaskSecret(s.config.Splunk.Token)
	return &cp
}

// UpdateConfig validates, encrypts secrets, persists, and triggers onChange
// callbacks. Empty or masked secrets in the update keep the existing value.
func (s *SettingsStore) UpdateConfig(ctx context.Context, update *domain.AppConfig) error {
	s.mu.Lock()

	if update.LLM.APIKey == "" || isMasked(update.LLM.APIKey) {
		update.LLM.APIKey = s.config.LLM.APIKey
	}
	if update.Shodan.APIKey == "" || isMasked(update.Shodan.APIKey) {
		update.Shodan.APIKey = s.config.Shodan.APIKey
	}
	if update.Splunk.Token == "" || isMasked(update.Splunk.Token) {
		update.Splunk.Token = s.config.Splunk.Token
	}

	if update.LLM.Mode == "" {
		update.LLM.Mode = "local"
	}
	if update.LLM.Mode == "remote" {
		if update.LLM.RemoteURL == "" {
			s.mu.Unlock()
			return fmt.Errorf("llm remote_url is required when mode=remote")
		}
		if update.LLM.APIKey == "" {
			s.mu.Unlock()
			return fmt.Errorf("llm api_key is required when mode=remote")
		}
	}
	if update.Agent.MaxIterations <= 0 {
		update.Agent.MaxIterations = domain.DefaultConfig().Agent.MaxIterations
	}

	if err := s.saveToDB(ctx, update); err != nil {
		s.mu.Unlock()
		return err
	}

	s.config = update
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("settings updated", "llm_mode", update.LLM.Mode, "max_iterations", update.Agent.MaxIterations)

	for _, fn := range callbacks {
		fn(update)
	}
	return nil
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (*domain.AppConfig, error) {
	raw, err := s.repo.GetSetting(ctx, configSettingKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("no stored config")
	}

	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	cfg := &domain.AppConfig{
		LLM:     stored.LLM.LLMProviderConfig,
		Shodan:  stored.Shodan.ShodanConfig,
		Splunk:  stored.Splunk.SplunkConfig,
		Scanner: stored.Scanner,
		Agent:   stored.Agent,
	}

	cfg.LLM.APIKey = s.decryptOrWarn("llm api key", stored.LLM.EncryptedAPIKey)
	cfg.Shodan.APIKey = s.decryptOrWarn("shodan api key", stored.Shodan.EncryptedAPIKey)
	cfg.Splunk.Token = s.decryptOrWarn("splunk token", stored.Splunk.EncryptedToken)

	return cfg, nil
}

func (s *SettingsStore) decryptOrWarn(name, encrypted string) string {
	if encrypted == "" {
		return ""
	}
	value, err := s.secret.Decrypt(encrypted)
	if err != nil {
		s.logger.Warn("failed to decrypt secret", "secret", name, "error", err)
		return ""
	}
	return value
}

func (s *SettingsStore) saveToDB(ctx context.Context, cfg *domain.AppConfig) error {
	var stored storedConfig
	stored.LLM.LLMProviderConfig = cfg.LLM
	stored.LLM.APIKey = ""
	stored.Shodan.ShodanConfig = cfg.Shodan
	stored.Shodan.APIKey = ""
	stored.Splunk.SplunkConfig = cfg.Splunk
	stored.Splunk.Token = ""
	stored.Scanner = cfg.Scanner
	stored.Agent = cfg.Agent

	var err error
	if stored.LLM.EncryptedAPIKey, err = s.secret.Encrypt(cfg.LLM.APIKey); err != nil {
		return fmt.Errorf("encrypt llm api key: %w", err)
	}
	if stored.Shodan.EncryptedAPIKey, err = s.secret.Encrypt(cfg.Shodan.APIKey); err != nil {
		return fmt.Errorf("encrypt shodan api key: %w", err)
	}
	if stored.Splunk.EncryptedToken, err = s.secret.Encrypt(cfg.Splunk.Token); err != nil {
		return fmt.Errorf("encrypt splunk token: %w", err)
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, configSettingKey, string(raw))
}

func applyEnvOverrides(cfg *domain.AppConfig) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SHODAN_API_KEY"); v != "" {
		cfg.Shodan.APIKey = v
	}
	if v := os.Getenv("SPLUNK_TOKEN"); v != "" {
		cfg.Splunk.Token = v
	}
	if v := os.Getenv("SPLUNK_URL"); v != "" {
		cfg.Splunk.BaseURL = v
	}
}
