package config

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclab/aegis/internal/core/domain"
)

type memSettingsRepo struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemSettingsRepo() *memSettingsRepo {
	return &memSettingsRepo{values: map[string]string{}}
}

func (m *memSettingsRepo) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memSettingsRepo) SaveSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("SHODAN_API_KEY", "")
	t.Setenv("SPLUNK_TOKEN", "")
	t.Setenv("SPLUNK_URL", "")
}

func newTestStore(t *testing.T, repo *memSettingsRepo) *SettingsStore {
	t.Helper()
	clearEnvOverrides(t)
	store, err := NewSettingsStore(discardLogger(), repo, testSecretKey(t))
	require.NoError(t, err)
	return store
}

func TestSettingsStoreFirstRunPersistsDefaults(t *testing.T) {
	repo := newMemSettingsRepo()
	store := newTestStore(t, repo)

	cfg := store.GetConfig()
	assert.Equal(t, "local", cfg.LLM.Mode)
	assert.Equal(t, 8, cfg.Agent.MaxIterations)
	assert.NotEmpty(t, repo.values[configSettingKey])
}

func TestSettingsStoreSecretsEncryptedAtRest(t *testing.T) {
	repo := newMemSettingsRepo()
	store := newTestStore(t, repo)

	update := store.GetConfig()
	update.Shodan.APIKey = "shodan-key-wxyz"
	require.NoError(t, store.UpdateConfig(context.Background(), update))

	raw := repo.values[configSettingKey]
	assert.NotContains(t, raw, "shodan-key-wxyz")
	assert.Contains(t, raw, "enc:")

	// A fresh store sees the decrypted value.
	reloaded, err := NewSettingsStore(discardLogger(), repo, testSecretKey(t))
	require.NoError(t, err)
	assert.Equal(t, "shodan-key-wxyz", reloaded.GetConfig().Shodan.APIKey)
}

func TestSettingsStoreMaskedConfig(t *testing.T) {
	store := newTestStore(t, newMemSettingsRepo())

	update := store.GetConfig()
	update.Shodan.APIKey = "shodan-key-wxyz"
	update.Splunk.Token = "tok"
	require.NoError(t, store.UpdateConfig(context.Background(), update))

	masked := store.GetMaskedConfig()
	assert.Equal(t, "****wxyz", masked.Shodan.APIKey)
	assert.Equal(t, "****", masked.Splunk.Token)

	// Masking must not leak back into the live config.
	assert.Equal(t, "shodan-key-wxyz", store.GetConfig().Shodan.APIKey)
}

func TestSettingsStoreUpdateKeepsSecretsOnMaskedInput(t *testing.T) {
	store := newTestStore(t, newMemSettingsRepo())

	update := store.GetConfig()
	update.Shodan.APIKey = "shodan-key-wxyz"
	require.NoError(t, store.UpdateConfig(context.Background(), update))

	// A client round-trips the masked config with a changed non-secret field.
	next := store.GetMaskedConfig()
	next.Agent.MaxIterations = 12
	require.NoError(t, store.UpdateConfig(context.Background(), next))

	cfg := store.GetConfig()
	assert.Equal(t, 12, cfg.Agent.MaxIterations)
	assert.Equal(t, "shodan-key-wxyz", cfg.Shodan.APIKey)
}

func TestSettingsStoreValidatesRemoteMode(t *testing.T) {
	store := newTestStore(t, newMemSettingsRepo())

	update := store.GetConfig()
	update.LLM.Mode = "remote"
	update.LLM.RemoteURL = ""
	err := store.UpdateConfig(context.Background(), update)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "remote_url"))

	update = store.GetConfig()
	update.LLM.Mode = "remote"
	update.LLM.RemoteURL = "https://api.openai.com/v1"
	update.LLM.APIKey = ""
	err = store.UpdateConfig(context.Background(), update)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "api_key"))
}

func TestSettingsStoreDefaultsMaxIterations(t *testing.T) {
	store := newTestStore(t, newMemSettingsRepo())

	update := store.GetConfig()
	update.Agent.MaxIterations = 0
	require.NoError(t, store.UpdateConfig(context.Background(), update))

	assert.Equal(t, 8, store.GetConfig().Agent.MaxIterations)
}

func TestSettingsStoreOnChangeCallback(t *testing.T) {
	store := newTestStore(t, newMemSettingsRepo())

	var got *domain.AppConfig
	store.OnChange(func(cfg *domain.AppConfig) { got = cfg })

	update := store.GetConfig()
	update.Agent.MaxIterations = 5
	require.NoError(t, store.UpdateConfig(context.Background(), update))

	require.NotNil(t, got)
	assert.Equal(t, 5, got.Agent.MaxIterations)
}

func TestSettingsStoreEnvOverrides(t *testing.T) {
	repo := newMemSettingsRepo()
	newTestStore(t, repo)

	t.Setenv("SHODAN_API_KEY", "env-shodan")
	t.Setenv("SPLUNK_URL", "https://splunk.internal:8089")

	store, err := NewSettingsStore(discardLogger(), repo, testSecretKey(t))
	require.NoError(t, err)

	cfg := store.GetConfig()
	assert.Equal(t, "env-shodan", cfg.Shodan.APIKey)
	assert.Equal(t, "https://splunk.internal:8089", cfg.Splunk.BaseURL)
}
