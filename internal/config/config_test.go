package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Models.Fast.APIKey = "sk-fast"
	cfg.Models.Smart.APIKey = "sk-ant-smart"
	cfg.Mesh.BaseURL = "https://mesh.example.com"
	cfg.Mesh.Token = "mesh-token"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "openai", cfg.Models.Fast.Provider)
	assert.Equal(t, "anthropic", cfg.Models.Smart.Provider)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, 8745, cfg.Gateway.Port)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.True(t, cfg.TaskLog.Enabled)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad fast provider", func(c *Config) { c.Models.Fast.Provider = "cohere" }, "invalid provider"},
		{"missing fast model", func(c *Config) { c.Models.Fast.Model = "" }, "model is required"},
		{"missing smart key", func(c *Config) { c.Models.Smart.APIKey = "" }, "api_key is required"},
		{"missing mesh url", func(c *Config) { c.Mesh.BaseURL = "" }, "base_url is required"},
		{"missing mesh token", func(c *Config) { c.Mesh.Token = "" }, "token or token_file"},
		{"bad gateway port", func(c *Config) { c.Gateway.Port = 70000 }, "out of range"},
		{"negative caps", func(c *Config) { c.Agent.RouterIterationCap = -1 }, "must not be negative"},
	}

	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		assert.ErrorContains(t, cfg.Validate(), tc.wantErr, tc.name)
	}
}

func TestValidate_TokenFileSatisfiesCredential(t *testing.T) {
	cfg := validConfig()
	cfg.Mesh.Token = ""
	cfg.Mesh.TokenFile = "/var/run/duet/token"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_DisabledGatewaySkipsPortCheck(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Enabled = false
	cfg.Gateway.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Models.Fast.Provider)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "duet.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(cfg.DataDir, "tasks.db"), cfg.TaskLog.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "workspace"), cfg.WorkspacePath)
}

func TestLoad_ReadsFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duet.json")
	body := `{
		"models": {
			"fast": {"provider": "openai", "model": "gpt-4o-mini", "api_key": "sk-file"}
		},
		"mesh": {"base_url": "https://mesh.internal", "token": "tok"},
		"gateway": {"enabled": true, "port": 9900, "host": "0.0.0.0", "shared_secret": "s"},
		"agent": {"router_iteration_cap": 4}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-file", cfg.Models.Fast.APIKey)
	assert.Equal(t, "https://mesh.internal", cfg.Mesh.BaseURL)
	assert.Equal(t, 9900, cfg.Gateway.Port)
	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
	assert.Equal(t, 4, cfg.Agent.RouterIterationCap)
	// Values absent from the file keep their defaults.
	assert.Equal(t, "anthropic", cfg.Models.Smart.Provider)
}

func TestLoad_EnvironmentOverridesCredentials(t *testing.T) {
	t.Setenv("DUET_FAST_API_KEY", "sk-env-fast")
	t.Setenv("DUET_SMART_API_KEY", "sk-env-smart")
	t.Setenv("DUET_MESH_TOKEN", "env-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	assert.Equal(t, "sk-env-fast", cfg.Models.Fast.APIKey)
	assert.Equal(t, "sk-env-smart", cfg.Models.Smart.APIKey)
	assert.Equal(t, "env-token", cfg.Mesh.Token)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "duet.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.Gateway.Port = 9001
	cfg.WorkspacePath = "/srv/duet/workspace"
	require.NoError(t, loader.Save(cfg))

	reloaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, reloaded.Gateway.Port)
	assert.Equal(t, "/srv/duet/workspace", reloaded.WorkspacePath)
	assert.Equal(t, cfg.Mesh.Token, reloaded.Mesh.Token)
}
