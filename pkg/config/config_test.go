package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Orchestrator.BaseDomain = "sajet.us"
	cfg.Cloudflare.Zones = []Zone{{Domain: "sajet.us", ZoneID: "zone-1"}}
	cfg.Cloudflare.APIToken = "token"
	return cfg
}

func TestDefaultsAreComplete(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Provisioner.DuplicateTimeout)
	assert.Equal(t, 30*time.Second, cfg.Provisioner.AdminTimeout)
	assert.Equal(t, 3, cfg.Provisioner.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Provisioner.RetryBackoff)
	assert.Equal(t, 15*time.Second, cfg.Cloudflare.APITimeout)
	assert.Equal(t, 5*time.Second, cfg.DNS.LookupTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Orchestrator.ProvisionTimeout)
	assert.Contains(t, cfg.Provisioner.ProtectedDatabases, "template1")

	require.NoError(t, validConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "sqlite" }, "store.backend"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "store.postgres_dsn"},
		{"unknown engine", func(c *Config) { c.Provisioner.Engine = "ssh" }, "provisioner.engine"},
		{"missing template", func(c *Config) { c.Provisioner.TemplateDatabase = "" }, "template_database"},
		{"missing base domain", func(c *Config) { c.Orchestrator.BaseDomain = "" }, "base_domain"},
		{"base domain without zone", func(c *Config) { c.Orchestrator.BaseDomain = "other.io" }, "no zone"},
		{"missing token", func(c *Config) { c.Cloudflare.APIToken = "" }, "api_token"},
		{"ssh probe without key", func(c *Config) { c.Monitor.Probe = "ssh" }, "ssh_key_path"},
		{"stale window shorter than provision timeout", func(c *Config) { c.Orchestrator.ProvisionTimeout = time.Hour }, "reconciler.stale_after"},
		{"stale window equal to provision timeout", func(c *Config) { c.Reconciler.StaleAfter = c.Orchestrator.ProvisionTimeout }, "reconciler.stale_after"},
		{"server url without scheme", func(c *Config) { c.Server.URL = "tenantd:9090" }, "server.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateStaleWindowIgnoredWithoutReconciler(t *testing.T) {
	cfg := validConfig()
	cfg.Orchestrator.ProvisionTimeout = time.Hour
	cfg.Reconciler.Enabled = false
	require.NoError(t, cfg.Validate())

	cfg.Reconciler.Enabled = true
	cfg.Reconciler.StaleAfter = 2 * time.Hour
	require.NoError(t, cfg.Validate())
}

func TestValidateAgent(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ValidateAgent())

	cfg.Agent.APIKey = "k"
	require.NoError(t, cfg.ValidateAgent())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenantd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: bolt
  data_dir: /var/lib/tenantd
provisioner:
  template_database: tcs
  duplicate_timeout: 5m
  protected_databases: [postgres, template0, template1, cliente1]
cloudflare:
  zones:
    - domain: Sajet.US.
      zone_id: zone-abc
orchestrator:
  base_domain: " Sajet.us "
`), 0o600))

	t.Setenv("TENANTD_CLOUDFLARE_API_TOKEN", "from-env")
	t.Setenv("TENANTD_PROVISIONER_MAX_RETRIES", "5")
	t.Setenv("TENANTD_SERVER_API_KEY", "control-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tenantd", cfg.Store.DataDir)
	assert.Equal(t, "tcs", cfg.Provisioner.TemplateDatabase)
	assert.Equal(t, 5*time.Minute, cfg.Provisioner.DuplicateTimeout)
	assert.Equal(t, 30*time.Second, cfg.Provisioner.AdminTimeout, "unset keys keep defaults")
	assert.Contains(t, cfg.Provisioner.ProtectedDatabases, "cliente1")
	assert.Equal(t, "from-env", cfg.Cloudflare.APIToken)
	assert.Equal(t, 5, cfg.Provisioner.MaxRetries)
	assert.Equal(t, "sajet.us", cfg.Orchestrator.BaseDomain)
	assert.Equal(t, "zone-abc", cfg.Cloudflare.ZoneMap()["sajet.us"])
	assert.Equal(t, "control-key", cfg.Server.APIKey)

	require.NoError(t, cfg.Validate())
}

func TestControlURL(t *testing.T) {
	tests := []struct {
		server ServerConfig
		want   string
	}{
		{ServerConfig{Listen: "127.0.0.1:9090"}, "http://127.0.0.1:9090"},
		{ServerConfig{Listen: "0.0.0.0:9090"}, "http://127.0.0.1:9090"},
		{ServerConfig{Listen: ":9090"}, "http://127.0.0.1:9090"},
		{ServerConfig{Listen: "[::]:9090"}, "http://127.0.0.1:9090"},
		{ServerConfig{Listen: "10.0.0.5:9090"}, "http://10.0.0.5:9090"},
		{ServerConfig{Listen: "0.0.0.0:9090", URL: "https://tenantd.internal/"}, "https://tenantd.internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.server.ControlURL(), tt.server.Listen)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Store.Backend, cfg.Store.Backend)
}
