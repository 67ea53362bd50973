package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TENANTD_CLOUDFLARE_API_TOKEN for cloudflare.api_token.
const EnvPrefix = "TENANTD"

// Config is the complete tenantd configuration
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	Server       ServerConfig       `mapstructure:"server"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Provisioner  ProvisionerConfig  `mapstructure:"provisioner"`
	Cloudflare   CloudflareConfig   `mapstructure:"cloudflare"`
	DNS          DNSConfig          `mapstructure:"dns"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Reconciler   ReconcilerConfig   `mapstructure:"reconciler"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// StoreConfig selects the control-plane store
type StoreConfig struct {
	Backend     string `mapstructure:"backend"` // bolt or postgres
	DataDir     string `mapstructure:"data_dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// ServerConfig is the serve command's listener. It carries metrics, health
// and the control API that other tenantd commands call.
type ServerConfig struct {
	Listen        string        `mapstructure:"listen"`
	MetricsPeriod time.Duration `mapstructure:"metrics_period"`
	// URL is where commands reach a running serve. Derived from Listen
	// when empty.
	URL string `mapstructure:"url"`
	// APIKey guards the control API. Without one only loopback clients
	// are served.
	APIKey string `mapstructure:"api_key"`
}

// ControlURL returns the base URL of the control API
func (s ServerConfig) ControlURL() string {
	if s.URL != "" {
		return strings.TrimRight(s.URL, "/")
	}
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return "http://" + s.Listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// AgentConfig configures both the node agent and clients of it
type AgentConfig struct {
	Listen      string `mapstructure:"listen"`
	APIKey      string `mapstructure:"api_key"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	DataPath    string `mapstructure:"data_path"`
}

// ProvisionerConfig controls database duplication on tenant nodes
type ProvisionerConfig struct {
	// Engine is "agent" (talk to the node agent) or "postgres" (connect to
	// the node's PostgreSQL directly)
	Engine             string        `mapstructure:"engine"`
	TemplateDatabase   string        `mapstructure:"template_database"`
	Owner              string        `mapstructure:"owner"`
	DBUser             string        `mapstructure:"db_user"`
	DBPassword         string        `mapstructure:"db_password"`
	SSLMode            string        `mapstructure:"sslmode"`
	ProtectedDatabases []string      `mapstructure:"protected_databases"`
	AdminTimeout       time.Duration `mapstructure:"admin_timeout"`
	DuplicateTimeout   time.Duration `mapstructure:"duplicate_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
}

// CloudflareConfig holds DNS provider credentials and the zone table
type CloudflareConfig struct {
	APIToken        string        `mapstructure:"api_token"`
	BaseURL         string        `mapstructure:"base_url"`
	Zones           []Zone        `mapstructure:"zones"`
	DefaultTunnelID string        `mapstructure:"default_tunnel_id"`
	APITimeout      time.Duration `mapstructure:"api_timeout"`
	RequestsPerSec  float64       `mapstructure:"requests_per_sec"`
}

// Zone maps a DNS domain to its Cloudflare zone ID
type Zone struct {
	Domain string `mapstructure:"domain"`
	ZoneID string `mapstructure:"zone_id"`
}

// ZoneMap returns the zones keyed by domain
func (c CloudflareConfig) ZoneMap() map[string]string {
	zones := make(map[string]string, len(c.Zones))
	for _, z := range c.Zones {
		zones[z.Domain] = z.ZoneID
	}
	return zones
}

// DNSConfig is the resolver used to verify customer CNAMEs
type DNSConfig struct {
	Resolver      string        `mapstructure:"resolver"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// OrchestratorConfig holds tenant naming and attempt bounds
type OrchestratorConfig struct {
	BaseDomain       string        `mapstructure:"base_domain"`
	ReservedNames    []string      `mapstructure:"reserved_names"`
	ProtectedNames   []string      `mapstructure:"protected_names"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
}

// MonitorConfig controls the resource monitor
type MonitorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	Probe           string        `mapstructure:"probe"` // ssh or agent
	Concurrency     int           `mapstructure:"concurrency"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	SSHKeyPath      string        `mapstructure:"ssh_key_path"`
	SSHKnownHosts   string        `mapstructure:"ssh_known_hosts"`
	FailureRetries  int           `mapstructure:"failure_retries"`
	Recoveries      int           `mapstructure:"recoveries"`
	MetricRetention time.Duration `mapstructure:"metric_retention"`
}

// ReconcilerConfig controls the DNS-retry and stale-attempt loop
type ReconcilerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// Default returns a complete configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Backend: "bolt",
			DataDir: "./tenantd-data",
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:9090",
			MetricsPeriod: 15 * time.Second,
		},
		Agent: AgentConfig{
			Listen:      "0.0.0.0:8070",
			PostgresDSN: "host=127.0.0.1 port=5432 user=postgres dbname=postgres sslmode=disable",
			DataPath:    "/",
		},
		Provisioner: ProvisionerConfig{
			Engine:             "agent",
			TemplateDatabase:   "template_tenant",
			Owner:              "odoo",
			DBUser:             "postgres",
			SSLMode:            "disable",
			ProtectedDatabases: []string{"postgres", "template0", "template1"},
			AdminTimeout:       30 * time.Second,
			DuplicateTimeout:   10 * time.Minute,
			MaxRetries:         3,
			RetryBackoff:       2 * time.Second,
		},
		Cloudflare: CloudflareConfig{
			BaseURL:        "https://api.cloudflare.com/client/v4",
			APITimeout:     15 * time.Second,
			RequestsPerSec: 4,
		},
		DNS: DNSConfig{
			Resolver:      "1.1.1.1:53",
			LookupTimeout: 5 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			ProvisionTimeout: 15 * time.Minute,
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			Interval:        time.Minute,
			Probe:           "agent",
			Concurrency:     8,
			ProbeTimeout:    5 * time.Second,
			FailureRetries:  3,
			Recoveries:      1,
			MetricRetention: 7 * 24 * time.Hour,
		},
		Reconciler: ReconcilerConfig{
			Enabled:    true,
			Interval:   time.Minute,
			StaleAfter: 30 * time.Minute,
		},
	}
}

// Load reads configuration from an optional YAML file, an optional .env
// file, and TENANTD_* environment variables, in increasing precedence.
// An empty path looks for ./tenantd.yaml and uses defaults when absent.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tenantd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.postgres_dsn", d.Store.PostgresDSN)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.metrics_period", d.Server.MetricsPeriod)
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.api_key", d.Server.APIKey)

	v.SetDefault("agent.listen", d.Agent.Listen)
	v.SetDefault("agent.api_key", d.Agent.APIKey)
	v.SetDefault("agent.postgres_dsn", d.Agent.PostgresDSN)
	v.SetDefault("agent.data_path", d.Agent.DataPath)

	v.SetDefault("provisioner.engine", d.Provisioner.Engine)
	v.SetDefault("provisioner.template_database", d.Provisioner.TemplateDatabase)
	v.SetDefault("provisioner.owner", d.Provisioner.Owner)
	v.SetDefault("provisioner.db_user", d.Provisioner.DBUser)
	v.SetDefault("provisioner.db_password", d.Provisioner.DBPassword)
	v.SetDefault("provisioner.sslmode", d.Provisioner.SSLMode)
	v.SetDefault("provisioner.protected_databases", d.Provisioner.ProtectedDatabases)
	v.SetDefault("provisioner.admin_timeout", d.Provisioner.AdminTimeout)
	v.SetDefault("provisioner.duplicate_timeout", d.Provisioner.DuplicateTimeout)
	v.SetDefault("provisioner.max_retries", d.Provisioner.MaxRetries)
	v.SetDefault("provisioner.retry_backoff", d.Provisioner.RetryBackoff)

	v.SetDefault("cloudflare.api_token", d.Cloudflare.APIToken)
	v.SetDefault("cloudflare.base_url", d.Cloudflare.BaseURL)
	v.SetDefault("cloudflare.default_tunnel_id", d.Cloudflare.DefaultTunnelID)
	v.SetDefault("cloudflare.api_timeout", d.Cloudflare.APITimeout)
	v.SetDefault("cloudflare.requests_per_sec", d.Cloudflare.RequestsPerSec)

	v.SetDefault("dns.resolver", d.DNS.Resolver)
	v.SetDefault("dns.lookup_timeout", d.DNS.LookupTimeout)

	v.SetDefault("orchestrator.base_domain", d.Orchestrator.BaseDomain)
	v.SetDefault("orchestrator.reserved_names", d.Orchestrator.ReservedNames)
	v.SetDefault("orchestrator.protected_names", d.Orchestrator.ProtectedNames)
	v.SetDefault("orchestrator.provision_timeout", d.Orchestrator.ProvisionTimeout)

	v.SetDefault("monitor.enabled", d.Monitor.Enabled)
	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.probe", d.Monitor.Probe)
	v.SetDefault("monitor.concurrency", d.Monitor.Concurrency)
	v.SetDefault("monitor.probe_timeout", d.Monitor.ProbeTimeout)
	v.SetDefault("monitor.ssh_key_path", d.Monitor.SSHKeyPath)
	v.SetDefault("monitor.ssh_known_hosts", d.Monitor.SSHKnownHosts)
	v.SetDefault("monitor.failure_retries", d.Monitor.FailureRetries)
	v.SetDefault("monitor.recoveries", d.Monitor.Recoveries)
	v.SetDefault("monitor.metric_retention", d.Monitor.MetricRetention)

	v.SetDefault("reconciler.enabled", d.Reconciler.Enabled)
	v.SetDefault("reconciler.interval", d.Reconciler.Interval)
	v.SetDefault("reconciler.stale_after", d.Reconciler.StaleAfter)
}

func (c *Config) normalize() {
	c.Orchestrator.BaseDomain = strings.ToLower(strings.TrimSpace(c.Orchestrator.BaseDomain))
	for i := range c.Cloudflare.Zones {
		z := &c.Cloudflare.Zones[i]
		z.Domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(z.Domain), "."))
	}
}

// Validate checks the values the serve and one-shot commands depend on
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "bolt":
		if c.Store.DataDir == "" {
			errs = append(errs, errors.New("store.data_dir is required for the bolt backend"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be bolt or postgres, got %q", c.Store.Backend))
	}

	switch c.Provisioner.Engine {
	case "agent", "postgres":
	default:
		errs = append(errs, fmt.Errorf("provisioner.engine must be agent or postgres, got %q", c.Provisioner.Engine))
	}
	if c.Provisioner.TemplateDatabase == "" {
		errs = append(errs, errors.New("provisioner.template_database is required"))
	}
	if c.Provisioner.MaxRetries < 0 {
		errs = append(errs, errors.New("provisioner.max_retries must not be negative"))
	}
	if c.Provisioner.DuplicateTimeout <= 0 || c.Provisioner.AdminTimeout <= 0 {
		errs = append(errs, errors.New("provisioner timeouts must be positive"))
	}

	if c.Orchestrator.BaseDomain == "" {
		errs = append(errs, errors.New("orchestrator.base_domain is required"))
	} else if _, ok := c.Cloudflare.ZoneMap()[c.Orchestrator.BaseDomain]; !ok {
		errs = append(errs, fmt.Errorf("cloudflare.zones has no zone for base domain %s", c.Orchestrator.BaseDomain))
	}
	if c.Cloudflare.APIToken == "" {
		errs = append(errs, errors.New("cloudflare.api_token is required (TENANTD_CLOUDFLARE_API_TOKEN)"))
	}
	if c.Server.URL != "" && !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		errs = append(errs, fmt.Errorf("server.url must be an http or https URL, got %q", c.Server.URL))
	}
	if c.Orchestrator.ProvisionTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.provision_timeout must be positive"))
	}
	if c.Reconciler.Enabled && c.Reconciler.StaleAfter <= c.Orchestrator.ProvisionTimeout {
		errs = append(errs, fmt.Errorf("reconciler.stale_after (%s) must be longer than orchestrator.provision_timeout (%s)",
			c.Reconciler.StaleAfter, c.Orchestrator.ProvisionTimeout))
	}

	switch c.Monitor.Probe {
	case "agent":
	case "ssh":
		if c.Monitor.SSHKeyPath == "" {
			errs = append(errs, errors.New("monitor.ssh_key_path is required for the ssh probe"))
		}
	default:
		errs = append(errs, fmt.Errorf("monitor.probe must be agent or ssh, got %q", c.Monitor.Probe))
	}

	return errors.Join(errs...)
}

// ValidateAgent checks the values the node agent needs
func (c *Config) ValidateAgent() error {
	var errs []error
	if c.Agent.Listen == "" {
		errs = append(errs, errors.New("agent.listen is required"))
	}
	if c.Agent.APIKey == "" {
		errs = append(errs, errors.New("agent.api_key is required (TENANTD_AGENT_API_KEY)"))
	}
	if c.Agent.PostgresDSN == "" {
		errs = append(errs, errors.New("agent.postgres_dsn is required"))
	}
	return errors.Join(errs...)
}
