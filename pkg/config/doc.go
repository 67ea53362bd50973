/*
Package config loads tenantd configuration.

Values come from three layers, later ones winning:

 1. Default(), a complete configuration
 2. a YAML file (--config, or ./tenantd.yaml when present)
 3. environment variables prefixed TENANTD_, with dots replaced by
    underscores (TENANTD_CLOUDFLARE_API_TOKEN sets cloudflare.api_token)

A .env file in the working directory is loaded into the environment first,
so secrets can live there during development.

Validate checks what the control plane needs (store backend, engine,
template database, base domain and its zone, DNS credentials, probe
settings). ValidateAgent checks the node agent's listener, API key and
local PostgreSQL DSN. The core packages never read configuration
themselves; the cmd layer resolves it and passes plain values in.

Example:

	store:
	  backend: bolt
	  data_dir: /var/lib/tenantd
	provisioner:
	  engine: agent
	  template_database: template_tenant
	  protected_databases: [postgres, template0, template1]
	cloudflare:
	  zones:
	    - domain: sajet.us
	      zone_id: 4a83b88793ac3688486ace69b6ae80f9
	  default_tunnel_id: 6f1c...
	orchestrator:
	  base_domain: sajet.us
	monitor:
	  probe: ssh
	  ssh_key_path: /etc/tenantd/id_ed25519
*/
package config
