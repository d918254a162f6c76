// Package config handles configuration loading for tenant-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Load applies defaults and validates before returning.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TGW_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tenant-gateway/gateway.yaml (~/.config when unset)
//
// Files ending in .toml are parsed as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  encryption_key: "${TGW_ENCRYPTION_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  base_url: "https://gateway.example.com"
//	  rpc_path: "/rpc"          # HTTP JSON-RPC endpoint; /ws and /sse hang off it
//	  trust_proxy: false
//
// Tailscale (replaces the TCP listener):
//
//	tailscale:
//	  enabled: false
//	  hostname: "tenant-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: "~/.local/share/tenant-gateway/tailscale"
//	  https: true
//	  funnel: false
//
// Database:
//
//	database:
//	  path: "/var/lib/tenant-gateway/gateway.db"
//
// Authentication:
//
//	auth:
//	  signing_key_file: "/var/lib/tenant-gateway/signing.pem"  # created if missing
//	  issuer: "https://gateway.example.com"                    # defaults to base_url
//	  encryption_key: "${TGW_ENCRYPTION_KEY}"                  # base64, 32 bytes
//	  access_token_ttl: "1h"
//	  refresh_token_ttl: "720h"
//	  auth_code_ttl: "5m"
//	  admin_token_ttl: "2160h"
//
// Admission:
//
//	admission:
//	  requests_per_window: 600   # per tenant and credential
//	  window: "1m"
//	  oauth_requests_per_second: 2
//	  oauth_burst: 10
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
