// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the path ends in
// .toml, with environment variable expansion. Missing optional values get
// defaults and the result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/gateway.yaml
//  3. ~/.config/parley/gateway.yaml
//
// A .env file in the working directory is loaded before the config is read.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # REST, WebSocket and SSE
//	  grpc_addr: "0.0.0.0:50051"  # grpc.health.v1, optional
//
//	database:
//	  driver: "sqlite"            # or "sqlite3" for the cgo driver
//	  path: "/var/lib/parley/parley.db"
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"  # empty enables X-User-ID dev mode
//
//	directory:
//	  provider: "keycloak"        # or "static"
//	  sync_interval: "5m"
//	  keycloak:
//	    base_url: "https://sso.example.com"
//	    realm: "staff"
//	    client_id: "parley"
//	    client_secret: "${KEYCLOAK_SECRET}"
//	  seed_users:
//	    - id: "workflow"
//	      first_name: "Workflow"
//
//	presence:
//	  mode: "edge"                # or "every"
//
//	messages:
//	  max_content_length: 1000
//	  dedupe_ttl: "10m"
//
//	dispatch:
//	  workers: 4
//	  queue_size: 256
//	  task_timeout: "10s"
//	  max_attempts: 1
//	  retry_backoff: "200ms"
//
//	workflow:
//	  sender_id: "workflow"
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text or json
//
// Duration values use Go's time.ParseDuration syntax.
package config
