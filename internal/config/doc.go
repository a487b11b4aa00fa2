// Package config handles configuration loading for counsel-coordinator.
//
// # Configuration File
//
// The location is resolved by Path:
//
//  1. Path from COUNSEL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/counsel/coordinator.yaml
//  3. ~/.config/counsel/coordinator.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COUNSEL_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and may not be negative:
//
//	workflows:
//	  step_timeout: "30s"
//	channel:
//	  breaker:
//	    cooldown: "5s"
//	    max_cooldown: "1m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # REST, /ws, /health, /metrics
//	  grpc_addr: "0.0.0.0:50051"  # optional grpc.health.v1 service
//
//	database:
//	  path: "/var/lib/counsel/coordinator.db"
//
//	auth:
//	  jwt_secret: "${COUNSEL_JWT_SECRET}"  # empty disables authentication
//
//	agents:
//	  names: ["lead-intake", "crm-sync"]  # empty means every agent
//
//	executor:
//	  token: "${COUNSEL_EXECUTOR_TOKEN}"
//	  endpoints:
//	    crm-sync: "https://crm.internal/run"
//	  limits:
//	    crm-sync: {per_second: 2, burst: 4}
//
//	workflows:
//	  step_timeout: "30s"
//	  max_retained: 1000
//	  workers: 4
//	  retry: {max_attempts: 3, initial_backoff: "200ms", max_backoff: "5s"}
//
//	health:
//	  interval: "5s"
//	  memory_percent: 90
//	  error_rate: 0.5
//
//	channel:
//	  session_ttl: "10m"
//	  replay_window: "5m"
//	  command_rate: 1
//	  command_burst: 5
//	  allowed_origins: ["https://counsel.example"]
//	  breaker: {threshold: 3, cooldown: "5s", max_cooldown: "1m", max_probe_failures: 5}
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load validates addresses, the database path, the JWT secret length, agent
// names in every section, executor URLs and health thresholds. The first
// failure is returned.
package config
