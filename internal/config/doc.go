// Package config handles configuration loading for parley.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	webhook:
//	  api_key: "${PARLEY_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	webhook:
//	  timeout: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Storage (one driver selected explicitly at startup):
//
//	storage:
//	  driver: "sqlite"            # sqlite or mysql
//	  path: "/var/lib/parley/parley.db"
//	  dsn: "user:pass@tcp(db:3306)/parley?parseTime=true"
//
// Webhook dispatch defaults:
//
//	webhook:
//	  url: "https://hooks.example.com/agent"
//	  auth_type: "api_key"        # none, api_key, basic, oauth
//	  api_key: "${PARLEY_API_KEY}"
//	  response_format: "text"     # text or json
//	  timeout: "60s"
//
// Agents:
//
//	agents:
//	  - id: "support"
//	    name: "Support"
//	    description: "Customer support agent"
//	    webhook_url: "https://hooks.example.com/support"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
