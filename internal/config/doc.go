// Package config handles configuration loading for chatwire.
//
// Configuration is loaded from YAML files with environment variable
// expansion. Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  reconnect_start: "1s"
//	  reconnect_cap: "30s"
//	  rate_window: "15s"
//
// Values can reference environment variables with the ${VAR_NAME} syntax:
//
//	auth:
//	  jwt_secret: "${CHATWIRE_JWT_SECRET}"
//
// Every session and event tuning field is optional; zero values fall back
// to the package defaults of the subsystem that consumes them.
package config
