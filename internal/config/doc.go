// Package config handles configuration loading for parley-gateway.
//
// Configuration is loaded from YAML with ${VAR_NAME} environment variable
// expansion and Go duration strings for time values.
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "/var/lib/parley/gateway.db"
//
// The external responder webhook:
//
//	responder:
//	  url: "${PARLEY_RESPONDER_URL}"
//	  ack_text: "Ok, let me verify..."
//	  history_limit: 100
//
// Session and dedupe lifecycle:
//
//	session:
//	  freshness_window: "24h"
//	dedupe:
//	  ttl: "5m"
//	  max_entries: 10000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
