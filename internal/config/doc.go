// Package config handles configuration loading for agency-chat.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENCY_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agency-chat/config.yaml
//  3. ~/.config/agency-chat/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	upstream:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/agency-chat/chat.db"
//
//	auth:
//	  jwt_secret: "${AGENCY_CHAT_JWT_SECRET}"  # empty disables auth
//
//	upstream:
//	  base_url: "https://api.openai.com/v1"
//	  api_key: "${OPENAI_API_KEY}"
//	  model: "gpt-4o-mini"
//	  temperature: 0.7
//	  max_tokens: 1024
//	  timeout: "30s"              # wait for response headers
//	  max_retries: 3              # extra connection attempts
//	  requests_per_second: 0      # 0 disables pacing
//	  burst: 1
//
//	chat:
//	  stream_timeout: "30s"       # longest gap between deltas
//	  context_token_budget: 8000
//	  context_max_messages: 0     # 0 means unlimited
//	  system_prompt: "You are a helpful assistant."
//
//	broadcast:
//	  sse_idle_timeout: "30s"
//	  sink_buffer: 64
//	  socket_ping_interval: "30s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load validates:
//
//   - database.path, upstream.base_url and upstream.model are present
//   - JWT secret minimum length (32 bytes) when set
//   - Duration format validity
//   - Logging level and format values
package config
