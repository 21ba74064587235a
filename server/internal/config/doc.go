// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - Host, Port   - frame listener for agents (default 0.0.0.0:28777)
//   - HTTPPort     - REST API, WebSocket live tail and /metrics (default 8080)
//   - Delimiter    - frame terminator, must match the agents (default CRLF)
//   - Retention    - lines kept in memory per node and source (default 1000)
//   - NodeTTL      - idle, disconnected nodes are evicted after this (default 10m)
//   - Auth.Mode    - "apikey" or "none"
//   - Auth.KeyEnv  - environment variable holding the expected API key
//   - Auth.Header  - HTTP header name (default "x-api-key")
//   - Storage      - backend "" (memory) or "sqlite" with a file path
//
// Load(path) applies defaults before unmarshalling, then TAILSHIP_LISTEN_PORT,
// TAILSHIP_HTTP_PORT and TAILSHIP_LOG_LEVEL overrides, then validates.
package config
