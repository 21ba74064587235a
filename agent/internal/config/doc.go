// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent} - config tree parsed from the agent: key
//   - AgentConfig - node_name, delimiter, log_streams, server, poll_interval,
//     reconnect, replay_buffer, metrics_addr, log_level
//   - Streams - ordered name → paths mapping; order is the announce order
//   - ServerAddr - host/port of the aggregation server; Address() joins them
//
// Load(path) reads the YAML file, applies defaults (node "Untitled", CRLF
// delimiter, 0.0.0.0:28777, 1s poll, 1s→60s reconnect), applies TAILSHIP_*
// environment overrides, then validates.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It handles the rename→create pattern
// used by atomic-save editors by re-adding the watch after every event.
package config
