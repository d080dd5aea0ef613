// Package config loads and persists kernel configuration.
//
// Configuration is stored in ~/.agentmesh/config.json and covers the
// defaults and limits a deployment may want to override: fleet size,
// heartbeat/timeout cadence, lock and queue caps, and retention windows.
package config
