// Package config loads, normalizes, and validates the TOML configuration
// shared by the CLI, the daemon, and the overseer.
package config
