// Package logging wires log/slog handlers for the CLI, the daemon, and the
// overseer, plus the typed attribute helpers and field-name constants shared
// across components.
package logging
