// Package state defines the durable fleet state: worker records, their
// status machine, and the crash-safe JSON persistence behind state.json.
package state
