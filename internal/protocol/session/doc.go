// Package session owns request/reply exchange over one byte stream and the
// local IPC envelopes spoken between clients and the port owner.
//
// Ownership boundary:
// - Session: frame codec + reassembler driven over a port
// - frame pacing and drain after abandoned exchanges
// - client<->daemon JSON-line request/reply envelopes
// - retry/backoff primitives
package session
