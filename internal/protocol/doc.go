// Package protocol owns the host<->gateway wire contract shared by every layer.
//
// Ownership boundary:
// - error taxonomy (framing, timeout, protocol, port, ownership)
// - error kind codes carried over local IPC
//
// Subpackages:
// - frame: escape-coded framing over a byte stream
// - packet: header/chunk model and reassembly
// - session: request/reply exchange over one port, IPC envelopes
package protocol
