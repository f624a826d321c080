// Package daemon owns the Port Owner Daemon: the single process holding one
// physical serial port and serializing every client exchange over it.
//
// Ownership boundary:
// - per-port ownership lock and IPC socket
// - FIFO request queue serviced by one worker
// - ownership record of in-flight exchanges and connected clients
// - liveness (device presence) and lifecycle states
// - optional status HTTP server (health, readiness, status, metrics)
package daemon
