// Package tools provides host process helpers for the command line.
//
// Ownership boundary:
// - spawning the detached port owner daemon
//
// - daemon output redirection into the runtime directory
package tools
