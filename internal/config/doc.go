// Package config loads espmctl settings from TOML and maps them onto the
// daemon, session and client configurations.
package config
