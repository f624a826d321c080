package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PortLogger returns the global logger tagged with the owning component and port.
func PortLogger(component, port string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Str("port", port).Logger()
}
