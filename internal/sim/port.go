package sim

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/espmctl/internal/serialport"
	"github.com/rs/zerolog/log"
)

// IsSimulated reports whether name addresses a simulated gateway.
func IsSimulated(name string) bool {
	return strings.HasPrefix(name, Scheme)
}

// Dial starts a gateway on a fresh pipe and returns the host end. The gateway
// stops when the host end is closed.
func Dial(name string, readTimeout time.Duration, opts Options) (*serialport.PipePort, *Gateway) {
	host, target := serialport.Pipe()
	if readTimeout > 0 {
		_ = host.SetReadTimeout(readTimeout)
	}
	gw := NewGateway(target, opts)
	go func() {
		err := gw.Serve(context.Background())
		log.Debug().Str("port", name).Err(err).Msg("sim.Gateway stopped")
	}()
	return host, gw
}

// WithSimulator routes sim:// names to a new simulated gateway and everything
// else to physical.
func WithSimulator(physical serialport.Opener, opts Options) serialport.Opener {
	return func(name string, baud int, readTimeout time.Duration) (serialport.Port, error) {
		if !IsSimulated(name) {
			return physical(name, baud, readTimeout)
		}
		host, _ := Dial(name, readTimeout, opts)
		log.Info().Str("port", name).Msg("sim.Dial simulated gateway attached")
		return host, nil
	}
}
