package serialport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const DefaultBaudRate = 115200

// Port is the byte stream a transport session drives. go.bug.st/serial ports
// satisfy it directly.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a port by name at a baud rate with a per-read timeout. Open
// is the physical implementation.
type Opener func(name string, baud int, readTimeout time.Duration) (Port, error)

// Info describes one enumerated port.
type Info struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

func (i Info) String() string {
	if !i.IsUSB {
		return i.Name
	}
	desc := fmt.Sprintf("%s [%s:%s]", i.Name, i.VID, i.PID)
	if i.Product != "" {
		desc += " " + i.Product
	}
	return desc
}

// Open opens a physical port 8N1 at baud with the given per-read timeout.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", protocol.ErrPortUnavailable, name, err)
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("%w: set read timeout on %s: %v", protocol.ErrPortUnavailable, name, err)
		}
	}
	if err := p.ResetInputBuffer(); err != nil {
		log.Warn().Str("port", name).Err(err).Msg("serialport.Open input flush failed")
	}
	log.Debug().Str("port", name).Int("baud", baud).Dur("read_timeout", readTimeout).Msg("serialport.Open ready")
	return p, nil
}

// List returns the names of the ports present on the host, sorted.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: enumerate: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// Describe returns detailed port information where the platform provides it.
func Describe() ([]Info, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: enumerate details: %w", err)
	}
	out := make([]Info, 0, len(details))
	for _, d := range details {
		out = append(out, Info{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Present reports whether the device node behind name still exists. Names
// that are not filesystem paths are always present.
func Present(name string) bool {
	if !strings.HasPrefix(name, "/dev/") {
		return true
	}
	_, err := os.Stat(name)
	return err == nil
}

// IsDisconnect reports whether err means the device went away rather than a
// configuration or permission problem.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPipeClosed) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device not configured") ||
		strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "device not found") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "device disconnected")
}
