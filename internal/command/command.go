package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/packet"
)

const (
	MaxTargetLen   = 20
	NameSize       = 20
	MACSize        = 6
	PeerRecordSize = MACSize + 1 + NameSize + 4
)

var (
	ErrInvalidArgument = errors.New("command: invalid argument")
	ErrMalformed       = fmt.Errorf("%w: malformed command payload", protocol.ErrProtocol)
	ErrRejected        = errors.New("command: target rejected request")
)

// AckCode is the single status byte the gateway returns for flash, serial and
// control requests.
type AckCode uint8

const (
	AckOK            AckCode = 0
	AckNoMemory      AckCode = 1
	AckUnknownTarget AckCode = 2
)

func (c AckCode) String() string {
	switch c {
	case AckOK:
		return "ok"
	case AckNoMemory:
		return "out of memory"
	case AckUnknownTarget:
		return "unknown target"
	default:
		return fmt.Sprintf("error code %d", uint8(c))
	}
}

// Err returns nil for AckOK and an *AckError otherwise.
func (c AckCode) Err() error {
	if c == AckOK {
		return nil
	}
	return &AckError{Code: c}
}

type AckError struct {
	Code AckCode
}

func (e *AckError) Error() string {
	return "command: target rejected request: " + e.Code.String()
}

func (e *AckError) Unwrap() error { return ErrRejected }

// SerialOp selects the virtual serial bridge action.
type SerialOp uint8

const (
	SerialConnect    SerialOp = 1
	SerialDisconnect SerialOp = 2
)

func (o SerialOp) String() string {
	switch o {
	case SerialConnect:
		return "connect"
	case SerialDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("serial_op(%d)", uint8(o))
	}
}

func ParseSerialOp(raw string) (SerialOp, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "connect":
		return SerialConnect, nil
	case "disconnect":
		return SerialDisconnect, nil
	default:
		return 0, fmt.Errorf("%w: serial action %q (want connect or disconnect)", ErrInvalidArgument, raw)
	}
}

// Control carries JSON parameters verbatim, compacted.
func Control(params []byte) (packet.Message, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, bytes.TrimSpace(params)); err != nil {
		return packet.Message{}, fmt.Errorf("%w: control parameters are not valid JSON: %v", ErrInvalidArgument, err)
	}
	return packet.Message{Type: packet.TypeControl, Payload: buf.Bytes()}, nil
}

func Discover(includeLocked bool) packet.Message {
	var flag byte
	if includeLocked {
		flag = 1
	}
	return packet.Message{Type: packet.TypeDiscover, Payload: []byte{flag}}
}

// Flash prefixes the image with its target. An empty target addresses the
// gateway itself.
func Flash(target string, image []byte) (packet.Message, error) {
	if len(image) == 0 {
		return packet.Message{}, fmt.Errorf("%w: empty firmware image", ErrInvalidArgument)
	}
	t, err := encodeTarget(target)
	if err != nil {
		return packet.Message{}, err
	}
	payload := make([]byte, 0, len(t)+len(image))
	payload = append(payload, t...)
	payload = append(payload, image...)
	return packet.Message{Type: packet.TypeFlash, Payload: payload}, nil
}

func Serial(op SerialOp, target string) (packet.Message, error) {
	if op != SerialConnect && op != SerialDisconnect {
		return packet.Message{}, fmt.Errorf("%w: %s", ErrInvalidArgument, op)
	}
	t, err := encodeTarget(target)
	if err != nil {
		return packet.Message{}, err
	}
	return packet.Message{Type: packet.TypeSerial, Payload: append([]byte{byte(op)}, t...)}, nil
}

// Stats asks for one stat key; an empty key asks for all of them.
func Stats(key string) packet.Message {
	return packet.Message{Type: packet.TypeStats, Payload: []byte(strings.TrimSpace(key))}
}

func ParseDiscover(payload []byte) (bool, error) {
	if len(payload) != 1 {
		return false, fmt.Errorf("%w: discover length=%d", ErrMalformed, len(payload))
	}
	return payload[0] != 0, nil
}

func ParseFlash(payload []byte) (string, []byte, error) {
	target, rest, err := decodeTarget(payload)
	if err != nil {
		return "", nil, err
	}
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("%w: flash without image", ErrMalformed)
	}
	return target, rest, nil
}

func ParseSerial(payload []byte) (SerialOp, string, error) {
	if len(payload) < 1 {
		return 0, "", fmt.Errorf("%w: empty serial request", ErrMalformed)
	}
	target, rest, err := decodeTarget(payload[1:])
	if err != nil {
		return 0, "", err
	}
	if len(rest) != 0 {
		return 0, "", fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return SerialOp(payload[0]), target, nil
}

func EncodeAck(code AckCode) []byte {
	return []byte{byte(code)}
}

func DecodeAck(payload []byte) (AckCode, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("%w: ack length=%d", ErrMalformed, len(payload))
	}
	return AckCode(payload[0]), nil
}

// Peer is one discover reply record.
type Peer struct {
	MAC     net.HardwareAddr
	Err     uint8
	Name    string
	OTA     bool
	Serial  bool
	Control bool
	Stats   bool
}

func EncodePeers(peers []Peer) []byte {
	out := make([]byte, 0, len(peers)*PeerRecordSize)
	for _, p := range peers {
		rec := make([]byte, PeerRecordSize)
		copy(rec[0:MACSize], p.MAC)
		rec[MACSize] = p.Err
		copy(rec[MACSize+1:MACSize+1+NameSize], p.Name)
		flags := rec[MACSize+1+NameSize:]
		flags[0] = boolByte(p.OTA)
		flags[1] = boolByte(p.Serial)
		flags[2] = boolByte(p.Control)
		flags[3] = boolByte(p.Stats)
		out = append(out, rec...)
	}
	return out
}

func DecodePeers(payload []byte) ([]Peer, error) {
	if len(payload)%PeerRecordSize != 0 {
		return nil, fmt.Errorf("%w: discover reply length=%d not a multiple of %d", ErrMalformed, len(payload), PeerRecordSize)
	}
	peers := make([]Peer, 0, len(payload)/PeerRecordSize)
	for off := 0; off < len(payload); off += PeerRecordSize {
		rec := payload[off : off+PeerRecordSize]
		name := rec[MACSize+1 : MACSize+1+NameSize]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		flags := rec[MACSize+1+NameSize:]
		peers = append(peers, Peer{
			MAC:     net.HardwareAddr(append([]byte(nil), rec[0:MACSize]...)),
			Err:     rec[MACSize],
			Name:    string(name),
			OTA:     flags[0] != 0,
			Serial:  flags[1] != 0,
			Control: flags[2] != 0,
			Stats:   flags[3] != 0,
		})
	}
	return peers, nil
}

// DecodeStats parses a stats reply into its key/value object.
func DecodeStats(payload []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: stats reply: %v", ErrMalformed, err)
	}
	return out, nil
}

func encodeTarget(target string) ([]byte, error) {
	target = strings.TrimSpace(target)
	if len(target) > MaxTargetLen {
		return nil, fmt.Errorf("%w: target %q longer than %d bytes", ErrInvalidArgument, target, MaxTargetLen)
	}
	out := make([]byte, 1, 1+len(target))
	out[0] = byte(len(target))
	return append(out, target...), nil
}

func decodeTarget(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("%w: missing target length", ErrMalformed)
	}
	n := int(b[0])
	if n > MaxTargetLen || len(b) < 1+n {
		return "", nil, fmt.Errorf("%w: target length=%d", ErrMalformed, n)
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

