package packet

import (
	"fmt"
	"strings"
)

// MessageType is the one-byte message type carried in every Header.
type MessageType uint8

const (
	TypeNull         MessageType = 0
	TypeDiscover     MessageType = 1
	TypeDiscoverResp MessageType = 2
	TypeFlash        MessageType = 3
	TypeFlashResp    MessageType = 4
	TypeSerial       MessageType = 5
	TypeSerialResp   MessageType = 6
	TypeControl      MessageType = 7
	TypeControlResp  MessageType = 8
	TypeStats        MessageType = 9
	TypeStatsResp    MessageType = 10

	// TypeService carries daemon housekeeping between a client and the port
	// owner. It is never written to the serial link.
	TypeService MessageType = 0xF0
)

var typeNames = map[MessageType]string{
	TypeNull:         "null",
	TypeDiscover:     "discover",
	TypeDiscoverResp: "discover_resp",
	TypeFlash:        "flash",
	TypeFlashResp:    "flash_resp",
	TypeSerial:       "serial",
	TypeSerialResp:   "serial_resp",
	TypeControl:      "control",
	TypeControlResp:  "control_resp",
	TypeStats:        "stats",
	TypeStatsResp:    "stats_resp",
	TypeService:      "service",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// IsRequest reports whether t is a host-originated serial request.
func (t MessageType) IsRequest() bool {
	return t >= TypeDiscover && t <= TypeStats && t%2 == 1
}

// Response returns the reply type that answers t.
func (t MessageType) Response() MessageType {
	if t.IsRequest() {
		return t + 1
	}
	return t
}

// ParseCommand maps an operator command name onto its request type.
func ParseCommand(name string) (MessageType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "discover":
		return TypeDiscover, nil
	case "flash":
		return TypeFlash, nil
	case "serial":
		return TypeSerial, nil
	case "control":
		return TypeControl, nil
	case "stats":
		return TypeStats, nil
	default:
		return TypeNull, fmt.Errorf("packet: unknown command %q", name)
	}
}

// ServiceRequest is the single-byte payload of a TypeService message.
type ServiceRequest uint8

const (
	ServicePing   ServiceRequest = 1
	ServiceStop   ServiceRequest = 2
	ServiceStatus ServiceRequest = 3
)

func (r ServiceRequest) String() string {
	switch r {
	case ServicePing:
		return "ping"
	case ServiceStop:
		return "stop"
	case ServiceStatus:
		return "status"
	default:
		return fmt.Sprintf("service(%d)", uint8(r))
	}
}

// Message is one reassembled logical message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// ServiceMessage builds the message for a service request code.
func ServiceMessage(code ServiceRequest) Message {
	return Message{Type: TypeService, Payload: EncodeServiceRequest(code)}
}
