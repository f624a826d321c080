package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/packet"
)

const (
	controlTypeRequest = "port.request"
	controlTypeReply   = "port.reply"

	// MaxControlLine bounds one JSON line; flash images travel base64 encoded.
	MaxControlLine = 32 * 1024 * 1024
)

var (
	ErrInvalidRequest         = errors.New("session: invalid request")
	ErrInvalidReply           = errors.New("session: invalid reply")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Request is the client->daemon IPC payload: one logical message to exchange
// with the target, or a service request for the daemon itself.
type Request struct {
	MessageType packet.MessageType `json:"message_type"`
	Payload     []byte             `json:"payload,omitempty"`
	TimeoutMS   int64              `json:"timeout_ms,omitempty"`
}

func NewRequest(msg packet.Message, timeout time.Duration) Request {
	return Request{
		MessageType: msg.Type,
		Payload:     msg.Payload,
		TimeoutMS:   timeout.Milliseconds(),
	}
}

func (r Request) Validate() error {
	if r.MessageType == packet.TypeService {
		if _, err := packet.DecodeServiceRequest(r.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil
	}
	if !r.MessageType.IsRequest() {
		return fmt.Errorf("%w: message_type %s is not a request", ErrInvalidRequest, r.MessageType)
	}
	if r.TimeoutMS < 0 {
		return fmt.Errorf("%w: negative timeout_ms", ErrInvalidRequest)
	}
	return nil
}

func (r Request) Message() packet.Message {
	return packet.Message{Type: r.MessageType, Payload: r.Payload}
}

// Timeout returns the requested exchange timeout, or fallback when unset.
func (r Request) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutMS <= 0 {
		return fallback
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Reply is the daemon->client IPC payload.
type Reply struct {
	OK            bool               `json:"ok"`
	Error         string             `json:"error,omitempty"`
	Kind          protocol.Kind      `json:"kind,omitempty"`
	CorrelationID uint64             `json:"correlation_id,omitempty"`
	MessageType   packet.MessageType `json:"message_type,omitempty"`
	Payload       []byte             `json:"payload,omitempty"`
}

func MessageReply(correlationID uint64, msg packet.Message) Reply {
	return Reply{
		OK:            true,
		CorrelationID: correlationID,
		MessageType:   msg.Type,
		Payload:       msg.Payload,
	}
}

func ErrorReply(correlationID uint64, err error) Reply {
	return Reply{
		OK:            false,
		Error:         err.Error(),
		Kind:          protocol.KindOf(err),
		CorrelationID: correlationID,
	}
}

func (r Reply) Validate() error {
	if r.OK {
		return nil
	}
	if strings.TrimSpace(r.Error) == "" {
		return fmt.Errorf("%w: failed reply without error", ErrInvalidReply)
	}
	return nil
}

// Err maps a failed reply back onto the protocol error taxonomy.
func (r Reply) Err() error {
	if r.OK {
		return nil
	}
	return protocol.FromKind(r.Kind, r.Error)
}

func (r Reply) Message() packet.Message {
	return packet.Message{Type: r.MessageType, Payload: r.Payload}
}

type controlEnvelope struct {
	Type    string   `json:"type"`
	Request *Request `json:"request,omitempty"`
	Reply   *Reply   `json:"reply,omitempty"`
}

func WriteRequest(w io.Writer, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:    controlTypeRequest,
		Request: &req,
	})
}

func ReadRequest(r *bufio.Reader) (Request, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Request{}, err
	}
	if env.Type != controlTypeRequest || env.Request == nil {
		return Request{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidRequest, env.Type)
	}
	if err := env.Request.Validate(); err != nil {
		return Request{}, err
	}
	return *env.Request, nil
}

func WriteReply(w io.Writer, reply Reply) error {
	if err := reply.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeReply,
		Reply: &reply,
	})
}

func ReadReply(r *bufio.Reader) (Reply, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Reply{}, err
	}
	if env.Type != controlTypeReply || env.Reply == nil {
		return Reply{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidReply, env.Type)
	}
	if err := env.Reply.Validate(); err != nil {
		return Reply{}, err
	}
	return *env.Reply, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) >= MaxControlLine {
		return ErrControlMessageTooLarge
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > MaxControlLine {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
