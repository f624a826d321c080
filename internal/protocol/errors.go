package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrFraming           = errors.New("protocol: framing error")
	ErrTimeout           = errors.New("protocol: timeout")
	ErrProtocol          = errors.New("protocol: protocol error")
	ErrPortUnavailable   = errors.New("protocol: port unavailable")
	ErrOwnershipConflict = errors.New("protocol: ownership conflict")
)

// Kind is the stable name of a taxonomy error as carried over local IPC.
type Kind string

const (
	KindNone              Kind = ""
	KindFraming           Kind = "framing"
	KindTimeout           Kind = "timeout"
	KindProtocol          Kind = "protocol"
	KindPortUnavailable   Kind = "port_unavailable"
	KindOwnershipConflict Kind = "ownership_conflict"
	KindInternal          Kind = "internal"
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindFraming, ErrFraming},
	{KindTimeout, ErrTimeout},
	{KindProtocol, ErrProtocol},
	{KindPortUnavailable, ErrPortUnavailable},
	{KindOwnershipConflict, ErrOwnershipConflict},
}

// KindOf classifies err against the taxonomy. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindInternal
}

// FromKind rebuilds an error received over IPC so errors.Is keeps working
// on the far side.
func FromKind(kind Kind, msg string) error {
	for _, ks := range kindSentinels {
		if ks.kind == kind {
			if msg == "" || msg == ks.err.Error() {
				return ks.err
			}
			return &remoteError{kind: ks.err, msg: msg}
		}
	}
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("%s", msg)
}

type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }
