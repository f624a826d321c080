package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/danmuck/espmctl/internal/protocol/packet"
)

// Result is a decoded reply ready for display.
type Result struct {
	Type  packet.MessageType
	Ack   AckCode
	Peers []Peer
	Stats json.RawMessage
}

// Decode interprets a reply payload according to the request it answers.
// A non-OK ack is returned as the error alongside the decoded result.
func Decode(request packet.MessageType, reply packet.Message) (Result, error) {
	res := Result{Type: reply.Type}
	switch request {
	case packet.TypeDiscover:
		peers, err := DecodePeers(reply.Payload)
		if err != nil {
			return res, err
		}
		res.Peers = peers
	case packet.TypeStats:
		if _, err := DecodeStats(reply.Payload); err != nil {
			return res, err
		}
		res.Stats = json.RawMessage(reply.Payload)
	case packet.TypeFlash, packet.TypeSerial, packet.TypeControl:
		code, err := DecodeAck(reply.Payload)
		if err != nil {
			return res, err
		}
		res.Ack = code
		return res, code.Err()
	default:
		return res, fmt.Errorf("%w: no decoder for %s", ErrInvalidArgument, request)
	}
	return res, nil
}

// Render writes a human readable form of res.
func Render(w io.Writer, res Result) error {
	switch res.Type {
	case packet.TypeDiscoverResp:
		if len(res.Peers) == 0 {
			_, err := fmt.Fprintln(w, "no peers found")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MAC\tNAME\tOTA\tSERIAL\tCTRL\tSTATS\tERR")
		for _, p := range res.Peers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				p.MAC, p.Name, yesNo(p.OTA), yesNo(p.Serial), yesNo(p.Control), yesNo(p.Stats), p.Err)
		}
		return tw.Flush()
	case packet.TypeStatsResp:
		var out bytes.Buffer
		if len(res.Stats) == 0 {
			_, err := fmt.Fprintln(w, "{}")
			return err
		}
		if err := json.Indent(&out, res.Stats, "", "  "); err != nil {
			return err
		}
		out.WriteByte('\n')
		_, err := w.Write(out.Bytes())
		return err
	default:
		_, err := fmt.Fprintln(w, res.Ack)
		return err
	}
}

// WriteStatsFile stores a stats reply as indented JSON.
func WriteStatsFile(path string, stats json.RawMessage) error {
	var out bytes.Buffer
	if len(stats) == 0 {
		stats = json.RawMessage("{}")
	}
	if err := json.Indent(&out, stats, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	return os.WriteFile(path, out.Bytes(), 0o644)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "-"
}
