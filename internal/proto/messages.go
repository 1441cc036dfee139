package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Event names carried in the "event" field of outbound envelopes.
const (
	EventFlowStart   = "flow_start"
	EventFlowMessage = "flow_message"
	EventFlowEnd     = "flow_end"
)

// Direction values for FlowMessage.Direction.
const (
	DirClientToServer = "client_to_server"
	DirServerToClient = "server_to_client"
)

// Endpoint is an (ip, port) pair encoded as a two element JSON array.
type Endpoint netip.AddrPort

func (e Endpoint) MarshalJSON() ([]byte, error) {
	ap := netip.AddrPort(e)
	ip := ""
	if ap.Addr().IsValid() {
		ip = ap.Addr().Unmap().String()
	}
	return json.Marshal([]any{ip, ap.Port()})
}

func (e *Endpoint) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("endpoint: want [ip, port], got %d elements", len(pair))
	}
	var ip string
	var port uint16
	if err := json.Unmarshal(pair[0], &ip); err != nil {
		return fmt.Errorf("endpoint ip: %w", err)
	}
	if err := json.Unmarshal(pair[1], &port); err != nil {
		return fmt.Errorf("endpoint port: %w", err)
	}
	if ip == "" {
		*e = Endpoint{}
		return nil
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return err
	}
	*e = Endpoint(netip.AddrPortFrom(addr, port))
	return nil
}

// FlowStart announces a new intercepted connection.
type FlowStart struct {
	Event         string   `json:"event"`
	FlowID        string   `json:"flowId"`
	ClientAddress Endpoint `json:"client_address"`
	ServerAddress Endpoint `json:"server_address"`
	Timestamp     int64    `json:"timestamp"`
}

// FlowMessage carries the frames completed by one host chunk and expects a Response.
type FlowMessage struct {
	Event     string   `json:"event"`
	MessageID string   `json:"messageId"`
	FlowID    string   `json:"flowId"`
	Direction string   `json:"direction"`
	Segments  []string `json:"segments"`
	Timestamp int64    `json:"timestamp"`
}

// FlowEnd announces that a connection closed. No reply is expected.
type FlowEnd struct {
	Event  string `json:"event"`
	FlowID string `json:"flowId"`
}

// Response is the decision service's verdict for one FlowMessage.
type Response struct {
	MessageID        string   `json:"messageId"`
	ModifiedSegments []string `json:"modified_segments_base64,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Envelope is used to peek at the event of an inbound message on the relay side.
type Envelope struct {
	Event     string `json:"event"`
	MessageID string `json:"messageId"`
	FlowID    string `json:"flowId"`
}

// EncodeSegments base64 encodes frames for a FlowMessage.
func EncodeSegments(frames [][]byte) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = base64.StdEncoding.EncodeToString(f)
	}
	return out
}

// DecodeSegments reverses EncodeSegments.
func DecodeSegments(segs []string) ([][]byte, error) {
	out := make([][]byte, 0, len(segs))
	for i, s := range segs {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Replacement returns the concatenated replacement payload. ok is false when the
// response carries no segments, meaning the original bytes should be used.
func (r Response) Replacement() (payload []byte, ok bool, err error) {
	if len(r.ModifiedSegments) == 0 {
		return nil, false, nil
	}
	segs, err := DecodeSegments(r.ModifiedSegments)
	if err != nil {
		return nil, false, err
	}
	for _, s := range segs {
		payload = append(payload, s...)
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, true, nil
}

// MessageID forms the correlation id for the seq'th chunk of a flow.
func MessageID(flowID string, seq uint64) string {
	return flowID + "_" + strconv.FormatUint(seq, 10)
}

// FlowIDFromMessageID extracts the flow id from a correlation id.
func FlowIDFromMessageID(id string) (string, bool) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 {
		return "", false
	}
	if _, err := strconv.ParseUint(id[i+1:], 10, 64); err != nil {
		return "", false
	}
	return id[:i], true
}
