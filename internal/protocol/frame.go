package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Version is the protocol revision agreed by all three roles. A hello
// carrying a different value is rejected during the handshake.
const Version = 1

type FrameType string

const (
	FrameTypeHello        FrameType = "hello"
	FrameTypeHelloAck     FrameType = "hello-ack"
	FrameTypeHTTPRequest  FrameType = "http-request"
	FrameTypeHTTPResponse FrameType = "http-response"
	FrameTypeConnectStart FrameType = "connect-start"
	FrameTypeConnectAck   FrameType = "connect-ack"
	FrameTypeConnectError FrameType = "connect-error"
	FrameTypeConnectData  FrameType = "connect-data"
	FrameTypeConnectEnd   FrameType = "connect-end"
	FrameTypeError        FrameType = "error"
)

type Role string

const (
	RoleLAN   Role = "lan"
	RoleProxy Role = "proxy"
)

func (r Role) Valid() bool {
	return r == RoleLAN || r == RoleProxy
}

// Counterpart returns the opposite role of a session pairing.
func (r Role) Counterpart() Role {
	if r == RoleLAN {
		return RoleProxy
	}
	return RoleLAN
}

// Headers preserves multi-value HTTP headers across the relay.
type Headers map[string][]string

// RequestPayload is the http-request variant body.
type RequestPayload struct {
	Method     string  `json:"method"`
	URL        string  `json:"url"`
	Headers    Headers `json:"headers,omitempty"`
	BodyBase64 string  `json:"bodyBase64,omitempty"`
}

// Frame is the single wire unit exchanged between roles. The Type tag
// selects which of the optional fields are meaningful.
type Frame struct {
	Type            FrameType       `json:"type"`
	Role            Role            `json:"role,omitempty"`
	Session         string          `json:"session,omitempty"`
	ProtocolVersion int             `json:"protocolVersion,omitempty"`
	ID              string          `json:"id,omitempty"`
	Request         *RequestPayload `json:"request,omitempty"`
	Status          int             `json:"status,omitempty"`
	Headers         Headers         `json:"headers,omitempty"`
	BodyBase64      string          `json:"bodyBase64,omitempty"`
	Error           string          `json:"error,omitempty"`
	Host            string          `json:"host,omitempty"`
	Port            int             `json:"port,omitempty"`
	DataBase64      string          `json:"dataBase64,omitempty"`
	Message         string          `json:"message,omitempty"`
}

func EncodePayload(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func DecodePayload(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return data, nil
}

// Marshal serializes a frame as a single JSON object with no embedded
// newlines, suitable both for a discrete socket message and for one
// NDJSON line.
func Marshal(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// SendEnvelope is the body of POST /api/send: the sending role plus one
// frame or an array of frames.
type SendEnvelope struct {
	Role    Role            `json:"role"`
	Message json.RawMessage `json:"message"`
}

// DecodeMessages accepts either a single frame object or an array of
// frames and returns them in order.
func DecodeMessages(raw json.RawMessage) ([]*Frame, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if trimmed[0] == '[' {
		var frames []*Frame
		if err := json.Unmarshal(raw, &frames); err != nil {
			return nil, fmt.Errorf("decode frame batch: %w", err)
		}
		for _, f := range frames {
			if f == nil || f.Type == "" {
				return nil, fmt.Errorf("frame missing type")
			}
		}
		return frames, nil
	}
	f, err := Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	return []*Frame{f}, nil
}
