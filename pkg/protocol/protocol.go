package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Name is the WebSocket subprotocol for the default textual framing.
	Name = "tether-v1"
	// BinaryName is the WebSocket subprotocol for msgpack framing.
	// Field set and ordering rules are identical to the textual framing.
	BinaryName = "tether-msgpack-v1"
)

// Type discriminates frames on the control channel.
type Type string

const (
	TypeRegister   Type = "register"
	TypeRegistered Type = "registered"
	TypeRequest    Type = "request"
	TypeChunk      Type = "chunk"
	TypeEnd        Type = "end"
	TypeResponse   Type = "response"
	TypeError      Type = "error"
)

// Direction tags body frames. An absent direction means response.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Frame is a single message on the control channel. Exactly one frame is
// carried per transport message. Which fields are meaningful depends on
// Type; unused fields are omitted on the wire.
type Frame struct {
	Type Type   `json:"type" msgpack:"type"`
	ID   string `json:"id,omitempty" msgpack:"id,omitempty"`

	// register / registered
	Port int `json:"port,omitempty" msgpack:"port,omitempty"`

	// request
	Method  string      `json:"method,omitempty" msgpack:"method,omitempty"`
	URL     string      `json:"url,omitempty" msgpack:"url,omitempty"`
	HasBody bool        `json:"hasBody,omitempty" msgpack:"hasBody,omitempty"`
	Headers http.Header `json:"headers,omitempty" msgpack:"headers,omitempty"`

	// response
	Status    int    `json:"status,omitempty" msgpack:"status,omitempty"`
	Body      string `json:"body,omitempty" msgpack:"body,omitempty"`
	Streaming bool   `json:"streaming,omitempty" msgpack:"streaming,omitempty"`

	// chunk / end
	Data      string    `json:"data,omitempty" msgpack:"data,omitempty"`
	Direction Direction `json:"direction,omitempty" msgpack:"direction,omitempty"`

	// error
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// RequestDirected reports whether a chunk or end frame belongs to the
// request body stream. The response direction is the wire default.
func (f *Frame) RequestDirected() bool {
	return f.Direction == DirectionRequest
}

// EncodeData encodes raw body bytes for the Data or Body fields.
func EncodeData(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeData decodes the Data or Body field back into raw bytes.
func DecodeData(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// ErrorBody is the JSON envelope used for edge- and client-originated
// HTTP error responses.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Codec translates frames to and from transport messages.
type Codec interface {
	// Subprotocol returns the WebSocket subprotocol the codec serves.
	Subprotocol() string
	// MessageType returns the websocket message type frames are sent as.
	MessageType() int
	Marshal(*Frame) ([]byte, error)
	Unmarshal([]byte, *Frame) error
}

// Subprotocols lists every supported subprotocol, preferred first.
func Subprotocols() []string {
	return []string{Name, BinaryName}
}

// CodecFor resolves the negotiated subprotocol to a codec. An empty
// subprotocol (no negotiation performed) falls back to textual framing.
func CodecFor(subprotocol string) (Codec, error) {
	switch subprotocol {
	case "", Name:
		return jsonCodec{}, nil
	case BinaryName:
		return msgpackCodec{}, nil
	}

	return nil, fmt.Errorf("unsupported subprotocol: %q", subprotocol)
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return Name }

func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(f *Frame) ([]byte, error) { return json.Marshal(f) }

func (jsonCodec) Unmarshal(b []byte, f *Frame) error { return json.Unmarshal(b, f) }

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return BinaryName }

func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(f *Frame) ([]byte, error) { return msgpack.Marshal(f) }

func (msgpackCodec) Unmarshal(b []byte, f *Frame) error { return msgpack.Unmarshal(b, f) }
