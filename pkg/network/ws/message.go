package ws

import (
	"encoding/json"
	"fmt"
)

// MessageType is the type of the node protocol message.
type MessageType int

// Known message types.
const (
	ErrorType             MessageType = -1
	HandshakeRequestType  MessageType = 0
	HandshakeResponseType MessageType = 1
	ConfigType            MessageType = 3
	ConfigRequestType     MessageType = 4
	StatisticsRequestType MessageType = 20
	// NotificationType carries public events for anonymous channels.
	NotificationType MessageType = 100
	OKType           MessageType = 200
)

// String implements the fmt.Stringer interface.
func (t MessageType) String() string {
	switch t {
	case ErrorType:
		return "error"
	case HandshakeRequestType:
		return "handshake-request"
	case HandshakeResponseType:
		return "handshake-response"
	case ConfigType:
		return "config"
	case ConfigRequestType:
		return "config-request"
	case StatisticsRequestType:
		return "statistics-request"
	case NotificationType:
		return "notification"
	case OKType:
		return "ok"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Message is a single protocol message. A message with RequestID expects
// exactly one response carrying the same value in ResponseID.
type Message struct {
	Type       MessageType     `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	ResponseID string          `json:"responseId,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// NewMessage creates a message of the given type with data marshaled to JSON.
// nil data leaves the Data field empty.
func NewMessage(t MessageType, data any) (*Message, error) {
	m := &Message{Type: t}
	if data == nil {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", t, err)
	}
	m.Data = raw
	return m, nil
}

// DecodeData unmarshals message data into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

func (m *Message) isResponse() bool {
	return m.ResponseID != ""
}

// HandshakeRequest is the data of HandshakeRequestType message, the peer is
// expected to sign Payload with its node key.
type HandshakeRequest struct {
	Payload string `json:"payload"`
}

// HandshakeResponse carries the hex-encoded Ed25519 signature of the
// handshake payload.
type HandshakeResponse struct {
	Signature string `json:"signature"`
}

// ResponseError is returned for requests answered by the peer with an
// ErrorType message.
type ResponseError struct {
	Message string
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	return "peer error: " + e.Message
}
