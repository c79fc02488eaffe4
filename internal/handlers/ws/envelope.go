package ws

import (
	"encoding/json"

	"github.com/noteduco342/whispr-backend/internal/apperr"
)

// Envelope is the wire format of a client command.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the wire format of a topic delivery.
type Event struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorResponse is sent when a command fails
type ErrorResponse struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Validation("ws.Decode", "malformed frame")
	}
	if env.Type == "" {
		return nil, apperr.Validation("ws.Decode", "frame type is required")
	}
	return &env, nil
}

// DecodePayload unmarshals a command payload into v.
func DecodePayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return apperr.Validation("ws.DecodePayload", "payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperr.Validation("ws.DecodePayload", "malformed payload")
	}
	return nil
}

// NewErrorResponse renders err for the client. Internal failures are opaque.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: apperr.PublicMessage(err),
		Code:  apperr.Code(err),
	}
}

func encodeEvent(topic string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: "event", Topic: topic, Payload: body})
}
