// Package protocol defines the JSON events exchanged over the chat WebSocket.
//
// Server to client:
//
//	{"online":[{"userId":"..","userName":".."}]}                          presence
//	{"id":1,"sender":"..","recipient":"..","text":"..","file":null,...}   message
//	{"error":{"code":"..","message":".."}}                                  rejection
//
// Client to server:
//
//	{"recipient":"..","text":"..","file":{"name":"a.png","data":"<base64 or data URL>"}}
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxFrameSize is the default upper bound for one inbound WebSocket message (10 MB)
const MaxFrameSize = 10 * 1024 * 1024

// Error codes carried by ErrorEvent
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeMalformedPayload = "malformed_payload"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrEmptyPayload = errors.New("message needs text or file")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Peer is one entry of the online roster or the user directory
type Peer struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// PresenceEvent replaces the receiver's online roster wholesale
type PresenceEvent struct {
	Online []Peer `json:"online"`
}

// MessageEvent is a persisted message as delivered to its recipient
type MessageEvent struct {
	ID        int64   `json:"id"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Text      *string `json:"text"`
	File      *string `json:"file"`
	CreatedAt int64   `json:"createdAt"`
}

// ErrorBody describes why an inbound message was rejected
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEvent is only sent when the server is configured to reject invalid messages
type ErrorEvent struct {
	Error ErrorBody `json:"error"`
}

// FilePayload is an attachment upload
type FilePayload struct {
	Name string `json:"name" validate:"required"`
	Data string `json:"data" validate:"required"`
}

// InboundMessage is what a client sends to post a message
type InboundMessage struct {
	Recipient string       `json:"recipient" validate:"required"`
	Text      string       `json:"text,omitempty"`
	File      *FilePayload `json:"file,omitempty"`
}

// Validate checks that a recipient and at least one of text or file are present.
// An empty text string counts as absent.
func (m *InboundMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return err
	}
	if m.Text == "" && m.File == nil {
		return ErrEmptyPayload
	}
	return nil
}

// DecodeInbound parses a client message; it does not validate it
func DecodeInbound(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode serialises any event
func Encode(event interface{}) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeServerEvent parses a server event into *PresenceEvent, *MessageEvent or *ErrorEvent
func DecodeServerEvent(data []byte) (interface{}, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var target interface{}
	switch {
	case probe["online"] != nil:
		target = &PresenceEvent{}
	case probe["error"] != nil:
		target = &ErrorEvent{}
	case probe["sender"] != nil:
		target = &MessageEvent{}
	default:
		return nil, ErrUnknownEvent
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return target, nil
}
