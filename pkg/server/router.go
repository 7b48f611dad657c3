package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/duochat/pkg/attachments"
	"github.com/aeolun/duochat/pkg/auth"
	"github.com/aeolun/duochat/pkg/database"
	"github.com/aeolun/duochat/pkg/protocol"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrStoreFailure     = errors.New("store failure")
)

// Router persists inbound messages and forwards them to the recipient's
// live connections
type Router struct {
	registry    *Registry
	store       DatabaseStore
	attachments AttachmentStore
	metrics     *Metrics
}

// NewRouter creates a message router
func NewRouter(registry *Registry, store DatabaseStore, files AttachmentStore, metrics *Metrics) *Router {
	return &Router{
		registry:    registry,
		store:       store,
		attachments: files,
		metrics:     metrics,
	}
}

// Route handles one inbound payload from conn. The attachment is written and the
// message persisted before anything is forwarded; nothing is echoed to the sender.
func (r *Router) Route(conn *Connection, payload []byte) (*database.Message, error) {
	start := time.Now()

	sender, ok := conn.Identity()
	if !ok {
		return nil, auth.ErrUnauthenticated
	}

	in, err := protocol.DecodeInbound(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	msg := &database.Message{
		Sender:    sender.UserID,
		Recipient: in.Recipient,
	}
	if in.Text != "" {
		text := in.Text
		msg.Text = &text
	}

	if in.File != nil {
		name, err := r.attachments.Save(in.File.Name, in.File.Data)
		if err != nil {
			if errors.Is(err, attachments.ErrInvalidData) {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			return nil, fmt.Errorf("%w: attachment: %v", ErrStoreFailure, err)
		}
		msg.File = &name
	}

	if _, err := r.store.AppendMessage(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	r.forward(msg)
	r.metrics.RecordRouteDuration(time.Since(start).Seconds())
	return msg, nil
}

func (r *Router) forward(msg *database.Message) {
	data, err := protocol.Encode(&protocol.MessageEvent{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Text:      msg.Text,
		File:      msg.File,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		errorLog.Printf("Failed to encode message %d: %v", msg.ID, err)
		return
	}

	targets := r.registry.FindByUserID(msg.Recipient)
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			debugLog.Printf("Connection %d: forward of message %d not queued: %v", conn.ID, msg.ID, err)
			continue
		}
		delivered++
	}

	r.metrics.RecordForward(delivered)
}
