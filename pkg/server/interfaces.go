package server

import "github.com/aeolun/duochat/pkg/database"

// DatabaseStore defines the persistence operations used by the server.
// Both the SQLite and the Badger backends implement it.
type DatabaseStore interface {
	// User operations
	CreateUser(name, passwordHash string) (*database.User, error)
	GetUserByName(name string) (*database.User, error)
	ListUsers() ([]*database.User, error)

	// Message operations
	AppendMessage(msg *database.Message) (int64, error)
	ConversationMessages(userA, userB string) ([]*database.Message, error)

	Close() error
}

// AttachmentStore writes uploaded files and returns their stored name
type AttachmentStore interface {
	Save(originalName, data string) (string, error)
}
