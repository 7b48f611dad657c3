package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerDB is an embedded key-value backend with the same contract as DB.
//
// Keys:
//
//	user:<name>                       -> user record
//	msg:<pair>:<created_at>:<id>      -> message record
//
// where <pair> is the two user IDs sorted and joined with "|", and both
// numbers are zero padded to 19 digits so a prefix scan yields a
// conversation in chronological order.
type BadgerDB struct {
	db        *badger.DB
	snowflake *Snowflake
}

// OpenBadger opens (or creates) a Badger store in dir
func OpenBadger(dir string) (*BadgerDB, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerDB{db: db, snowflake: NewSnowflake(defaultEpoch, 0)}, nil
}

// Close closes the store
func (b *BadgerDB) Close() error {
	return b.db.Close()
}

type diskUser struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
	CreatedAt    int64  `json:"created_at"`
}

type diskMessage struct {
	ID        int64   `json:"id"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Text      *string `json:"text,omitempty"`
	File      *string `json:"file,omitempty"`
	CreatedAt int64   `json:"created_at"`
}

func userKey(name string) []byte {
	return []byte("user:" + name)
}

func pairPrefix(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("msg:%s|%s:", userA, userB)
}

func messageKey(msg *Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%019d", pairPrefix(msg.Sender, msg.Recipient), msg.CreatedAt, msg.ID))
}

// CreateUser registers a new user and returns it
func (b *BadgerDB) CreateUser(name, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Name:         name,
		PasswordHash: passwordHash,
		CreatedAt:    nowMillis(),
	}

	data, err := json.Marshal(diskUser(*user))
	if err != nil {
		return nil, err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		key := userKey(name)
		if _, err := txn.Get(key); err == nil {
			return ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// GetUserByName looks a user up by username
func (b *BadgerDB) GetUserByName(name string) (*User, error) {
	var du diskUser
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &du)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	user := User(du)
	return &user, nil
}

// ListUsers returns every registered user ordered by name
func (b *BadgerDB) ListUsers() ([]*User, error) {
	var users []*User
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var du diskUser
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &du)
			}); err != nil {
				return err
			}
			user := User(du)
			users = append(users, &user)
		}
		return nil
	})
	return users, err
}

// AppendMessage persists a message, filling in its ID and CreatedAt
func (b *BadgerDB) AppendMessage(msg *Message) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if strings.Contains(msg.Sender, "|") || strings.Contains(msg.Recipient, "|") {
		return 0, fmt.Errorf("%w: user ids must not contain '|'", ErrInvalidMessage)
	}

	msg.ID = b.snowflake.NextID()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = nowMillis()
	}

	data, err := json.Marshal(diskMessage(*msg))
	if err != nil {
		return 0, err
	}

	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), data)
	}); err != nil {
		return 0, err
	}

	return msg.ID, nil
}

// ConversationMessages returns every message exchanged between userA and userB, oldest first
func (b *BadgerDB) ConversationMessages(userA, userB string) ([]*Message, error) {
	var messages []*Message
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(pairPrefix(userA, userB))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dm diskMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dm)
			}); err != nil {
				return err
			}
			msg := Message(dm)
			messages = append(messages, &msg)
		}
		return nil
	})
	return messages, err
}
