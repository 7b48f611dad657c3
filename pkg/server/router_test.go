package server

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/duochat/pkg/attachments"
	"github.com/aeolun/duochat/pkg/auth"
)

func newTestRouter(t *testing.T) (*Router, *Registry, *mockDB, *attachments.Store) {
	t.Helper()

	files, err := attachments.NewStore(t.TempDir())
	require.NoError(t, err)

	db := newMockDB()
	registry := NewRegistry(nil)
	return NewRouter(registry, db, files, nil), registry, db, files
}

func TestRouteForwardsToRecipient(t *testing.T) {
	router, registry, db, _ := newTestRouter(t)
	sender, _ := admitTest(registry, &alice)
	recipient, _ := admitTest(registry, &bob)
	bystander, _ := admitTest(registry, &carol)

	msg, err := router.Route(sender, []byte(`{"recipient":"u-bob","text":"hello"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Text)
	assert.Equal(t, "hello", *msg.Text)
	assert.Nil(t, msg.File)
	assert.Equal(t, 1, db.messageCount())

	received := queuedMessages(t, recipient)
	require.Len(t, received, 1)
	assert.Equal(t, msg.ID, received[0].ID)
	assert.Equal(t, alice.UserID, received[0].Sender)
	assert.Equal(t, bob.UserID, received[0].Recipient)
	assert.Equal(t, "hello", *received[0].Text)
	assert.Equal(t, msg.CreatedAt, received[0].CreatedAt)

	assert.Empty(t, queuedMessages(t, sender), "sender must not receive an echo")
	assert.Empty(t, queuedMessages(t, bystander))
}

func TestRouteToEveryRecipientConnection(t *testing.T) {
	router, registry, _, _ := newTestRouter(t)
	sender, _ := admitTest(registry, &alice)
	phone, _ := admitTest(registry, &bob)
	laptop, _ := admitTest(registry, &bob)

	_, err := router.Route(sender, []byte(`{"recipient":"u-bob","text":"hi"}`))
	require.NoError(t, err)

	assert.Len(t, queuedMessages(t, phone), 1)
	assert.Len(t, queuedMessages(t, laptop), 1)
}

func TestRouteOfflineRecipientIsPersisted(t *testing.T) {
	router, registry, db, _ := newTestRouter(t)
	sender, _ := admitTest(registry, &alice)

	msg, err := router.Route(sender, []byte(`{"recipient":"u-bob","text":"later"}`))
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)

	history, err := db.ConversationMessages(bob.UserID, alice.UserID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "later", *history[0].Text)
	assert.Empty(t, queuedMessages(t, sender))
}

func TestRouteUnauthenticated(t *testing.T) {
	router, registry, db, _ := newTestRouter(t)
	anon, _ := admitTest(registry, nil)
	recipient, _ := admitTest(registry, &bob)

	_, err := router.Route(anon, []byte(`{"recipient":"u-bob","text":"hi"}`))
	assert.True(t, errors.Is(err, auth.ErrUnauthenticated))
	assert.Equal(t, 0, db.messageCount())
	assert.Empty(t, queuedMessages(t, recipient))
}

func TestRouteMalformed(t *testing.T) {
	payloads := map[string]string{
		"bad json":          `{"recipient":`,
		"missing recipient": `{"text":"hi"}`,
		"empty payload":     `{"recipient":"u-bob"}`,
		"empty text":        `{"recipient":"u-bob","text":""}`,
		"bad base64":        `{"recipient":"u-bob","file":{"name":"a.txt","data":"***"}}`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			router, registry, db, _ := newTestRouter(t)
			sender, _ := admitTest(registry, &alice)
			recipient, _ := admitTest(registry, &bob)

			_, err := router.Route(sender, []byte(payload))
			assert.True(t, errors.Is(err, ErrMalformedPayload), "got %v", err)
			assert.Equal(t, 0, db.messageCount())
			assert.Empty(t, queuedMessages(t, recipient))
		})
	}
}

func TestRouteStoreFailureDoesNotForward(t *testing.T) {
	router, registry, db, _ := newTestRouter(t)
	db.failAppend = true
	sender, _ := admitTest(registry, &alice)
	recipient, _ := admitTest(registry, &bob)

	_, err := router.Route(sender, []byte(`{"recipient":"u-bob","text":"lost"}`))
	assert.True(t, errors.Is(err, ErrStoreFailure))
	assert.Empty(t, queuedMessages(t, recipient))
}

func TestRouteWithAttachment(t *testing.T) {
	router, registry, db, files := newTestRouter(t)
	sender, _ := admitTest(registry, &alice)
	recipient, _ := admitTest(registry, &bob)

	content := []byte("quarterly numbers")
	payload := `{"recipient":"u-bob","text":"","file":{"name":"report.txt","data":"data:text/plain;base64,` +
		base64.StdEncoding.EncodeToString(content) + `"}}`

	msg, err := router.Route(sender, []byte(payload))
	require.NoError(t, err)
	assert.Nil(t, msg.Text, "empty text is stored as absent")
	require.NotNil(t, msg.File)
	assert.Equal(t, ".txt", filepath.Ext(*msg.File))

	written, err := os.ReadFile(filepath.Join(files.Dir(), *msg.File))
	require.NoError(t, err)
	assert.Equal(t, content, written)

	received := queuedMessages(t, recipient)
	require.Len(t, received, 1)
	require.NotNil(t, received[0].File)
	assert.Equal(t, *msg.File, *received[0].File)
	assert.Nil(t, received[0].Text)
	assert.Equal(t, 1, db.messageCount())
}

func TestRouteFullOutboxRequestsClose(t *testing.T) {
	router, registry, _, _ := newTestRouter(t)
	sender, _ := admitTest(registry, &alice)
	recipient, _ := admitTest(registry, &bob)
	for len(recipient.outbox) < cap(recipient.outbox) {
		recipient.outbox <- []byte(`{}`)
	}

	_, err := router.Route(sender, []byte(`{"recipient":"u-bob","text":"hi"}`))
	require.NoError(t, err, "a stuck recipient does not fail the sender")

	select {
	case reason := <-recipient.closing:
		assert.Equal(t, reasonSlowConsumer, reason)
	default:
		t.Fatal("expected a close request for the stuck recipient")
	}
	assert.Equal(t, 2, registry.Count(), "router never evicts inline")
}

func TestSendAfterDeathIsRefused(t *testing.T) {
	registry := NewRegistry(nil)
	conn, _ := admitTest(registry, &bob)
	conn.markDead()

	assert.ErrorIs(t, conn.Send([]byte(`{}`)), ErrConnectionClosed)
	assert.Empty(t, conn.outbox)
}
