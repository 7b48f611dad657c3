package attachments

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 1x1 transparent PNG
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return s
}

func TestSaveKeepsOriginalExtension(t *testing.T) {
	s := newTestStore(t)

	name, err := s.Save("holiday.photo.JPG", base64.StdEncoding.EncodeToString([]byte("jpeg bytes")))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(name, "1700000000000-"), name)
	assert.Equal(t, "JPG", Extension(name))

	content, err := os.ReadFile(filepath.Join(s.Dir(), name))
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(content))
}

func TestSaveDataURL(t *testing.T) {
	s := newTestStore(t)

	data := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))
	name, err := s.Save("notes.txt", data)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(s.Dir(), name))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestSaveSniffsMissingExtension(t *testing.T) {
	s := newTestStore(t)

	name, err := s.Save("screenshot", base64.StdEncoding.EncodeToString(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, "png", Extension(name))
}

func TestSameMillisecondUploadsDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	data := base64.StdEncoding.EncodeToString([]byte("x"))

	first, err := s.Save("a.txt", data)
	require.NoError(t, err)
	second, err := s.Save("b.txt", data)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestSaveRejectsInvalidBase64(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("a.txt", "%%% not base64")
	assert.True(t, errors.Is(err, ErrInvalidData), "got %v", err)

	_, err = s.Save("a.txt", "data:text/plain;base64")
	assert.True(t, errors.Is(err, ErrInvalidData), "got %v", err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"photo.png":      "png",
		"archive.tar.gz": "gz",
		"noext":          "",
		"trailing.":      "",
		"evil.p/ng":      "",
		".bashrc":        "bashrc",
	}
	for in, want := range tests {
		assert.Equal(t, want, Extension(in), in)
	}
}
