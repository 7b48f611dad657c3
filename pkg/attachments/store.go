// Package attachments stores uploaded message files on disk.
package attachments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrInvalidData is returned when the upload payload is not valid base64
var ErrInvalidData = errors.New("invalid attachment data")

// Store writes attachments into a single directory
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates the upload directory if needed
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the upload directory
func (s *Store) Dir() string {
	return s.dir
}

// Save decodes data and writes it under a freshly derived filename, which is returned.
// The name is <unix millis>-<random>.<ext>; ext comes from the text after the last
// '.' of originalName, or from the sniffed content type when there is none.
func (s *Store) Save(originalName, data string) (string, error) {
	decoded, err := Decode(data)
	if err != nil {
		return "", err
	}

	ext := Extension(originalName)
	if ext == "" {
		ext = strings.TrimPrefix(mimetype.Detect(decoded).Extension(), ".")
	}

	filename := fmt.Sprintf("%d-%s", s.now().UnixMilli(), uuid.NewString()[:8])
	if ext != "" {
		filename += "." + ext
	}

	if err := os.WriteFile(filepath.Join(s.dir, filename), decoded, 0644); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}

	return filename, nil
}

// Decode accepts plain base64 or a data URL ("data:image/png;base64,....")
func Decode(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		_, payload, ok := strings.Cut(data, ",")
		if !ok {
			return nil, ErrInvalidData
		}
		data = payload
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return decoded, nil
}

// Extension returns the substring after the last '.' of name, sanitised for use in a filename
func Extension(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	ext := name[i+1:]
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
