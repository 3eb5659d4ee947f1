// Package blob stores uploaded chat media on local disk. Files are written
// under {dataDir}/media and addressed by the relative path the gateway
// serves them back on.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound means no blob exists at the requested path.
var ErrNotFound = errors.New("blob not found")

// URLPrefix is the gateway route blobs are served under.
const URLPrefix = "/media/"

// Store keeps media files for chat attachments and voice notes.
type Store struct {
	mu  sync.RWMutex
	dir string
}

// NewStore creates the media directory under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "media")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// resolve maps a relative blob path to a file path, rejecting anything that
// escapes the media directory.
func (s *Store) resolve(rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid blob path %q", rel)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean[1:])), nil
}

// Put stores data at the given relative path and returns the URL it will be
// served on.
func (s *Store) Put(rel string, data []byte) (string, error) {
	fp, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(fp), 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(fp, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return URLPrefix + strings.TrimPrefix(path.Clean("/"+rel), "/"), nil
}

// Get reads the blob at the given relative path.
func (s *Store) Get(rel string) ([]byte, error) {
	fp, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(fp)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// UploadChatMedia stores an image/video/file attachment for a conversation
// and returns its URL. The stored name keeps the original filename behind a
// millisecond timestamp so repeated uploads never collide in practice.
func (s *Store) UploadChatMedia(convID, name string, data []byte) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "upload"
	}
	rel := fmt.Sprintf("chat-media/%s/%d_%s", convID, time.Now().UnixMilli(), base)
	return s.Put(rel, data)
}

// UploadVoiceNote stores a recorded voice message for a conversation.
func (s *Store) UploadVoiceNote(convID string, data []byte) (string, error) {
	rel := fmt.Sprintf("chat-audio/%s/%d.webm", convID, time.Now().UnixMilli())
	return s.Put(rel, data)
}
