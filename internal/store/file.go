package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
)

// FileStore keeps one JSON document per message under base/<canonical>/<id>.json.
type FileStore struct {
	base string
}

// NewFileStore creates a FileStore rooted at base, creating the directory if needed.
func NewFileStore(base string) (*FileStore, error) {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{base: base}, nil
}

// Save writes the message into the folder of each canonical recipient.
func (s *FileStore) Save(_ context.Context, msg *email.Email) (string, error) {
	dirs, err := folderDirs(s.base, msg)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	written := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		path := filepath.Join(dir, msg.ID+".json")
		err := os.MkdirAll(dir, 0o700)
		if err == nil {
			err = writeFileAtomic(path, data)
		}
		if err != nil {
			// Undo the copies already filed so a retried delivery is not duplicated.
			for _, p := range written {
				os.Remove(p)
			}
			return "", fmt.Errorf("failed to write message %s: %w", msg.ID, err)
		}
		written = append(written, path)
	}
	return msg.ID, nil
}

// List reads every message filed under the canonical identity of addr.
func (s *FileStore) List(_ context.Context, addr string) ([]*email.Email, error) {
	dir, err := folderDir(s.base, address.Normalize(address.Unwrap(addr)))
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*email.Email{}, nil
		}
		return nil, fmt.Errorf("failed to read folder: %w", err)
	}

	msgs := make([]*email.Email, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		var msg email.Email
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", entry.Name(), err)
		}
		msgs = append(msgs, &msg)
	}

	sortNewestFirst(msgs)
	return msgs, nil
}

// Name returns the backend identifier.
func (s *FileStore) Name() string {
	return "file"
}

// writeFileAtomic writes data to a temporary sibling and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
