// Package store persists inbound messages and answers history queries.
//
// Every backend files a message once per distinct canonical recipient, so a
// query for any alias of an address reads the same folder.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
)

var (
	// ErrUnknownType is returned by callers selecting a backend name that does not exist.
	ErrUnknownType = errors.New("unknown store type")
	// ErrNoFolder is returned when a message has no usable recipient to file under.
	ErrNoFolder = errors.New("message has no recipient folder")
	// ErrPathTraversal is returned when an address would resolve outside the store root.
	ErrPathTraversal = errors.New("path escapes store root")
)

// Store is the persistence collaborator used by ingestion and history queries.
type Store interface {
	// Save durably records msg and returns its ID.
	Save(ctx context.Context, msg *email.Email) (string, error)
	// List returns the messages filed for the canonical identity of addr,
	// newest first. An address with no mail yields an empty slice.
	List(ctx context.Context, addr string) ([]*email.Email, error)
	// Name returns the backend identifier.
	Name() string
}

// Folders returns the distinct canonical identities of the message recipients,
// in first-seen order.
func Folders(msg *email.Email) []string {
	seen := make(map[string]struct{}, len(msg.To))
	var folders []string
	for _, rcpt := range msg.To {
		folder := address.Normalize(address.Unwrap(rcpt))
		if folder == "" {
			continue
		}
		if _, ok := seen[folder]; ok {
			continue
		}
		seen[folder] = struct{}{}
		folders = append(folders, folder)
	}
	return folders
}

// folderDir maps a canonical identity to its directory under base. The name
// is path-escaped, so a "/" or "\" in a local part stays inside one segment.
func folderDir(base, folder string) (string, error) {
	name := url.PathEscape(folder)
	if name == "" || name == "." || name == ".." {
		return "", ErrPathTraversal
	}
	cleanBase := filepath.Clean(base)
	candidate := filepath.Join(cleanBase, name)
	if !strings.HasPrefix(candidate, cleanBase+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return candidate, nil
}

// folderDirs resolves the directory of every recipient folder before anything
// is written. Folders that cannot be stored safely are skipped with a warning;
// if none remain the error wraps ErrNoFolder.
func folderDirs(base string, msg *email.Email) ([]string, error) {
	folders := Folders(msg)
	if len(folders) == 0 {
		return nil, ErrNoFolder
	}

	dirs := make([]string, 0, len(folders))
	for _, folder := range folders {
		dir, err := folderDir(base, folder)
		if err != nil {
			slog.Warn("skipping unsafe recipient folder",
				"message_id", msg.ID,
				"folder", folder,
				"error", err,
			)
			continue
		}
		dirs = append(dirs, dir)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoFolder, ErrPathTraversal)
	}
	return dirs, nil
}

// sortNewestFirst orders messages by ReceivedAt descending, breaking ties by ID.
func sortNewestFirst(msgs []*email.Email) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
	})
}
