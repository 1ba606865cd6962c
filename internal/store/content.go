package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrContentNotFound is returned when no .eml file can be located for a
// Message-ID by any resolution strategy.
var ErrContentNotFound = errors.New("email content not found")

var unsafeChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// ContentStore persists raw .eml files, content-addressed by Message-ID.
// Writes are idempotent: a file that already exists is never rewritten,
// which makes concurrent ingress of the same Message-ID safe.
type ContentStore struct {
	dir string
}

// NewContentStore creates the storage directory if needed.
func NewContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating email storage directory: %w", err)
	}
	return &ContentStore{dir: dir}, nil
}

// Dir returns the storage directory.
func (cs *ContentStore) Dir() string {
	return cs.dir
}

// SafeMessageID converts a Message-ID into a filesystem-safe file stem:
// angle brackets stripped, "@" replaced with "_at_", reserved path
// characters replaced with "_".
func SafeMessageID(messageID string) string {
	id := strings.TrimSpace(messageID)
	id = strings.Trim(id, "<>")
	id = strings.ReplaceAll(id, "@", "_at_")
	id = unsafeChars.ReplaceAllString(id, "_")
	return strings.TrimSpace(id)
}

// Path returns the canonical .eml path for a Message-ID.
func (cs *ContentStore) Path(messageID string) string {
	return filepath.Join(cs.dir, SafeMessageID(messageID)+".eml")
}

// Write stores the canonical bytes for a Message-ID and returns the file
// path. If the file already exists the write is skipped, the existing
// path is returned, and created is false.
func (cs *ContentStore) Write(messageID string, content []byte) (path string, created bool, err error) {
	path = cs.Path(messageID)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return path, false, nil
		}
		return "", false, fmt.Errorf("creating %s: %w", path, err)
	}

	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", false, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", false, fmt.Errorf("closing %s: %w", path, err)
	}

	return path, true, nil
}

// Read resolves the content for a Message-ID, trying in order: the stored
// metadata path, the canonical safe-name path, and finally a directory scan
// for the canonicalized ID fragment. Returns ErrContentNotFound when all
// strategies fail.
func (cs *ContentStore) Read(messageID, contentPath string) ([]byte, error) {
	if contentPath != "" {
		if data, err := os.ReadFile(contentPath); err == nil {
			return data, nil
		}
	}

	if data, err := os.ReadFile(cs.Path(messageID)); err == nil {
		return data, nil
	}

	fragment := SafeMessageID(messageID)
	if fragment != "" {
		entries, err := os.ReadDir(cs.dir)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", cs.dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".eml") {
				continue
			}
			if strings.Contains(entry.Name(), fragment) {
				return os.ReadFile(filepath.Join(cs.dir, entry.Name()))
			}
		}
	}

	return nil, ErrContentNotFound
}

// Remove unlinks the .eml file for a Message-ID. Missing files are not
// an error; the hint path from metadata is tried first.
func (cs *ContentStore) Remove(messageID, contentPath string) error {
	if contentPath != "" {
		if err := os.Remove(contentPath); err == nil || os.IsNotExist(err) {
			return nil
		}
	}
	if err := os.Remove(cs.Path(messageID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
