// Package credstore manages on-disk per-session authentication material and
// the per-session message/media cache. Each session owns one subtree under
// the store root, deletable as a unit. The lifecycle manager is the only
// writer of these directories.
package credstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const sessionDirPrefix = "session-"

// Store is a filesystem-backed credential store.
type Store struct {
	authRoot  string
	cacheRoot string
}

// New creates a credential store rooted at authRoot with a media cache
// rooted at cacheRoot. Both directories are created if absent.
func New(authRoot, cacheRoot string) (*Store, error) {
	if err := os.MkdirAll(authRoot, 0755); err != nil {
		return nil, fmt.Errorf("create auth root: %w", err)
	}
	if err := os.MkdirAll(cacheRoot, 0755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{authRoot: authRoot, cacheRoot: cacheRoot}, nil
}

// AuthDir returns the credential directory for a session, creating it if
// absent. The directory is handed to the browser engine as the profile dir.
func (s *Store) AuthDir(sessionID string) (string, error) {
	dir := filepath.Join(s.authRoot, sessionDirPrefix+sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create auth dir for %s: %w", sessionID, err)
	}
	return dir, nil
}

// CacheDir returns the media cache directory for a session, creating it if
// absent.
func (s *Store) CacheDir(sessionID string) (string, error) {
	dir := filepath.Join(s.cacheRoot, sessionDirPrefix+sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create cache dir for %s: %w", sessionID, err)
	}
	return dir, nil
}

// HasAuth reports whether on-disk credential material exists for a session.
func (s *Store) HasAuth(sessionID string) bool {
	info, err := os.Stat(filepath.Join(s.authRoot, sessionDirPrefix+sessionID))
	return err == nil && info.IsDir()
}

// Purge removes the credential subtree and media cache for one session.
// Deletion failures are logged and reported but callers treat them as
// non-fatal.
func (s *Store) Purge(sessionID string) error {
	var firstErr error
	for _, dir := range []string{
		filepath.Join(s.authRoot, sessionDirPrefix+sessionID),
		filepath.Join(s.cacheRoot, sessionDirPrefix+sessionID),
	} {
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("Failed to purge session directory", "dir", dir, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("purge %s: %w", dir, err)
			}
		}
	}
	return firstErr
}

// PurgeAll removes every session-scoped subtree found on disk, regardless
// of in-memory state. Returns the identifiers of purged sessions.
func (s *Store) PurgeAll() ([]string, error) {
	ids, err := s.ListSessions()
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, id := range ids {
		if err := s.Purge(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return ids, firstErr
}

// ListSessions returns the identifiers of every session with on-disk
// credential material.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.authRoot)
	if err != nil {
		return nil, fmt.Errorf("read auth root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sessionDirPrefix) {
			continue
		}
		ids = append(ids, strings.TrimPrefix(e.Name(), sessionDirPrefix))
	}
	return ids, nil
}
