package credstore

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "auth"), filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func TestAuthDirCreatesSubtree(t *testing.T) {
	s := newTestStore(t)

	dir, err := s.AuthDir("tenant-1")
	if err != nil {
		t.Fatalf("auth dir: %v", err)
	}
	if filepath.Base(dir) != "session-tenant-1" {
		t.Errorf("expected session- prefixed dir, got %q", dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory to exist, stat err=%v", err)
	}
	if !s.HasAuth("tenant-1") {
		t.Error("expected HasAuth true after AuthDir")
	}
}

func TestHasAuthAbsent(t *testing.T) {
	s := newTestStore(t)
	if s.HasAuth("ghost") {
		t.Error("expected HasAuth false for unknown session")
	}
}

func TestPurgeRemovesBothSubtrees(t *testing.T) {
	s := newTestStore(t)

	authDir, err := s.AuthDir("tenant-1")
	if err != nil {
		t.Fatalf("auth dir: %v", err)
	}
	cacheDir, err := s.CacheDir("tenant-1")
	if err != nil {
		t.Fatalf("cache dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(authDir, "creds.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("write creds: %v", err)
	}

	if err := s.Purge("tenant-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	for _, dir := range []string{authDir, cacheDir} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("expected %s removed", dir)
		}
	}
}

func TestPurgeAbsentIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.Purge("ghost"); err != nil {
		t.Fatalf("expected purge of absent session to succeed, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		if _, err := s.AuthDir(id); err != nil {
			t.Fatalf("auth dir %s: %v", id, err)
		}
	}
	// A stray file and an unprefixed directory must be ignored.
	if err := os.WriteFile(filepath.Join(s.authRoot, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(s.authRoot, "tmp"), 0755); err != nil {
		t.Fatalf("mkdir stray dir: %v", err)
	}

	ids, err := s.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected [a b], got %v", ids)
	}
}

func TestPurgeAllSweepsEverySession(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.AuthDir(id); err != nil {
			t.Fatalf("auth dir %s: %v", id, err)
		}
	}

	ids, err := s.PurgeAll()
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 purged ids, got %v", ids)
	}
	for _, id := range []string{"a", "b", "c"} {
		if s.HasAuth(id) {
			t.Errorf("expected %s purged", id)
		}
	}
}
