package auth

import (
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newStore(t *testing.T, content string) *KeyStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth_profiles", "key.txt")
	if content != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	s, err := NewKeyStore(path)
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	return s
}

func TestKeyStoreLoad(t *testing.T) {
	s := newStore(t, "first-key-123\n\n# comment\n  second-key-456  \nfirst-key-123\n")
	got := s.List()
	want := []string{"first-key-123", "second-key-456"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("List: got %v, want %v", got, want)
	}
	if !s.Enabled() {
		t.Fatal("expected store enabled")
	}
	if !s.Validate(" second-key-456 ") || s.Validate("second-key") || s.Validate("") {
		t.Fatal("Validate mismatch")
	}
}

func TestKeyStoreMissingFile(t *testing.T) {
	s := newStore(t, "")
	if s.Enabled() || len(s.List()) != 0 {
		t.Fatalf("missing file should give an empty store, got %v", s.List())
	}
}

func TestKeyStoreAddRemove(t *testing.T) {
	s := newStore(t, "")

	if err := s.Add("short"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Add short: got %v, want ErrInvalidKey", err)
	}
	if err := s.Add("has space key"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Add with space: got %v, want ErrInvalidKey", err)
	}
	if err := s.Add("alpha-key-1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("beta-key-22"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("alpha-key-1"); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("Add duplicate: got %v, want ErrKeyExists", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "alpha-key-1\nbeta-key-22\n" {
		t.Fatalf("file: got %q", data)
	}
	info, _ := os.Stat(s.Path())
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm: got %o, want 600", info.Mode().Perm())
	}

	if err := s.Remove("alpha-key-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("alpha-key-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Remove missing: got %v, want ErrKeyNotFound", err)
	}

	reloaded, err := NewKeyStore(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.List(); !reflect.DeepEqual(got, []string{"beta-key-22"}) {
		t.Fatalf("reloaded: got %v", got)
	}
}

func TestKeyStoreWatchReloads(t *testing.T) {
	s := newStore(t, "initial-key-1\n")
	if err := s.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer s.Close()

	if err := os.WriteFile(s.Path(), []byte("initial-key-1\nexternal-key-2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Validate("external-key-2") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("key file change not picked up, keys=%v", s.List())
}

func TestGate(t *testing.T) {
	s := newStore(t, "gate-key-1234\n")
	g := &Gate{Keys: s}

	cases := []struct {
		name   string
		header string
		value  string
		ok     bool
	}{
		{"bearer", "Authorization", "Bearer gate-key-1234", true},
		{"bearer lowercase scheme", "Authorization", "bearer gate-key-1234", true},
		{"x-api-key", "X-API-Key", "gate-key-1234", true},
		{"wrong key", "Authorization", "Bearer nope-nope-nope", false},
		{"basic scheme", "Authorization", "Basic gate-key-1234", false},
		{"missing", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			if tc.header != "" {
				r.Header.Set(tc.header, tc.value)
			}
			err := g.Validate(r)
			if tc.ok && err != nil {
				t.Fatalf("got %v, want nil", err)
			}
			if !tc.ok && !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("got %v, want ErrUnauthorized", err)
			}
		})
	}

	if !g.IsProtected("/v1/queue") || g.IsProtected("/health") || g.IsProtected("/metrics") {
		t.Fatal("IsProtected mismatch")
	}

	open := &Gate{Keys: newStore(t, "")}
	if err := open.Validate(httptest.NewRequest("GET", "/v1/models", nil)); err != nil {
		t.Fatalf("no keys configured: got %v, want nil", err)
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abcdefghijkl"); got != "abcd...ijkl" {
		t.Fatalf("Mask: got %q", got)
	}
	if got := Mask("short"); !strings.HasPrefix(got, "*") {
		t.Fatalf("Mask short: got %q", got)
	}
}
