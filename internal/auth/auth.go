package auth

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// MinKeyLength is the shortest key Add accepts.
const MinKeyLength = 8

// KeyStore holds the API keys listed one per line in a text file. Reads are
// concurrent; Add and Remove rewrite the file.
type KeyStore struct {
	path string

	mu   sync.RWMutex
	keys []string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	logger  *slog.Logger
}

// NewKeyStore loads the key file at path. A missing file yields an empty
// store, which disables authentication.
func NewKeyStore(path string) (*KeyStore, error) {
	s := &KeyStore{path: path, logger: slog.Default().With("component", "auth.keys")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the key file location.
func (s *KeyStore) Path() string { return s.path }

// Reload re-reads the key file.
func (s *KeyStore) Reload() error {
	keys, err := readKeyFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// Enabled reports whether any key is configured.
func (s *KeyStore) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys) > 0
}

// List returns the configured keys in file order.
func (s *KeyStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys)
}

// Validate reports whether key matches a configured key.
func (s *KeyStore) Validate(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok := false
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

// Add appends key to the file.
func (s *KeyStore) Add(key string) error {
	key = strings.TrimSpace(key)
	if len(key) < MinKeyLength || strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("%w: at least %d characters without whitespace", ErrInvalidKey, MinKeyLength)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.keys, key) {
		return ErrKeyExists
	}
	keys := append(slices.Clone(s.keys), key)
	if err := writeKeyFile(s.path, keys); err != nil {
		return err
	}
	s.keys = keys
	s.logger.Info("auth.key.added", "key", Mask(key), "count", len(keys))
	return nil
}

// Remove deletes key from the file.
func (s *KeyStore) Remove(key string) error {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.Index(s.keys, key)
	if idx < 0 {
		return ErrKeyNotFound
	}
	keys := slices.Delete(slices.Clone(s.keys), idx, idx+1)
	if err := writeKeyFile(s.path, keys); err != nil {
		return err
	}
	s.keys = keys
	s.logger.Info("auth.key.removed", "key", Mask(key), "count", len(keys))
	return nil
}

// Watch reloads the store whenever the key file changes. The parent
// directory is watched so editors that replace the file are picked up.
func (s *KeyStore) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create key file watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		w.Close()
		return fmt.Errorf("create key directory %s: %w", dir, err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.watchLoop()
	return nil
}

func (s *KeyStore) watchLoop() {
	defer close(s.done)
	target := filepath.Clean(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Error("auth.keys.reload_failed", "error", err)
				continue
			}
			s.logger.Info("auth.keys.reloaded", "op", event.Op.String(), "count", len(s.List()))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("auth.keys.watch_error", "error", err)
		case <-s.stopCh:
			return
		}
	}
}

// Close stops watching.
func (s *KeyStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.stopCh)
	err := s.watcher.Close()
	<-s.done
	s.watcher = nil
	return err
}

// Mask shortens a key for logs.
func Mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func readKeyFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	var keys []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || slices.Contains(keys, line) {
			continue
		}
		keys = append(keys, line)
	}
	return keys, sc.Err()
}

// writeKeyFile replaces the file atomically with 0600 permissions.
func writeKeyFile(path string, keys []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable to create key directory %s: %w", dir, err)
	}
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(dir, ".keys-*")
	if err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
