package secrets

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// LocalStore keeps secrets in one encrypted file. The file layout is a
// 16-byte Argon2id salt, a 24-byte secretbox nonce, then the sealed JSON map.
// The sealing key is derived from a passphrase; losing the passphrase loses
// the secrets.
type LocalStore struct {
	path       string
	passphrase []byte
	logger     *slog.Logger

	mu     sync.Mutex
	values map[string]string
}

const (
	saltLen  = 16
	nonceLen = 24

	// Argon2id parameters. Tuned for a small ARM board, not a server.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

// ErrBadPassphrase is returned when the file cannot be unsealed.
var ErrBadPassphrase = errors.New("secrets: cannot unseal store, wrong passphrase or corrupt file")

// NewLocalStore opens (or initializes) the encrypted store at path. A missing
// file is treated as an empty store and created on the first Set.
func NewLocalStore(path, passphrase string, logger *slog.Logger) (*LocalStore, error) {
	if passphrase == "" {
		return nil, errors.New("secrets: passphrase required for local store")
	}
	s := &LocalStore{
		path:       path,
		passphrase: []byte(passphrase),
		logger:     logger.With("component", "secrets"),
		values:     make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.logger.Info("using local encrypted secret store", "path", path)
	return s, nil
}

func (s *LocalStore) Get(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Set stores a secret and rewrites the sealed file.
func (s *LocalStore) Set(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return s.save()
}

// Delete removes a secret and rewrites the sealed file.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.values, name)
	return s.save()
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	return nil
}

func (s *LocalStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read secret store: %w", err)
	}
	if len(data) < saltLen+nonceLen+secretbox.Overhead {
		return ErrBadPassphrase
	}

	salt := data[:saltLen]
	var nonce [nonceLen]byte
	copy(nonce[:], data[saltLen:saltLen+nonceLen])
	sealed := data[saltLen+nonceLen:]

	var key [keyLen]byte
	copy(key[:], argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, keyLen))

	plain, ok := secretbox.Open(nil, sealed, &nonce, &key)
	if !ok {
		return ErrBadPassphrase
	}
	if err := json.Unmarshal(plain, &s.values); err != nil {
		return fmt.Errorf("decode secret store: %w", err)
	}
	return nil
}

// save seals the map under a fresh salt and nonce and writes it atomically.
func (s *LocalStore) save() error {
	plain, err := json.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}

	salt := make([]byte, saltLen)
	var nonce [nonceLen]byte
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	var key [keyLen]byte
	copy(key[:], argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, keyLen))

	out := make([]byte, 0, saltLen+nonceLen+len(plain)+secretbox.Overhead)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plain, &nonce, &key)

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create secret directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("write secret store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace secret store: %w", err)
	}
	return nil
}
