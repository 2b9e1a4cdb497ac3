package localstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// PlainStore — незашифрованный tier: один JSON-файл со всеми ключами.
// Запись атомарная (temp + rename), чтобы не потерять файл на полузаписи.
type PlainStore struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

func NewPlain(path string) (*PlainStore, error) {
	s := &PlainStore{path: path, data: map[string]string{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PlainStore) load() error {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read store file")
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return errors.Wrap(err, "parse store file")
	}
	return nil
}

func (s *PlainStore) flushLocked() error {
	b, err := json.Marshal(s.data)
	if err != nil {
		return errors.Wrap(err, "marshal store")
	}
	return writeFileAtomic(s.path, b, 0o600)
}

func (s *PlainStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *PlainStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.flushLocked()
}

func (s *PlainStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return s.flushLocked()
}

func writeFileAtomic(path string, b []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "mkdir store dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, mode); err != nil {
		return errors.Wrap(err, "write tmp store")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename store")
	}
	return nil
}
