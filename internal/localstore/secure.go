package localstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// EncryptedStore — предпочитаемый tier: тот же JSON-блоб, но под AES-256-GCM.
// Ключ лежит в отдельном файле рядом (0600) и создаётся при первом запуске.
type EncryptedStore struct {
	path    string
	keyPath string
	key     []byte

	mu   sync.Mutex
	data map[string]string
}

func NewSecure(path, keyPath string) (*EncryptedStore, error) {
	s := &EncryptedStore{path: path, keyPath: keyPath, data: map[string]string{}}
	key, err := s.loadOrCreateKey()
	if err != nil {
		return nil, err
	}
	s.key = key
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EncryptedStore) loadOrCreateKey() ([]byte, error) {
	b, err := os.ReadFile(s.keyPath)
	if err == nil && len(b) == 32 {
		return b, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read key file")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	if err := writeFileAtomic(s.keyPath, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *EncryptedStore) load() error {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read secure store")
	}
	plain, err := s.open(b)
	if err != nil {
		// Битый или чужой блоб: не валим запуск, начинаем с пустого tier'а,
		// plain tier останется источником для чтения.
		return nil
	}
	if err := json.Unmarshal(plain, &s.data); err != nil {
		return nil
	}
	return nil
}

func (s *EncryptedStore) flushLocked() error {
	b, err := json.Marshal(s.data)
	if err != nil {
		return errors.Wrap(err, "marshal secure store")
	}
	sealed, err := s.seal(b)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, sealed, 0o600)
}

func (s *EncryptedStore) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "new gcm")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *EncryptedStore) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "new gcm")
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed blob too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.Wrap(err, "gcm open")
	}
	return plain, nil
}

func (s *EncryptedStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *EncryptedStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.flushLocked()
}

func (s *EncryptedStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return s.flushLocked()
}
