package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/SableFox/SafeBeacon/internal/localstore"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Алфавит без легко путаемых символов (нет I и O). Ровно 32 символа,
// так что 8 символов кодируют 40 бит без остатка.
const idAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const idLength = 8

// Известные мусорные значения аппаратного идентификатора: эмуляторы и
// прошивки, отдающие плейсхолдер вместо реального id.
var badHardwareIDs = map[string]struct{}{
	"":                                     {},
	"unknown":                              {},
	"00000000-0000-0000-0000-000000000000": {},
	"9774d56d682e549c":                     {},
	"0123456789abcdef":                     {},
}

// Provider выдаёт стабильный идентификатор установки. Раз сохранённый id
// никогда не перегенерируется.
type Provider struct {
	store localstore.Store

	// пути, где ищем аппаратный идентификатор хоста
	hwPaths []string

	mu     sync.Mutex
	cached string
}

func NewProvider(store localstore.Store) *Provider {
	return &Provider{
		store: store,
		hwPaths: []string{
			"/etc/machine-id",
			"/var/lib/dbus/machine-id",
		},
	}
}

// WithHardwarePaths переопределяет места поиска аппаратного id (для тестов).
func (p *Provider) WithHardwarePaths(paths ...string) *Provider {
	p.hwPaths = paths
	return p
}

// DeviceID возвращает сохранённый идентификатор, если он есть, иначе
// деривит новый из (hardwareId|salt) и персистит в оба tier'а хранилища.
func (p *Provider) DeviceID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	if v, ok, err := p.store.Get(localstore.KeyDeviceID); err == nil && ok && v != "" {
		p.cached = v
		return v, nil
	}

	salt, err := p.installSalt()
	if err != nil {
		return "", err
	}

	seed := ""
	if hw, ok := p.hardwareID(); ok {
		seed = hw + "|" + salt
	} else {
		// нет пригодного аппаратного id — берём случайный UUID; salt уже
		// не обязателен, но вреда от него нет
		seed = uuid.NewString() + "|" + salt
	}

	id := encodeID(packID(mix32(seed+"|a"), mix32(seed+"|b")))

	if err := p.store.Set(localstore.KeyDeviceID, id); err != nil {
		return "", errors.Wrap(err, "persist device id")
	}
	p.cached = id
	return id, nil
}

func (p *Provider) installSalt() (string, error) {
	if v, ok, err := p.store.Get(localstore.KeyInstallSalt); err == nil && ok && v != "" {
		return v, nil
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	salt := hex.EncodeToString(b)
	if err := p.store.Set(localstore.KeyInstallSalt, salt); err != nil {
		return "", errors.Wrap(err, "persist salt")
	}
	return salt, nil
}

func (p *Provider) hardwareID() (string, bool) {
	if v := os.Getenv("BEACON_HARDWARE_ID"); v != "" {
		if usableHardwareID(v) {
			return strings.TrimSpace(v), true
		}
		return "", false
	}
	for _, path := range p.hwPaths {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		v := strings.TrimSpace(string(b))
		if usableHardwareID(v) {
			return v, true
		}
	}
	return "", false
}

func usableHardwareID(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if _, bad := badHardwareIDs[v]; bad {
		return false
	}
	if strings.Trim(v, "0-") == "" {
		return false
	}
	return true
}

// mix32 — некриптографический 32-битный перемешивающий хэш (FNV-1a с
// финальным avalanche-шагом). Коллизионная стойкость тут не нужна,
// нужна только стабильность и разброс.
func mix32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	return h
}

// packID упаковывает два 32-битных значения в 40 бит: старшие 32 бита из
// первого хэша, младшие 8 — из второго.
func packID(ha, hb uint32) uint64 {
	return (uint64(ha) << 8) | uint64(hb&0xff)
}

func encodeID(v uint64) string {
	var sb strings.Builder
	sb.Grow(idLength)
	for i := idLength - 1; i >= 0; i-- {
		idx := (v >> (uint(i) * 5)) & 0x1f
		sb.WriteByte(idAlphabet[idx])
	}
	return sb.String()
}

// Validate проверяет, что строка похожа на наш идентификатор устройства.
func Validate(id string) error {
	if len(id) != idLength {
		return fmt.Errorf("device id must be %d chars, got %d", idLength, len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune(idAlphabet, r) {
			return fmt.Errorf("device id contains invalid char %q", r)
		}
	}
	return nil
}
