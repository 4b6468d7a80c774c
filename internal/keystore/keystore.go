// Package keystore resolves versioned letter-encryption keys.
//
// Every key version maps to a base64 master key held outside the database
// (CRYPTO_MASTER_KEY_V<n>). Versions below DerivedFromVersion use the decoded
// master key directly; later versions run it through HKDF-SHA256. Versions are
// never removed, so ciphertext sealed under any version stays readable after
// the current pointer moves on.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"

	"github.com/dharsanguruparan/capsulenote/internal/faults"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// DerivedFromVersion is the first version whose key is HKDF-derived.
	DerivedFromVersion = 2

	VersionEnvPrefix = "CRYPTO_MASTER_KEY_V"
	LegacyEnv        = "CRYPTO_MASTER_KEY"
	CurrentEnv       = "CRYPTO_CURRENT_KEY_VERSION"

	derivationInfo = "letter-encryption"
)

// derivationSalt is fixed for the application. Changing it orphans every
// derived-key ciphertext.
var derivationSalt = []byte("capsulenote.letters.v1")

// Source looks up raw key material by variable name.
type Source interface {
	Lookup(name string) (string, bool)
}

// Lister is implemented by sources that can enumerate their names.
type Lister interface {
	Names() []string
}

// EnvSource reads the process environment.
type EnvSource struct{}

func (EnvSource) Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok && v != ""
}

func (EnvSource) Names() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if name, _, ok := strings.Cut(kv, "="); ok {
			out = append(out, name)
		}
	}
	return out
}

// MapSource is a fixed set of variables.
type MapSource map[string]string

func (m MapSource) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok && v != ""
}

func (m MapSource) Names() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Store resolves key versions and owns the current-version pointer.
type Store struct {
	src     Source
	current atomic.Int64

	mu    sync.RWMutex
	cache map[int][]byte
}

// New builds a Store whose current version is current. The current version
// must resolve.
func New(src Source, current int) (*Store, error) {
	s := &Store{src: src, cache: make(map[int][]byte)}
	if current < 1 {
		return nil, faults.New(faults.KindConfiguration, fmt.Sprintf("invalid current key version %d", current))
	}
	if _, err := s.Resolve(current); err != nil {
		return nil, err
	}
	s.current.Store(int64(current))
	return s, nil
}

// FromEnv builds a Store from the process environment, reading the current
// version from CRYPTO_CURRENT_KEY_VERSION (default 1).
func FromEnv() (*Store, error) {
	src := EnvSource{}
	current := 1
	if v, ok := src.Lookup(CurrentEnv); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, faults.Wrap(faults.KindConfiguration, "parse "+CurrentEnv, err)
		}
		current = n
	}
	return New(src, current)
}

// Current returns the version new ciphertext is sealed under.
func (s *Store) Current() int {
	return int(s.current.Load())
}

// Advance moves the current pointer forward to version. The version must
// resolve and must not be older than the current one.
func (s *Store) Advance(version int) error {
	if _, err := s.Resolve(version); err != nil {
		return err
	}
	for {
		cur := s.current.Load()
		switch {
		case int64(version) == cur:
			return nil
		case int64(version) < cur:
			return faults.New(faults.KindConfiguration, fmt.Sprintf("key version %d is older than current %d", version, cur))
		}
		if s.current.CompareAndSwap(cur, int64(version)) {
			return nil
		}
	}
}

// Resolve returns the 32-byte key for version. A missing or malformed master
// key is a configuration error.
func (s *Store) Resolve(version int) ([]byte, error) {
	if version < 1 {
		return nil, faults.New(faults.KindConfiguration, fmt.Sprintf("invalid key version %d", version))
	}
	s.mu.RLock()
	key, ok := s.cache[version]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	master, err := s.master(version)
	if err != nil {
		return nil, err
	}
	if version < DerivedFromVersion {
		key = master
	} else {
		key = make([]byte, KeySize)
		r := hkdf.New(sha256.New, master, derivationSalt, []byte(derivationInfo))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, faults.Wrap(faults.KindConfiguration, fmt.Sprintf("derive key version %d", version), err)
		}
	}

	s.mu.Lock()
	s.cache[version] = key
	s.mu.Unlock()
	return key, nil
}

func (s *Store) master(version int) ([]byte, error) {
	name := VersionEnvPrefix + strconv.Itoa(version)
	raw, ok := s.src.Lookup(name)
	if !ok && version == 1 {
		name = LegacyEnv
		raw, ok = s.src.Lookup(name)
	}
	if !ok {
		return nil, faults.New(faults.KindConfiguration, fmt.Sprintf("no master key configured for version %d", version))
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, fmt.Sprintf("decode %s", name), err)
	}
	if len(decoded) != KeySize {
		return nil, faults.New(faults.KindConfiguration, fmt.Sprintf("%s must decode to %d bytes, got %d", name, KeySize, len(decoded)))
	}
	return decoded, nil
}

// Versions lists the configured versions in ascending order. Sources that
// cannot enumerate report only the current version.
func (s *Store) Versions() []int {
	lister, ok := s.src.(Lister)
	if !ok {
		return []int{s.Current()}
	}
	seen := map[int]bool{}
	for _, name := range lister.Names() {
		switch {
		case name == LegacyEnv:
			seen[1] = true
		case strings.HasPrefix(name, VersionEnvPrefix):
			if n, err := strconv.Atoi(strings.TrimPrefix(name, VersionEnvPrefix)); err == nil && n > 0 {
				seen[n] = true
			}
		}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// GenerateKey returns a fresh base64-encoded master key.
func GenerateKey() (string, error) {
	buf := make([]byte, KeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
