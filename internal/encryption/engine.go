// Package encryption seals letter content with AES-256-GCM under versioned
// keys.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/faults"
)

// NonceSize is the GCM nonce length in bytes.
const NonceSize = 12

// Keys resolves key material. *keystore.Store satisfies it.
type Keys interface {
	Resolve(version int) ([]byte, error)
	Current() int
}

// Sealed is the output of Encrypt.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int
}

// Engine encrypts under the current key version and decrypts under any
// configured one.
type Engine struct {
	keys    Keys
	counter atomic.Uint32
	now     func() time.Time
	random  io.Reader
}

// NewEngine returns an Engine reading keys from keys.
func NewEngine(keys Keys) *Engine {
	return &Engine{keys: keys, now: time.Now, random: rand.Reader}
}

// Encrypt seals plaintext under the current key version.
func (e *Engine) Encrypt(plaintext []byte) (Sealed, error) {
	version := e.keys.Current()
	aead, err := e.aead(version)
	if err != nil {
		return Sealed{}, err
	}
	nonce, err := e.nonce()
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
		KeyVersion: version,
	}, nil
}

// Decrypt opens ciphertext sealed under keyVersion. It never returns partial
// plaintext: a bad nonce, tag or key yields an error.
func (e *Engine) Decrypt(ciphertext, nonce []byte, keyVersion int) ([]byte, error) {
	aead, err := e.aead(keyVersion)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, faults.New(faults.KindDecryption, fmt.Sprintf("nonce must be %d bytes, got %d", NonceSize, len(nonce)))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindDecryption, fmt.Sprintf("open ciphertext under key version %d", keyVersion), err)
	}
	return plaintext, nil
}

func (e *Engine) aead(version int) (cipher.AEAD, error) {
	key, err := e.keys.Resolve(version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, "init aes", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, "init gcm", err)
	}
	return aead, nil
}

// nonce lays out Unix seconds (4 bytes, big-endian), the engine counter
// (4 bytes, wrapping) and 4 random bytes.
func (e *Engine) nonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	binary.BigEndian.PutUint32(n[0:4], uint32(e.now().Unix()))
	binary.BigEndian.PutUint32(n[4:8], e.counter.Add(1))
	if _, err := io.ReadFull(e.random, n[8:]); err != nil {
		return nil, fmt.Errorf("read nonce randomness: %w", err)
	}
	return n, nil
}
