package keystore

import (
	"bytes"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/faults"
)

func key(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, KeySize))
}

func TestResolve_RawBelowThreshold(t *testing.T) {
	s, err := New(MapSource{"CRYPTO_MASTER_KEY_V1": key(1)}, 1)
	require.NoError(t, err)

	k, err := s.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{1}, KeySize), k)
}

func TestResolve_DerivedFromThreshold(t *testing.T) {
	s, err := New(MapSource{"CRYPTO_MASTER_KEY_V1": key(7), "CRYPTO_MASTER_KEY_V2": key(7)}, 1)
	require.NoError(t, err)

	raw, err := s.Resolve(1)
	require.NoError(t, err)
	derived, err := s.Resolve(2)
	require.NoError(t, err)
	assert.Len(t, derived, KeySize)
	assert.NotEqual(t, raw, derived, "same master must yield a different derived key")

	again, err := s.Resolve(2)
	require.NoError(t, err)
	assert.Equal(t, derived, again)
}

func TestResolve_LegacyFallbackForVersionOne(t *testing.T) {
	s, err := New(MapSource{"CRYPTO_MASTER_KEY": key(3)}, 1)
	require.NoError(t, err)

	k, err := s.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, byte(3), k[0])

	_, err = s.Resolve(2)
	assert.True(t, faults.Is(err, faults.KindConfiguration))
}

func TestResolve_ConfigurationErrors(t *testing.T) {
	src := MapSource{
		"CRYPTO_MASTER_KEY_V1": key(1),
		"CRYPTO_MASTER_KEY_V2": base64.StdEncoding.EncodeToString([]byte("short")),
		"CRYPTO_MASTER_KEY_V3": "%%%not-base64",
	}
	s, err := New(src, 1)
	require.NoError(t, err)

	for _, v := range []int{0, 2, 3, 999} {
		_, err := s.Resolve(v)
		require.Error(t, err, "version %d", v)
		assert.True(t, faults.Is(err, faults.KindConfiguration), "version %d: %v", v, err)
		assert.False(t, faults.IsRetryable(err))
	}
}

func TestNew_CurrentMustResolve(t *testing.T) {
	_, err := New(MapSource{"CRYPTO_MASTER_KEY_V1": key(1)}, 2)
	assert.True(t, faults.Is(err, faults.KindConfiguration))
}

func TestAdvance_OnlyMovesForward(t *testing.T) {
	s, err := New(MapSource{
		"CRYPTO_MASTER_KEY_V1": key(1),
		"CRYPTO_MASTER_KEY_V2": key(2),
		"CRYPTO_MASTER_KEY_V3": key(3),
	}, 1)
	require.NoError(t, err)

	require.NoError(t, s.Advance(3))
	assert.Equal(t, 3, s.Current())
	require.NoError(t, s.Advance(3))
	assert.Error(t, s.Advance(2))
	assert.Error(t, s.Advance(4))
	assert.Equal(t, 3, s.Current())
}

func TestAdvance_Concurrent(t *testing.T) {
	src := MapSource{}
	for v := 1; v <= 8; v++ {
		src[VersionEnvPrefix+string(rune('0'+v))] = key(byte(v))
	}
	s, err := New(src, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for v := 2; v <= 8; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_ = s.Advance(v)
			_ = s.Current()
		}(v)
	}
	wg.Wait()
	assert.Equal(t, 8, s.Current())
}

func TestVersions(t *testing.T) {
	s, err := New(MapSource{
		"CRYPTO_MASTER_KEY":     key(1),
		"CRYPTO_MASTER_KEY_V3":  key(3),
		"CRYPTO_MASTER_KEY_V10": key(10),
		"UNRELATED":             "x",
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 10}, s.Versions())
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(k)
	require.NoError(t, err)
	assert.Len(t, raw, KeySize)

	s, err := New(MapSource{"CRYPTO_MASTER_KEY_V1": k}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Current())
}
