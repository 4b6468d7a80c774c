package main

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestKeysCheck(t *testing.T) {
	k1, err := execute(t, "keygen")
	require.NoError(t, err)
	k2, err := execute(t, "keygen")
	require.NoError(t, err)
	t.Setenv("CRYPTO_MASTER_KEY_V1", strings.TrimSpace(k1))
	t.Setenv("CRYPTO_MASTER_KEY_V2", strings.TrimSpace(k2))
	t.Setenv("CRYPTO_CURRENT_KEY_VERSION", "2")

	out, err := execute(t, "keys", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "v1 ok\n")
	assert.Contains(t, out, "v2 ok (current)\n")
}

func TestKeysCheck_BadKey(t *testing.T) {
	t.Setenv("CRYPTO_MASTER_KEY_V1", base64.StdEncoding.EncodeToString([]byte("short")))
	t.Setenv("CRYPTO_CURRENT_KEY_VERSION", "1")

	_, err := execute(t, "keys", "check")
	assert.Error(t, err)
}

func TestReplayRequiresEventID(t *testing.T) {
	_, err := execute(t, "dlq", "replay")
	assert.Error(t, err)
}
