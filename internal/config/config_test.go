package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"e2e_core/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log:
  level: debug
processor:
  max_bytes_to_decrypt: 1000000
  thumbnail_timeout: 250ms
client:
  identity: ALICE001
nonce_guard:
  backend: badger
  badger_path: /tmp/nonces
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 1000000, cfg.Processor.MaxBytesToDecrypt)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.ThumbnailTimeout)
	assert.Equal(t, int64(32), cfg.Processor.MaxConcurrent)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "badger", cfg.NonceGuard.Backend)

	lo, hi := cfg.ForwardSecrecy.Versions()
	assert.Equal(t, model.Version1, lo)
	assert.Equal(t, model.Version2, hi)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"negative limit":  "processor:\n  max_bytes_to_decrypt: -1\n",
		"version range":   "forward_secrecy:\n  min_version: 2\n  max_version: 1\n",
		"unknown version": "forward_secrecy:\n  max_version: 3\n",
		"backend":         "nonce_guard:\n  backend: etcd\n",
		"badger path":     "nonce_guard:\n  backend: badger\n",
		"identity":        "client:\n  identity: alice\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
