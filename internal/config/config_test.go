package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvino/connectsphere/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvServer, EnvUser, EnvRoom, EnvICE} {
		t.Setenv(k, "")
	}
}

func TestLoad_WalksUpToParent(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	yml := `server: http://relay:9000
user: alice
audit_room: audits
ring_timeout: 45s
ice_servers:
  - stun:stun.example.com:3478
transfer:
  chunk_size: 1048576
  concurrency: 4
  max_retries: 5
s3:
  bucket: media
  region: eu-west-1
`
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(yml), 0o600))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg, err := Load(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, FileName), cfg.Path)
	assert.Equal(t, "http://relay:9000", cfg.Server)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "audits", cfg.AuditRoom)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.ICEServers)
	assert.Equal(t, Transfer{ChunkSize: 1 << 20, Concurrency: 4, MaxRetries: 5}, cfg.Transfer)
	require.NotNil(t, cfg.S3)
	assert.Equal(t, "media", cfg.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("server: http://file\nuser: alice\nroom: lobby\n"), 0o600))
	t.Setenv(EnvUser, "bob")
	t.Setenv(EnvICE, "stun:a, ,stun:b")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://file", cfg.Server)
	assert.Equal(t, "bob", cfg.User)
	assert.Equal(t, "lobby", cfg.Room)
	assert.Equal(t, []string{"stun:a", "stun:b"}, cfg.ICEServers)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultServer, cfg.Server)
	assert.Empty(t, cfg.Path)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("user: [unclosed"), 0o600))
	_, err := Load(dir)
	assert.ErrorContains(t, err, "invalid YAML")
}

func TestSave_RoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	_, err := Save(dir, &Config{Server: "http://x"})
	require.Error(t, err)

	in := &Config{Server: "http://x", User: "carol", RingTimeout: time.Minute, S3: &blob.S3Config{Bucket: "b"}}
	path, err := Save(dir, in)
	require.NoError(t, err)

	out, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "carol", out.User)
	assert.Equal(t, time.Minute, out.RingTimeout)
	assert.Equal(t, "b", out.S3.Bucket)
}
