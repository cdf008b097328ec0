package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concrnt/apnode/signature"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigPaths(t *testing.T) {
	t.Setenv("APNODE_CONFIG", "")
	t.Setenv("APNODE_CONFIGS", "")
	assert.Equal(t, []string{defaultConfigPath}, configPaths(""))

	t.Setenv("APNODE_CONFIG", "/a.yaml")
	t.Setenv("APNODE_CONFIGS", "/b.yaml::/c.yaml")
	assert.Equal(t, []string{"/flag.yaml", "/a.yaml", "/b.yaml", "/c.yaml"}, configPaths("/flag.yaml"))
}

func TestLoadConfigMergesFiles(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", `
apConfig:
  fqdn: example.com
  username: me
  name: Me
server:
  dsn: postgres://localhost/apnode
  apiToken: one
worker:
  outgoingWorkers: 2
  pollInterval: 500ms
`)
	override := writeFile(t, dir, "override.yaml", `
server:
  apiToken: two
  logLevel: debug
`)

	config, err := loadConfig([]string{base, override})
	require.NoError(t, err)
	assert.Equal(t, "example.com", config.ApConfig.FQDN)
	assert.Equal(t, "Me", config.ApConfig.Name)
	assert.Equal(t, "postgres://localhost/apnode", config.Server.Dsn)
	assert.Equal(t, "two", config.Server.ApiToken)
	assert.Equal(t, "debug", config.Server.LogLevel)
	assert.Equal(t, "postgres", config.Server.Driver)
	assert.Equal(t, 2, config.Worker.OutgoingWorkers)
	assert.Equal(t, 500*time.Millisecond, config.Worker.PollInterval)
}

func TestLoadConfigRequiresIdentity(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "server:\n  driver: sqlite\n")

	_, err := loadConfig([]string{path})
	assert.Error(t, err)

	_, err = loadConfig([]string{filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)
}

func TestLoadKeys(t *testing.T) {
	priv, pub, err := signature.GenerateKey(1024)
	require.NoError(t, err)

	config, err := loadConfig([]string{writeFile(t, t.TempDir(), "c.yaml", "apConfig:\n  fqdn: example.com\n  username: me\n")})
	require.NoError(t, err)

	_, err = loadKeys(config.ApConfig)
	assert.Error(t, err)

	config.ApConfig.PrivateKeyPath = writeFile(t, t.TempDir(), "key.pem", priv)
	keys, err := loadKeys(config.ApConfig)
	require.NoError(t, err)
	assert.Equal(t, pub, keys.publicPEM)
}
