package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/ragindex/internal/config"
)

func TestConfigCmd_HasSubcommands(t *testing.T) {
	configCmd, _, err := NewRootCmd().Find([]string{"config"})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, sc := range configCmd.Commands() {
		names[sc.Name()] = true
	}
	assert.True(t, names["init"])
	assert.True(t, names["show"])
	assert.True(t, names["path"])
}

func TestConfigPathCmd(t *testing.T) {
	tmp := isolate(t)

	out, err := execute(t, "config", "path")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, ".config", "ragindex", "config.yaml"), strings.TrimSpace(out))
}

func TestConfigInitCmd_CreatesThenRefuses(t *testing.T) {
	// Given: no user config
	isolate(t)
	path := config.GetUserConfigPath()

	// When: running init
	out, err := execute(t, "config", "init")

	// Then: a default config is written
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	assert.FileExists(t, path)

	// When: running init again without --force
	out, err = execute(t, "config", "init")

	// Then: the file is left alone
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
	backups, err := config.ListBackups(path)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestConfigInitCmd_ForceKeepsSettings(t *testing.T) {
	// Given: a user config with a custom backend and a missing section
	isolate(t)
	path := config.GetUserConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("index:\n  backend: sqlite\n"), 0o644))

	// When: forcing init
	out, err := execute(t, "config", "init", "--force")

	// Then: a backup is made and the setting survives alongside defaults
	require.NoError(t, err)
	assert.Contains(t, out, "Backup:")
	backups, err := config.ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "sqlite", cfg.Index.Backend)
	assert.Equal(t, 2000, cfg.Chunking.MaxChunkSize)
}

func TestConfigInitCmd_Local(t *testing.T) {
	tmp := isolate(t)
	dir := t.TempDir()

	_, err := execute(t, "config", "init", "--local", "--dir", dir)

	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, ".ragindex.yaml"))
	assert.NoFileExists(t, filepath.Join(tmp, ".config", "ragindex", "config.yaml"))
}

func TestConfigShowCmd_JSONReflectsOverrides(t *testing.T) {
	tmp := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(tmp, ".ragindex.yaml"), []byte("chunking:\n  max_chunk_size: 500\n"), 0o644))

	out, err := execute(t, "config", "show", "--json", "--dir", tmp, "--collection", "notes")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 500, cfg.Chunking.MaxChunkSize)
	assert.Equal(t, "notes", cfg.Index.Collection)
}

func TestConfigShowCmd_Defaults(t *testing.T) {
	isolate(t)

	out, err := execute(t, "config", "show", "--source", "defaults")

	require.NoError(t, err)
	assert.Contains(t, out, "backend: hnsw")

	_, err = execute(t, "config", "show", "--source", "nope")
	assert.Error(t, err)
}
