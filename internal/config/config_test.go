package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /var/lib/dbcore\nbuffer_pool_pages: 64\ncheckpoint_interval: 10s\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/dbcore", cfg.DataDir)
	require.Equal(t, 64, cfg.BufferPoolPages)
	require.Equal(t, 10*time.Second, cfg.CheckpointInterval)
	require.Equal(t, 30*time.Second, cfg.TransactionTimeout) // unset, keeps default
}

func TestDefaultPaths(t *testing.T) {
	cfg := Default("/data")
	require.Equal(t, "/data/data.tbl", cfg.TablespacePath())
	require.Equal(t, "/data/wal.log", cfg.WALPath())
	require.Equal(t, "/data/catalog.json", cfg.CatalogPath())
}
