// Package config loads the engine's YAML configuration file, grounded on
// the pack's convention of a small typed struct decoded with
// gopkg.in/yaml.v3 rather than flags or environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the storage engine needs at startup (spec §4.1,
// §4.2, §4.7, §4.8).
type Config struct {
	// DataDir holds the tablespace file, the WAL file, and the catalog
	// snapshot.
	DataDir string `yaml:"data_dir"`

	// BufferPoolPages is the buffer pool's page capacity (spec §4.2).
	BufferPoolPages int `yaml:"buffer_pool_pages"`

	// CheckpointInterval is how often the engine writes a checkpoint
	// record; zero disables periodic checkpointing (spec §4.7).
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// TransactionTimeout bounds how long a transaction may stay active
	// before the transaction manager aborts it (spec §4.8).
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
}

// Default returns the configuration this engine ships with when no file
// is supplied.
func Default(dataDir string) Config {
	return Config{
		DataDir:            dataDir,
		BufferPoolPages:    256,
		CheckpointInterval: 30 * time.Second,
		TransactionTimeout: 30 * time.Second,
	}
}

// Load reads and parses a YAML config file, starting from Default values
// for any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default(".")
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) TablespacePath() string { return filepath.Join(c.DataDir, "data.tbl") }
func (c Config) WALPath() string        { return filepath.Join(c.DataDir, "wal.log") }
func (c Config) CatalogPath() string    { return filepath.Join(c.DataDir, "catalog.json") }
