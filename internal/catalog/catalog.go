// Package catalog tracks table and index metadata: schema, where a
// table's heap begins, where each index's B+tree root lives, and running
// row-count statistics (spec §4.9, §9). The log's DDL records
// are the durable source of truth; the JSON snapshot this package
// maintains is a startup-time optimization so recovery need not replay
// the entire DDL history on every restart (spec §9 open question (c)).
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/schema"
)

// IndexMeta describes one secondary index.
type IndexMeta struct {
	Name       string
	Table      string
	Column     string
	Unique     bool
	Type       common.IndexType
	RootPageID uint32
}

// TableStats holds the running counters the engine updates on every
// write, used for simple cost estimates and diagnostics.
type TableStats struct {
	RowCount int64
}

// TableMeta is everything the catalog knows about one table.
type TableMeta struct {
	Table           schema.Table
	HeapFirstPageID uint32
	Indexes         map[string]*IndexMeta
	Stats           TableStats
}

// snapshot is the on-disk JSON shape; kept separate from TableMeta so the
// persisted format can evolve independently of the in-memory type.
type snapshot struct {
	Tables map[string]*TableMeta `json:"tables"`
}

// Catalog is the in-memory, mutex-guarded table of TableMeta, optionally
// backed by a JSON snapshot file.
type Catalog struct {
	mu   sync.RWMutex
	log  zerolog.Logger
	path string // empty means in-memory only, no snapshot persistence

	tables map[string]*TableMeta
}

// New creates an empty catalog. path, if non-empty, is where Save/Load
// read and write the JSON snapshot.
func New(path string, log zerolog.Logger) *Catalog {
	return &Catalog{
		log:    log.With().Str("component", "catalog").Logger(),
		path:   path,
		tables: make(map[string]*TableMeta),
	}
}

// Load reads the snapshot file if present; a missing file is not an error
// (the catalog then rebuilds purely from DDL log replay).
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read catalog snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse catalog snapshot: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.Tables != nil {
		c.tables = snap.Tables
	}
	return nil
}

// Save atomically persists the current catalog: write to a uniquely
// named temp file in the same directory, fsync, then rename over the
// destination, so a crash mid-write never leaves a truncated snapshot.
func (c *Catalog) Save() error {
	if c.path == "" {
		return nil
	}
	c.mu.RLock()
	snap := snapshot{Tables: c.tables}
	data, err := json.MarshalIndent(snap, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal catalog snapshot: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(c.path), uuid.NewString()))
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create catalog snapshot temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write catalog snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("install catalog snapshot: %w", err)
	}
	return nil
}

// CreateTable registers a new table. Returns common.ErrAlreadyExists if
// the name is taken.
func (c *Catalog) CreateTable(table schema.Table, heapFirstPageID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[table.Name]; exists {
		return fmt.Errorf("%w: table %q", common.ErrAlreadyExists, table.Name)
	}
	c.tables[table.Name] = &TableMeta{
		Table:           table,
		HeapFirstPageID: heapFirstPageID,
		Indexes:         make(map[string]*IndexMeta),
	}
	return nil
}

// DropTable removes a table and all of its index metadata.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; !ok {
		return fmt.Errorf("%w: table %q", common.ErrNotFound, name)
	}
	delete(c.tables, name)
	return nil
}

// GetTable returns a copy-free pointer to a table's metadata. Callers
// must not mutate Table/Indexes directly; use the Catalog methods.
func (c *Catalog) GetTable(name string) (*TableMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: table %q", common.ErrNotFound, name)
	}
	return t, nil
}

// ListTables returns every table name currently registered.
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for name := range c.tables {
		out = append(out, name)
	}
	return out
}

// CreateIndex registers a secondary index on table.column.
func (c *Catalog) CreateIndex(meta IndexMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.tables[meta.Table]
	if !ok {
		return fmt.Errorf("%w: table %q", common.ErrNotFound, meta.Table)
	}
	if _, exists := table.Indexes[meta.Name]; exists {
		return fmt.Errorf("%w: index %q", common.ErrAlreadyExists, meta.Name)
	}
	m := meta
	table.Indexes[meta.Name] = &m
	return nil
}

// DropIndex removes a secondary index by name.
func (c *Catalog) DropIndex(table, indexName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("%w: table %q", common.ErrNotFound, table)
	}
	if _, ok := t.Indexes[indexName]; !ok {
		return fmt.Errorf("%w: index %q", common.ErrNotFound, indexName)
	}
	delete(t.Indexes, indexName)
	return nil
}

// GetIndex looks up one index by table and index name.
func (c *Catalog) GetIndex(table, indexName string) (*IndexMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: table %q", common.ErrNotFound, table)
	}
	idx, ok := t.Indexes[indexName]
	if !ok {
		return nil, fmt.Errorf("%w: index %q", common.ErrNotFound, indexName)
	}
	return idx, nil
}

// GetIndexByName looks up an index by name alone, scanning every table.
// Index names are assumed unique database-wide (the usual SQL convention),
// which lets WAL records for index maintenance carry just the index name
// as their ResourceRef.Table (spec §4.7/§9: index mutations are logged and
// undone logically, keyed by index rather than by physical page).
func (c *Catalog) GetIndexByName(name string) (table string, idx *IndexMeta, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for tableName, t := range c.tables {
		if m, ok := t.Indexes[name]; ok {
			return tableName, m, nil
		}
	}
	return "", nil, fmt.Errorf("%w: index %q", common.ErrNotFound, name)
}

// IndexesOnColumn returns every index defined on table.column.
func (c *Catalog) IndexesOnColumn(table, column string) []*IndexMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[table]
	if !ok {
		return nil
	}
	var out []*IndexMeta
	for _, idx := range t.Indexes {
		if idx.Column == column {
			out = append(out, idx)
		}
	}
	return out
}

// UpdateIndexRoot rewrites an index's root page id after a B+tree
// operation splits or collapses its root, so later lookups descend from
// the current root rather than a stale one.
func (c *Catalog) UpdateIndexRoot(table, indexName string, newRoot uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("%w: table %q", common.ErrNotFound, table)
	}
	idx, ok := t.Indexes[indexName]
	if !ok {
		return fmt.Errorf("%w: index %q", common.ErrNotFound, indexName)
	}
	idx.RootPageID = newRoot
	return nil
}

// BumpRowCount adjusts a table's row-count statistic by delta (negative
// on delete), called by the engine as each row insert or delete is
// applied, before the transaction commits; an abort does not reverse it.
func (c *Catalog) BumpRowCount(table string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[table]; ok {
		t.Stats.RowCount += delta
	}
}
