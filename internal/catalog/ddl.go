package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/intellect4all/dbcore/internal/storage/schema"
)

// createTablePayload/createIndexPayload are the JSON shapes carried in a
// DDL log record's Payload field. Recovery applies DDL records in its
// analysis pass, before redo replays any data record.
type createTablePayload struct {
	Table           schema.Table `json:"table"`
	HeapFirstPageID uint32       `json:"heap_first_page_id"`
}

type createIndexPayload struct {
	Name       string `json:"name"`
	Table      string `json:"table"`
	Column     string `json:"column"`
	Unique     bool   `json:"unique"`
	RootPageID uint32 `json:"root_page_id"`
}

// EncodeCreateTable builds the Payload bytes for a CREATE TABLE DDL
// record.
func EncodeCreateTable(table schema.Table, heapFirstPageID uint32) ([]byte, error) {
	return json.Marshal(createTablePayload{Table: table, HeapFirstPageID: heapFirstPageID})
}

// ApplyCreateTable decodes and installs a CREATE TABLE payload,
// tolerating the table already existing (idempotent redo).
func (c *Catalog) ApplyCreateTable(payload []byte) error {
	var p createTablePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode create-table payload: %w", err)
	}
	if err := c.CreateTable(p.Table, p.HeapFirstPageID); err != nil {
		if _, getErr := c.GetTable(p.Table.Name); getErr == nil {
			return nil // already applied
		}
		return err
	}
	return nil
}

// ApplyDropTable applies a DROP TABLE DDL record given the table name it
// carries, tolerating the table already being gone.
func (c *Catalog) ApplyDropTable(name string) error {
	if err := c.DropTable(name); err != nil {
		if _, getErr := c.GetTable(name); getErr != nil {
			return nil // already applied
		}
		return err
	}
	return nil
}

// EncodeCreateIndex builds the Payload bytes for a CREATE INDEX DDL
// record.
func EncodeCreateIndex(meta IndexMeta) ([]byte, error) {
	return json.Marshal(createIndexPayload{
		Name: meta.Name, Table: meta.Table, Column: meta.Column,
		Unique: meta.Unique, RootPageID: meta.RootPageID,
	})
}

// ApplyCreateIndex decodes and installs a CREATE INDEX payload,
// tolerating the index already existing.
func (c *Catalog) ApplyCreateIndex(payload []byte) error {
	var p createIndexPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode create-index payload: %w", err)
	}
	meta := IndexMeta{Name: p.Name, Table: p.Table, Column: p.Column, Unique: p.Unique, RootPageID: p.RootPageID}
	if err := c.CreateIndex(meta); err != nil {
		if _, getErr := c.GetIndex(p.Table, p.Name); getErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// ApplyDropIndex applies a DROP INDEX DDL record given the table and
// index names already split from its "table.index" Name, tolerating the
// index already being gone.
func (c *Catalog) ApplyDropIndex(table, indexName string) error {
	if err := c.DropIndex(table, indexName); err != nil {
		if _, getErr := c.GetIndex(table, indexName); getErr != nil {
			return nil
		}
		return err
	}
	return nil
}
