// Package lock implements the hierarchical, strict two-phase lock manager
// described in spec §4.6: table/page/record granularity, intention locks
// on ancestors, a compatibility matrix, and wait-for-graph deadlock
// detection. Adapted from original_source/src/engine/transaction/lock_manager.py,
// restructured around the teacher's map-of-resource-state-plus-manager-
// mutex shape (btree.LatchManager).
package lock

import "fmt"

// Level is the granularity a ResourceID names.
type Level uint8

const (
	LevelTable Level = iota
	LevelPage
	LevelRecord
)

// ResourceID names one lockable resource in the table/page/record
// hierarchy. Table-level resources leave PageID/RecordID zero; page-level
// resources leave RecordID zero.
type ResourceID struct {
	Table    string
	PageID   uint32
	RecordID uint32
	Level    Level
}

func TableResource(table string) ResourceID {
	return ResourceID{Table: table, Level: LevelTable}
}

func PageResource(table string, pageID uint32) ResourceID {
	return ResourceID{Table: table, PageID: pageID, Level: LevelPage}
}

func RecordResource(table string, pageID, recordID uint32) ResourceID {
	return ResourceID{Table: table, PageID: pageID, RecordID: recordID, Level: LevelRecord}
}

func (r ResourceID) String() string {
	switch r.Level {
	case LevelTable:
		return fmt.Sprintf("table:%s", r.Table)
	case LevelPage:
		return fmt.Sprintf("page:%s/%d", r.Table, r.PageID)
	default:
		return fmt.Sprintf("record:%s/%d/%d", r.Table, r.PageID, r.RecordID)
	}
}

// Ancestors returns r's strict ancestors, ordered from the root (table)
// down, not including r itself. A record resource's ancestors are its
// page and its table; a page resource's ancestor is its table.
func (r ResourceID) Ancestors() []ResourceID {
	switch r.Level {
	case LevelTable:
		return nil
	case LevelPage:
		return []ResourceID{TableResource(r.Table)}
	default:
		return []ResourceID{TableResource(r.Table), PageResource(r.Table, r.PageID)}
	}
}
