// Package engine composes the tablespace, buffer pool, heap manager,
// B+tree manager, lock manager, transaction manager, catalog, and WAL
// into the single entry point described by spec §4.9: create/drop table,
// insert/update/delete/scan a row, and create/drop/search a secondary
// index, each under the appropriate lock and each durable via the WAL
// before it is acknowledged.
package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/catalog"
	"github.com/intellect4all/dbcore/internal/config"
	"github.com/intellect4all/dbcore/internal/lock"
	"github.com/intellect4all/dbcore/internal/storage/btree"
	"github.com/intellect4all/dbcore/internal/storage/buffer"
	"github.com/intellect4all/dbcore/internal/storage/heap"
	"github.com/intellect4all/dbcore/internal/storage/tablespace"
	"github.com/intellect4all/dbcore/internal/txn"
	"github.com/intellect4all/dbcore/internal/wal"
)

// Engine is the storage core's top-level handle: one per open database
// directory.
type Engine struct {
	cfg config.Config
	log zerolog.Logger

	ts       *tablespace.Tablespace
	walMgr   *wal.LogManager
	pool     *buffer.Pool
	heapMgr  *heap.Manager
	btreeMgr *btree.Manager
	locks    *lock.Manager
	cat      *catalog.Catalog
	txns     *txn.Manager

	applier *applier

	stopCheckpoint chan struct{}
	checkpointDone chan struct{}
}

// Open brings up every subsystem in dependency order, loads the catalog
// snapshot, and runs ARIES crash recovery before returning — spec §8's
// "on restart, recovery runs before the engine accepts new work".
func Open(cfg config.Config, log zerolog.Logger) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ts, err := tablespace.Open(cfg.TablespacePath(), log)
	if err != nil {
		return nil, fmt.Errorf("open tablespace: %w", err)
	}
	walMgr, err := wal.Open(cfg.WALPath(), log)
	if err != nil {
		ts.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	pool := buffer.New(ts, walMgr, cfg.BufferPoolPages, log)
	heapMgr := heap.New(pool, log)
	btreeMgr := btree.New(pool, log)

	cat := catalog.New(cfg.CatalogPath(), log)
	if err := cat.Load(); err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	app := newApplier(heapMgr, btreeMgr, cat, log)

	if err := walMgr.Recover(app); err != nil {
		return nil, fmt.Errorf("crash recovery: %w", err)
	}

	locks := lock.New(log)
	txns := txn.New(walMgr, locks, app, walMgr.MaxTxnID()+1, cfg.TransactionTimeout, log)

	e := &Engine{
		cfg: cfg, log: log.With().Str("component", "engine").Logger(),
		ts: ts, walMgr: walMgr, pool: pool, heapMgr: heapMgr, btreeMgr: btreeMgr,
		locks: locks, cat: cat, txns: txns, applier: app,
		stopCheckpoint: make(chan struct{}),
		checkpointDone: make(chan struct{}),
	}
	if cfg.CheckpointInterval > 0 {
		go e.checkpointLoop(cfg.CheckpointInterval)
	} else {
		close(e.checkpointDone)
	}
	e.log.Info().Str("data_dir", cfg.DataDir).Msg("storage engine opened")
	return e, nil
}

// checkpointLoop periodically writes a fuzzy checkpoint until Close stops
// it (spec §4.7's supplemented periodic checkpointing).
func (e *Engine) checkpointLoop(interval time.Duration) {
	defer close(e.checkpointDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCheckpoint:
			return
		case <-ticker.C:
			if err := e.Checkpoint(); err != nil {
				e.log.Error().Err(err).Msg("periodic checkpoint failed")
			}
		}
	}
}

// Checkpoint writes a fuzzy checkpoint capturing the current active-
// transaction and dirty-page snapshots, giving a future recovery a later
// point to start its forward scan from (spec §4.7).
func (e *Engine) Checkpoint() error {
	att := e.txns.ActiveSnapshot()
	dirty := e.pool.DirtyPages()
	dpt := make([]wal.CheckpointEntry, len(dirty))
	for i, d := range dirty {
		dpt[i] = wal.CheckpointEntry{ID: d.PageID, LSN: d.RecLSN}
	}
	_, err := e.walMgr.Checkpoint(att, dpt)
	return err
}

// Close flushes every dirty page and the catalog snapshot, stops the
// transaction manager's sweep goroutine, and closes the tablespace and
// log files.
func (e *Engine) Close() error {
	close(e.stopCheckpoint)
	<-e.checkpointDone
	e.txns.Close()
	e.locks.Close()
	if err := e.pool.FlushAll(); err != nil {
		return fmt.Errorf("flush buffer pool: %w", err)
	}
	if err := e.cat.Save(); err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	if err := e.walMgr.Close(); err != nil {
		return fmt.Errorf("close wal: %w", err)
	}
	if err := e.ts.Close(); err != nil {
		return fmt.Errorf("close tablespace: %w", err)
	}
	return nil
}

// Abandon simulates a crash: it stops the background goroutines and
// closes the underlying files without flushing the buffer pool or saving
// the catalog snapshot, so any page the buffer pool never evicted is
// lost exactly as it would be on a real power failure. Only a later
// Open's ARIES recovery — not this call — makes committed work visible
// again (spec §8's S3-S6 scenarios). Exists for tests and the demo tool;
// production shutdown always goes through Close.
func (e *Engine) Abandon() error {
	close(e.stopCheckpoint)
	<-e.checkpointDone
	e.txns.Close()
	e.locks.Close()
	if err := e.walMgr.Close(); err != nil {
		return err
	}
	return e.ts.Close()
}

// Begin starts a new transaction (spec §4.8).
func (e *Engine) Begin(isolation txn.IsolationLevel) *txn.Transaction {
	return e.txns.Begin(isolation)
}

// Commit durably commits t and releases its locks.
func (e *Engine) Commit(t *txn.Transaction) error {
	return e.txns.Commit(t)
}

// Abort rolls back every effect t logged and releases its locks.
func (e *Engine) Abort(t *txn.Transaction) error {
	return e.txns.Abort(t)
}

// Catalog exposes read-only catalog lookups (table/index metadata) to
// callers that need to inspect schema without issuing a DML operation.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }
