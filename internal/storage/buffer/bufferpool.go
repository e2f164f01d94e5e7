// Package buffer implements the in-memory page cache described in spec
// §4.2: pin counts, LRU eviction over unpinned pages, and the WAL-before-
// flush contract (a dirty page may only be written back once its PageLSN
// is covered by the log manager's flushed LSN).
package buffer

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/page"
	"github.com/intellect4all/dbcore/internal/storage/tablespace"
)

// LogFlusher is the slice of the log manager the buffer pool needs: the
// ability to force the log durable up to a given LSN before a dirty page
// carrying that LSN may be written to the tablespace (spec §4.2/§4.7).
type LogFlusher interface {
	FlushToLSN(lsn common.LSN) error
}

// ErrAllPinned is raised when eviction is required but every cached page
// is pinned; it is not retryable without the caller first unpinning pages.
var ErrAllPinned = fmt.Errorf("buffer pool: all cached pages are pinned")

// Pool caches up to Capacity pages from one tablespace.
type Pool struct {
	mu       sync.Mutex
	ts       *tablespace.Tablespace
	wal      LogFlusher
	capacity int
	log      zerolog.Logger

	cache   map[uint32]*page.Page
	pinned  map[uint32]int32
	dirty   map[uint32]bool
	recLSN  map[uint32]common.LSN
	lru     *list.List
	lruElem map[uint32]*list.Element
}

// DirtyPage pairs a cached page id with the recLSN checkpointing needs:
// the LSN that first made the page dirty since its last flush (spec §4.7's
// "end-checkpoint records the dirty page table").
type DirtyPage struct {
	PageID uint32
	RecLSN common.LSN
}

// New creates a buffer pool of the given capacity (page count) backed by
// ts, logging page flushes through wal.
func New(ts *tablespace.Tablespace, wal LogFlusher, capacity int, log zerolog.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		ts:       ts,
		wal:      wal,
		capacity: capacity,
		log:      log.With().Str("component", "bufferpool").Logger(),
		cache:    make(map[uint32]*page.Page),
		pinned:   make(map[uint32]int32),
		dirty:    make(map[uint32]bool),
		recLSN:   make(map[uint32]common.LSN),
		lru:      list.New(),
		lruElem:  make(map[uint32]*list.Element),
	}
}

// Get loads pageID into the cache (or returns the cached copy), pins it,
// and returns it. kindHint is advisory only for freshly loaded pages: the
// page's own kind tag (stamped when it was created) is authoritative.
func (p *Pool) Get(pageID uint32, kindHint common.PageKind) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pg, ok := p.cache[pageID]; ok {
		p.touch(pageID)
		p.pinned[pageID]++
		return pg, nil
	}

	if err := p.makeRoomLocked(); err != nil {
		return nil, err
	}

	raw, err := p.ts.Read(pageID)
	if err != nil {
		return nil, fmt.Errorf("load page %d: %w", pageID, err)
	}
	pg, err := page.Load(pageID, raw)
	if err != nil {
		return nil, err
	}
	if pg.Kind() == 0 {
		// A never-written page (a hole the tablespace padded with zeros);
		// trust the caller's hint to bootstrap its header.
		pg = page.New(pageID, kindHint)
	}
	p.install(pageID, pg)
	p.pinned[pageID] = 1
	return pg, nil
}

// NewPage allocates a fresh page of the given kind from the tablespace,
// installs it pinned, and returns it.
func (p *Pool) NewPage(kind common.PageKind) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.makeRoomLocked(); err != nil {
		return nil, err
	}
	id, err := p.ts.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate page: %w", err)
	}
	pg := page.New(id, kind)
	p.install(id, pg)
	p.pinned[id] = 1
	p.dirty[id] = true
	p.recLSN[id] = pg.PageLSN()
	return pg, nil
}

func (p *Pool) install(pageID uint32, pg *page.Page) {
	p.cache[pageID] = pg
	elem := p.lru.PushFront(pageID)
	p.lruElem[pageID] = elem
}

func (p *Pool) touch(pageID uint32) {
	if elem, ok := p.lruElem[pageID]; ok {
		p.lru.MoveToFront(elem)
	}
}

// makeRoomLocked evicts one unpinned page if the cache is at capacity.
// Must be called with p.mu held.
func (p *Pool) makeRoomLocked() error {
	if len(p.cache) < p.capacity {
		return nil
	}
	for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
		id := elem.Value.(uint32)
		if p.pinned[id] > 0 {
			continue
		}
		if err := p.flushLocked(id); err != nil {
			return err
		}
		delete(p.cache, id)
		delete(p.dirty, id)
		delete(p.pinned, id)
		p.lru.Remove(elem)
		delete(p.lruElem, id)
		return nil
	}
	return ErrAllPinned
}

// Unpin decrements the pin count, never below zero, and optionally marks
// the page dirty (spec §4.2).
func (p *Pool) Unpin(pageID uint32, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pinned[pageID] > 0 {
		p.pinned[pageID]--
	}
	if dirty {
		if !p.dirty[pageID] {
			if pg, ok := p.cache[pageID]; ok {
				p.recLSN[pageID] = pg.PageLSN()
			}
		}
		p.dirty[pageID] = true
	}
}

// flushLocked implements the WAL contract: a dirty page may only be
// written once the log is durable past its PageLSN. Must be called with
// p.mu held.
func (p *Pool) flushLocked(pageID uint32) error {
	if !p.dirty[pageID] {
		return nil
	}
	pg, ok := p.cache[pageID]
	if !ok {
		return nil
	}
	if err := p.wal.FlushToLSN(pg.PageLSN()); err != nil {
		return fmt.Errorf("flush log before page %d: %w", pageID, err)
	}
	if err := p.ts.Write(pageID, pg.Data()); err != nil {
		return err
	}
	pg.ClearDirty()
	delete(p.dirty, pageID)
	delete(p.recLSN, pageID)
	return nil
}

// Flush writes pageID to the tablespace if dirty, honoring the WAL
// contract.
func (p *Pool) Flush(pageID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(pageID)
}

// FlushAll flushes every dirty page.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pageID := range p.dirty {
		if err := p.flushLocked(pageID); err != nil {
			return err
		}
	}
	return nil
}

// DirtyPageIDs returns a snapshot of every page id currently cached with
// unwritten changes.
func (p *Pool) DirtyPageIDs() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, len(p.dirty))
	for pageID := range p.dirty {
		out = append(out, pageID)
	}
	return out
}

// DirtyPages returns a (pageID, recLSN) snapshot of the dirty page table,
// fed into a checkpoint's END_CHECKPOINT record (spec §4.7).
func (p *Pool) DirtyPages() []DirtyPage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DirtyPage, 0, len(p.dirty))
	for pageID := range p.dirty {
		out = append(out, DirtyPage{PageID: pageID, RecLSN: p.recLSN[pageID]})
	}
	return out
}

// Free flushes and evicts pageID from the cache. It does not return the
// underlying physical page to the tablespace's free list — callers that
// want that call Tablespace.Free separately (spec §4.2).
func (p *Pool) Free(pageID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.flushLocked(pageID); err != nil {
		return err
	}
	if elem, ok := p.lruElem[pageID]; ok {
		p.lru.Remove(elem)
		delete(p.lruElem, pageID)
	}
	delete(p.cache, pageID)
	delete(p.pinned, pageID)
	return nil
}
