// Package tablespace implements spec §4.1: one physical file of fixed-size
// pages, numbered from 1, with a free-list threaded through freed pages'
// first four bytes and headed by the file header.
package tablespace

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/storage/page"
)

// HeaderSize reserves one full page at the front of the file for the
// free-list head, keeping every data page aligned on a page-size boundary
// (spec §6 names header_size as a build-time constant; this module fixes
// it to page.Size).
const HeaderSize = page.Size

// Tablespace manages one physical file of page.Size-byte pages.
type Tablespace struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	log      zerolog.Logger
	numPages uint32 // highest allocated page id; 0 means file has only the header
}

// Open opens an existing tablespace file or creates a new, empty one.
func Open(path string, log zerolog.Logger) (*Tablespace, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open tablespace %s: %w", path, err)
	}
	ts := &Tablespace{file: file, path: path, log: log.With().Str("component", "tablespace").Str("path", path).Logger()}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if stat.Size() == 0 {
		header := make([]byte, HeaderSize)
		if _, err := file.WriteAt(header, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("initialize tablespace header: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		ts.numPages = uint32((stat.Size() - HeaderSize) / page.Size)
	}
	return ts, nil
}

func (t *Tablespace) freeListHead() (uint32, error) {
	buf := make([]byte, 4)
	if _, err := t.file.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("read free-list head: %w", err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (t *Tablespace) setFreeListHead(pageID uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, pageID)
	_, err := t.file.WriteAt(buf, 0)
	return err
}

// Allocate returns a page id ready for use: the head of the free list if
// non-empty, otherwise a fresh page extending the file (spec §4.1).
func (t *Tablespace) Allocate() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	head, err := t.freeListHead()
	if err != nil {
		return 0, err
	}
	if head != 0 {
		next := make([]byte, 4)
		if _, err := t.file.ReadAt(next, t.offsetOf(head)); err != nil {
			return 0, fmt.Errorf("read free-list link for page %d: %w", head, err)
		}
		if err := t.setFreeListHead(binary.LittleEndian.Uint32(next)); err != nil {
			return 0, err
		}
		return head, nil
	}

	t.numPages++
	id := t.numPages
	zero := make([]byte, page.Size)
	if _, err := t.file.WriteAt(zero, t.offsetOf(id)); err != nil {
		t.numPages--
		return 0, fmt.Errorf("extend tablespace for page %d: %w", id, err)
	}
	return id, nil
}

// Free pushes pageID onto the head of the free list (spec §4.1).
func (t *Tablespace) Free(pageID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	head, err := t.freeListHead()
	if err != nil {
		return err
	}
	link := make([]byte, 4)
	binary.LittleEndian.PutUint32(link, head)
	if _, err := t.file.WriteAt(link, t.offsetOf(pageID)); err != nil {
		return fmt.Errorf("write free-list link for page %d: %w", pageID, err)
	}
	return t.setFreeListHead(pageID)
}

func (t *Tablespace) offsetOf(pageID uint32) int64 {
	return int64(HeaderSize) + int64(pageID-1)*page.Size
}

// Read returns the raw bytes of pageID. Reading a page beyond the current
// end of file returns page-size zero bytes rather than an error (spec
// §4.1: "creating a hole is disallowed; only allocate extends").
func (t *Tablespace) Read(pageID uint32) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, page.Size)
	if pageID == 0 || pageID > t.numPages {
		return buf, nil
	}
	if _, err := t.file.ReadAt(buf, t.offsetOf(pageID)); err != nil {
		return nil, fmt.Errorf("read page %d: %w", pageID, err)
	}
	return buf, nil
}

// Write persists pageID's bytes and fsyncs before returning (spec §4.1:
// "Writes are followed by a flush to the OS").
func (t *Tablespace) Write(pageID uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(data) != page.Size {
		return fmt.Errorf("write page %d: expected %d bytes, got %d", pageID, page.Size, len(data))
	}
	if _, err := t.file.WriteAt(data, t.offsetOf(pageID)); err != nil {
		return fmt.Errorf("write page %d: %w", pageID, err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("sync page %d: %w", pageID, err)
	}
	return nil
}

// Close closes the underlying file handle without deleting it.
func (t *Tablespace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

// DeleteFile closes the file handle and removes it from disk (spec §4.1).
func (t *Tablespace) DeleteFile() error {
	t.mu.Lock()
	path := t.path
	err := t.file.Close()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return os.Remove(path)
}
