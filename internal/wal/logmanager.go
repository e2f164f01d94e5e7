package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

// frameLenSize is the width of the length prefix wrapping each encoded
// record on disk, mirroring the teacher's btree.WAL record framing.
const frameLenSize = 4

// LogManager owns the append-only log file: it assigns LSNs, buffers
// writes through bufio.Writer (grounded on antonellof-VittoriaDB's
// FileWAL), and forces durability to a caller-requested LSN on demand
// (spec §4.7's "group/forced flush on commit").
type LogManager struct {
	mu sync.Mutex

	file   *os.File
	writer *bufio.Writer
	log    zerolog.Logger

	nextLSN     common.LSN
	flushedLSN  common.LSN
	offsetByLSN map[common.LSN]int64
	writeOffset int64
	maxTxnID    uint32
}

// Open opens (or creates) the log file at path and indexes whatever
// records it already contains, so GetFlushedLSN/ReadLogRecordByLSN work
// immediately after a restart, before Recover has run.
func Open(path string, log zerolog.Logger) (*LogManager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	lm := &LogManager{
		file:        file,
		writer:      bufio.NewWriter(file),
		log:         log.With().Str("component", "wal").Logger(),
		offsetByLSN: make(map[common.LSN]int64),
	}
	if err := lm.indexExisting(); err != nil {
		file.Close()
		return nil, err
	}
	return lm, nil
}

// indexExisting scans the log file front-to-back, populating the LSN
// index and nextLSN/flushedLSN. A truncated trailing record (a partial
// write from a crash mid-append) is silently dropped, matching the
// forward-scan truncation handling ARIES recovery expects.
func (lm *LogManager) indexExisting() error {
	var offset int64
	for {
		lenBuf := make([]byte, frameLenSize)
		n, err := lm.file.ReadAt(lenBuf, offset)
		if err == io.EOF || n < frameLenSize {
			break
		}
		if err != nil {
			return fmt.Errorf("scan log header at %d: %w", offset, err)
		}
		recLen := binary.BigEndian.Uint32(lenBuf)
		payload := make([]byte, recLen)
		if _, err := lm.file.ReadAt(payload, offset+frameLenSize); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("scan log payload at %d: %w", offset, err)
		}
		rec, err := Decode(payload)
		if err != nil {
			break
		}
		lm.offsetByLSN[rec.LSN] = offset
		if rec.LSN >= lm.nextLSN {
			lm.nextLSN = rec.LSN + 1
		}
		if rec.TxnID != common.SystemTxnID && rec.TxnID > lm.maxTxnID {
			lm.maxTxnID = rec.TxnID
		}
		lm.flushedLSN = rec.LSN
		offset += frameLenSize + int64(recLen)
	}
	if lm.nextLSN == common.NullLSN {
		// An empty (brand-new) log file leaves nextLSN at its zero value;
		// LSN 0 is reserved as common.NullLSN's "no record here" sentinel,
		// so the very first record ever appended must be assigned LSN 1
		// (mirrors original_source's log_manager.py seeding _next_lsn = 1).
		lm.nextLSN = 1
	}
	lm.writeOffset = offset
	if _, err := lm.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// Append assigns r an LSN, buffers it, and returns the assigned LSN;
// r.PrevLSN is written as the caller set it. It does not force
// durability; callers that need that guarantee call FlushToLSN afterward
// (spec §4.7).
func (lm *LogManager) Append(r *Record) (common.LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	r.LSN = lm.nextLSN
	lm.nextLSN++
	if r.TxnID != common.SystemTxnID && r.TxnID > lm.maxTxnID {
		lm.maxTxnID = r.TxnID
	}

	payload := Encode(r)
	lenBuf := make([]byte, frameLenSize)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))

	if _, err := lm.writer.Write(lenBuf); err != nil {
		return 0, fmt.Errorf("buffer log frame: %w", err)
	}
	if _, err := lm.writer.Write(payload); err != nil {
		return 0, fmt.Errorf("buffer log record: %w", err)
	}
	lm.offsetByLSN[r.LSN] = lm.writeOffset
	lm.writeOffset += frameLenSize + int64(len(payload))

	return r.LSN, nil
}

// FlushToLSN forces the buffered log out to disk and fsyncs if lsn is
// beyond what is already durable. Implements buffer.LogFlusher, the WAL-
// before-flush contract consumed by the buffer pool (spec §4.2).
func (lm *LogManager) FlushToLSN(lsn common.LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked(lsn)
}

func (lm *LogManager) flushLocked(lsn common.LSN) error {
	if lsn != common.NullLSN && lsn <= lm.flushedLSN {
		return nil
	}
	if err := lm.writer.Flush(); err != nil {
		return fmt.Errorf("flush log writer: %w", err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("fsync log file: %w", err)
	}
	lm.flushedLSN = lm.nextLSN - 1
	return nil
}

// Flush forces every buffered record durable.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked(lm.nextLSN - 1)
}

// Checkpoint writes a BEGIN_CHECKPOINT/END_CHECKPOINT pair bracketing att
// and dpt (the caller's live active-transaction and dirty-page snapshots),
// forces the END_CHECKPOINT durable, and returns its LSN (spec §4.7's
// supplemented fuzzy checkpoint: nothing is quiesced, the checkpoint just
// records where recovery can start its forward scan instead of the
// beginning of the log).
func (lm *LogManager) Checkpoint(att, dpt []CheckpointEntry) (common.LSN, error) {
	if _, err := lm.Append(&Record{TxnID: common.SystemTxnID, Type: RecBeginCheckpoint}); err != nil {
		return 0, fmt.Errorf("append begin-checkpoint: %w", err)
	}
	endLSN, err := lm.Append(&Record{TxnID: common.SystemTxnID, Type: RecEndCheckpoint, ATT: att, DPT: dpt})
	if err != nil {
		return 0, fmt.Errorf("append end-checkpoint: %w", err)
	}
	if err := lm.FlushToLSN(endLSN); err != nil {
		return 0, fmt.Errorf("force checkpoint durable: %w", err)
	}
	lm.log.Info().Str("checkpoint_run", uuid.NewString()).Uint64("lsn", uint64(endLSN)).Int("active_txns", len(att)).Int("dirty_pages", len(dpt)).Msg("checkpoint written")
	return endLSN, nil
}

// GetFlushedLSN reports the highest LSN known to be durable.
func (lm *LogManager) GetFlushedLSN() common.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// MaxTxnID reports the highest user transaction id seen anywhere in the
// log file, so the transaction manager can resume its id counter at
// MaxTxnID()+1 after a restart rather than risk reissuing an id a
// pre-crash transaction already used (spec §4.8: "allocate a new id
// (monotonic; on startup initialized to max_txn_id_seen_during_recovery
// + 1)").
func (lm *LogManager) MaxTxnID() uint32 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.maxTxnID
}

// ReadLogRecordByLSN fetches and decodes one record, forcing a flush
// first if it was only buffered (so recovery and undo never short-read a
// record the process itself just appended).
func (lm *LogManager) ReadLogRecordByLSN(lsn common.LSN) (*Record, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lsn > lm.flushedLSN {
		if err := lm.flushLocked(lsn); err != nil {
			return nil, err
		}
	}
	offset, ok := lm.offsetByLSN[lsn]
	if !ok {
		return nil, fmt.Errorf("%w: no log record for lsn %d", common.ErrNotFound, lsn)
	}
	lenBuf := make([]byte, frameLenSize)
	if _, err := lm.file.ReadAt(lenBuf, offset); err != nil {
		return nil, fmt.Errorf("read log frame at lsn %d: %w", lsn, err)
	}
	recLen := binary.BigEndian.Uint32(lenBuf)
	payload := make([]byte, recLen)
	if _, err := lm.file.ReadAt(payload, offset+frameLenSize); err != nil {
		return nil, fmt.Errorf("read log payload at lsn %d: %w", lsn, err)
	}
	return Decode(payload)
}

// Iterate walks every durable record from the start of the log in LSN
// order, calling fn for each. Used by recovery's analysis pass. Stops
// early if fn returns an error.
func (lm *LogManager) Iterate(fn func(*Record) error) error {
	lm.mu.Lock()
	if err := lm.flushLocked(lm.nextLSN - 1); err != nil {
		lm.mu.Unlock()
		return err
	}
	lsns := make([]common.LSN, 0, len(lm.offsetByLSN))
	for lsn := range lm.offsetByLSN {
		lsns = append(lsns, lsn)
	}
	lm.mu.Unlock()

	// Simple insertion sort is fine here: recovery runs once at startup,
	// not on the hot path, and log volumes are modest in this engine.
	for i := 1; i < len(lsns); i++ {
		for j := i; j > 0 && lsns[j-1] > lsns[j]; j-- {
			lsns[j-1], lsns[j] = lsns[j], lsns[j-1]
		}
	}

	for _, lsn := range lsns {
		rec, err := lm.ReadLogRecordByLSN(lsn)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.writer.Flush(); err != nil {
		return err
	}
	return lm.file.Close()
}
