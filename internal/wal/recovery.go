package wal

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

// Applier is the slice of the storage engine recovery needs to replay and
// undo page-level effects without the wal package importing the engine,
// heap, or catalog packages directly (spec §4.7 keeps recovery's log
// interpretation separate from page mechanics).
type Applier interface {
	// PageLSN reports the resource's page's current PageLSN, so redo can
	// skip actions already reflected on disk. ok is false if the page does
	// not exist yet (e.g. its CREATE TABLE never got far enough to extend
	// the tablespace before the crash).
	PageLSN(resource ResourceRef) (lsn common.LSN, ok bool, err error)

	// Redo re-applies a forward data record (INSERT/UPDATE/DELETE) or a
	// CLR's inverse action, stamping the page with lsn. Must be idempotent.
	Redo(rec *Record) error

	// Undo applies the inverse of a forward record, stamping the page
	// with lsn (the CLR's own LSN, once Append has assigned it).
	Undo(info UndoInfo, lsn common.LSN) error

	// ApplyDDL replays a catalog-affecting record. Must be idempotent.
	ApplyDDL(rec *Record) error
}

type pageKey struct {
	Table  string
	PageID uint32
}

type txnInfo struct {
	lastLSN   common.LSN
	committed bool
}

// analysisResult is the ATT/DPT pair the analysis pass produces.
type analysisResult struct {
	att map[uint32]*txnInfo
	dpt map[pageKey]common.LSN
}

func newAnalysisResult() *analysisResult {
	return &analysisResult{att: make(map[uint32]*txnInfo), dpt: make(map[pageKey]common.LSN)}
}

// Recover runs the three ARIES passes (analysis, redo, undo) over the
// entire durable log and leaves the engine in a state where every
// committed effect is present and every uncommitted effect at crash time
// has been rolled back (spec §4.7, §8 scenarios S3/S4).
func (lm *LogManager) Recover(applier Applier) error {
	runID := uuid.NewString()
	log := lm.log.With().Str("recovery_run", runID).Logger()

	result, err := lm.analyze(applier)
	if err != nil {
		return fmt.Errorf("recovery analysis: %w", err)
	}
	log.Info().Int("active_losers", countLosers(result.att)).Int("dirty_pages", len(result.dpt)).Msg("recovery: analysis complete")

	if err := lm.redo(applier, result); err != nil {
		return fmt.Errorf("recovery redo: %w", err)
	}
	log.Info().Msg("recovery: redo complete")

	if err := lm.undo(applier, result); err != nil {
		return fmt.Errorf("recovery undo: %w", err)
	}
	log.Info().Msg("recovery: undo complete")
	return nil
}

func countLosers(att map[uint32]*txnInfo) int {
	n := 0
	for _, info := range att {
		if !info.committed {
			n++
		}
	}
	return n
}

// analyze scans the whole log, rebuilding the ATT and DPT and, unconditionally
// and as it goes, the in-memory catalog from every DDL record encountered
// (spec §4.7: "DDL records rebuild the in-memory catalog ... this ensures
// subsequent redo has the catalog needed to locate files and schemas" —
// mirrors original_source/src/engine/transaction/log_manager.py's analysis
// pass installing CREATE_TABLE/CREATE_INDEX/etc. as it scans, entirely
// separate from the LSN-gated redo pass that follows). A later
// END_CHECKPOINT record replaces the running ATT/DPT with its snapshot
// before continuing, which both seeds the normal case (start from the last
// checkpoint) and stays correct if a checkpoint record is the only thing
// in the log.
func (lm *LogManager) analyze(applier Applier) (*analysisResult, error) {
	result := newAnalysisResult()

	err := lm.Iterate(func(rec *Record) error {
		switch rec.Type {
		case RecEndCheckpoint:
			result.att = make(map[uint32]*txnInfo)
			for _, e := range rec.ATT {
				result.att[e.ID] = &txnInfo{lastLSN: e.LSN}
			}
			result.dpt = make(map[pageKey]common.LSN)
			for _, e := range rec.DPT {
				// Checkpoint DPT entries don't carry a table name; they are
				// re-derived precisely by the subsequent forward scan below,
				// so an empty table here is just a placeholder that later
				// data records for the same page id will overwrite.
				result.dpt[pageKey{PageID: e.ID}] = e.LSN
			}
			return nil
		case RecBeginCheckpoint:
			return nil
		}

		if rec.TxnID != common.SystemTxnID {
			info, ok := result.att[rec.TxnID]
			if !ok {
				info = &txnInfo{}
				result.att[rec.TxnID] = info
			}
			info.lastLSN = rec.LSN
			switch rec.Type {
			case RecCommit:
				info.committed = true
			case RecAbort:
				delete(result.att, rec.TxnID)
			}
		}

		if rec.Type.IsDDL() {
			return applier.ApplyDDL(rec)
		}

		if rec.Type.IsDataRecord() || rec.Type == RecCLR {
			key := pageKey{Table: rec.Resource.Table, PageID: rec.Resource.PageID}
			if _, dirty := result.dpt[key]; !dirty {
				result.dpt[key] = rec.LSN
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// redo replays every data record and CLR from the lowest recLSN in the DPT
// forward, skipping anything already reflected by the page's own PageLSN
// (spec §4.7's "redo everything, even work later undone"). DDL records are
// already applied, unconditionally and unfiltered by this pass's startLSN,
// by analyze above — the spec's Redo paragraph is explicitly scoped to
// "every data log record (UPDATE/INSERT/DELETE/CLR)", not DDL.
func (lm *LogManager) redo(applier Applier, result *analysisResult) error {
	var startLSN common.LSN = common.NullLSN
	for _, lsn := range result.dpt {
		if startLSN == common.NullLSN || lsn < startLSN {
			startLSN = lsn
		}
	}

	return lm.Iterate(func(rec *Record) error {
		if rec.LSN < startLSN {
			return nil
		}
		if rec.Type.IsDataRecord() || rec.Type == RecCLR {
			resource := rec.Resource
			pageLSN, ok, err := applier.PageLSN(resource)
			if err != nil {
				return err
			}
			if ok && pageLSN >= rec.LSN {
				return nil // already reflected on the page
			}
			return applier.Redo(rec)
		}
		return nil
	})
}

// undo rolls back every loser transaction (active in the ATT, never
// committed) by walking its log chain backward via PrevLSN/UndoNextLSN
// and writing a CLR for each action undone, so a second crash mid-undo
// resumes correctly (spec §4.7).
func (lm *LogManager) undo(applier Applier, result *analysisResult) error {
	for txnID, info := range result.att {
		if info.committed {
			continue
		}
		if err := lm.UndoTransaction(applier, txnID, info.lastLSN); err != nil {
			return err
		}
	}
	return nil
}

// UndoTransaction rolls back one transaction's effects by walking its log
// chain backward from fromLSN, writing a CLR per undone action, and
// finishing with an ABORT record. Used by both crash recovery and the
// transaction manager's live Abort path.
func (lm *LogManager) UndoTransaction(applier Applier, txnID uint32, fromLSN common.LSN) error {
	// lastChainLSN tracks the transaction's own most recent log record as
	// this walk appends CLRs, so each new record's PrevLSN continues the
	// transaction's chain rather than pointing back into the original
	// forward-action chain it is undoing (those two chains diverge as soon
	// as the first CLR is appended, since CLR LSNs are always higher than
	// any original record they compensate for).
	lastChainLSN := fromLSN
	next := fromLSN
	for next != common.NullLSN {
		rec, err := lm.ReadLogRecordByLSN(next)
		if err != nil {
			return err
		}
		switch rec.Type {
		case RecCLR:
			// A CLR means a previous undo pass already covered this action;
			// continue from where it left off.
			next = rec.UndoNextLSN
			continue
		case RecUpdate, RecInsert, RecDelete:
			info := BuildUndoInfo(rec)
			clr := &Record{
				TxnID:        txnID,
				PrevLSN:      lastChainLSN,
				Type:         RecCLR,
				Resource:     info.Resource,
				Before:       info.Before,
				RecordSize:   info.RecordSize,
				OriginalType: info.OriginalType,
				UndoNextLSN:  rec.PrevLSN,
			}
			clrLSN, err := lm.Append(clr)
			if err != nil {
				return err
			}
			if err := lm.FlushToLSN(clrLSN); err != nil {
				return err
			}
			if err := applier.Undo(info, clrLSN); err != nil {
				return err
			}
			lastChainLSN = clrLSN
			next = rec.PrevLSN
		default:
			next = rec.PrevLSN
		}
	}

	abort := &Record{TxnID: txnID, Type: RecAbort, PrevLSN: lastChainLSN}
	abortLSN, err := lm.Append(abort)
	if err != nil {
		return err
	}
	return lm.FlushToLSN(abortLSN)
}
