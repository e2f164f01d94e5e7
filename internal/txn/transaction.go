// Package txn implements the transaction manager from spec §4.8: a
// strict two-phase-locking state machine (active -> committing ->
// committed, or active -> aborting -> aborted) with a background timeout
// sweep, adapted from original_source/src/engine/transaction/transaction.py
// and transaction_manager.py.
package txn

import (
	"sync"
	"time"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

// State is a transaction's position in its commit/abort state machine.
type State uint8

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsolationLevel mirrors what strict two-phase locking actually delivers
// (spec §4.8): every lock a transaction takes is held until commit or
// abort, so the weakest level the core can offer is REPEATABLE_READ.
// SERIALIZABLE is the same locking discipline plus a table-level S lock
// during full scans (spec §5), enforced by the engine layer rather than
// inside the transaction record itself.
type IsolationLevel uint8

const (
	RepeatableRead IsolationLevel = iota
	Serializable
)

// Transaction tracks one in-flight unit of work: its id, its place in the
// commit/abort state machine, the LSN of the last log record it wrote
// (the head of its undo chain), and when it started (for timeout sweeps).
type Transaction struct {
	mu sync.Mutex

	ID        uint32
	Isolation IsolationLevel
	state     State
	lastLSN   common.LSN
	startedAt time.Time
	timeout   time.Duration
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// LastLSN returns the LSN of the most recent log record this transaction
// wrote, the entry point for its undo chain.
func (t *Transaction) LastLSN() common.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}

// SetLastLSN is called by the engine after it appends a log record on
// this transaction's behalf, chaining the next record's PrevLSN to it.
func (t *Transaction) SetLastLSN(lsn common.LSN) {
	t.mu.Lock()
	t.lastLSN = lsn
	t.mu.Unlock()
}

// Expired reports whether the transaction has been active longer than
// its timeout (spec §4.8's timeout sweep).
func (t *Transaction) Expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateActive && t.timeout > 0 && now.Sub(t.startedAt) > t.timeout
}
