package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/lock"
	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/wal"
)

// DefaultTimeout is how long a transaction may sit active before the
// background sweep aborts it, absent an explicit override.
const DefaultTimeout = 30 * time.Second

// sweepInterval controls how often the background goroutine looks for
// expired transactions.
const sweepInterval = time.Second

// Manager begins, commits, and aborts transactions, and sweeps timed-out
// ones in the background (spec §4.8), grounded on
// original_source/src/engine/transaction/transaction_manager.py.
type Manager struct {
	mu      sync.Mutex
	log     zerolog.Logger
	walMgr  *wal.LogManager
	locks   *lock.Manager
	applier wal.Applier

	active  map[uint32]*Transaction
	nextID  uint32
	timeout time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Manager and starts its background timeout sweep.
// applier lets Abort reuse the same page-level undo logic crash recovery
// uses (wal.LogManager.UndoTransaction). startTxnID seeds the id counter;
// callers pass walMgr.MaxTxnID()+1 after recovery so a fresh transaction
// can never reuse the id of one that existed before a restart (spec
// §4.8). A zero startTxnID (a brand-new database with an empty log)
// starts numbering at 1.
func New(walMgr *wal.LogManager, locks *lock.Manager, applier wal.Applier, startTxnID uint32, timeout time.Duration, log zerolog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if startTxnID == 0 {
		startTxnID = 1
	}
	m := &Manager{
		log:     log.With().Str("component", "txnmanager").Logger(),
		walMgr:  walMgr,
		locks:   locks,
		applier: applier,
		active:  make(map[uint32]*Transaction),
		nextID:  startTxnID,
		timeout: timeout,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Begin creates a new active transaction.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Transaction{
		ID:        m.nextID,
		Isolation: isolation,
		state:     StateActive,
		startedAt: time.Now(),
		timeout:   m.timeout,
	}
	m.nextID++
	m.active[t.ID] = t
	m.log.Debug().Uint32("txn", t.ID).Msg("transaction started")
	return t
}

// ActiveSnapshot returns (txn id, last LSN) for every transaction active
// right now, the active-transaction-table half of a checkpoint record
// (spec §4.7).
func (m *Manager) ActiveSnapshot() []wal.CheckpointEntry {
	m.mu.Lock()
	ids := make([]*Transaction, 0, len(m.active))
	for _, t := range m.active {
		ids = append(ids, t)
	}
	m.mu.Unlock()

	out := make([]wal.CheckpointEntry, len(ids))
	for i, t := range ids {
		out[i] = wal.CheckpointEntry{ID: t.ID, LSN: t.LastLSN()}
	}
	return out
}

// Lookup returns the active transaction with the given id, if any.
func (m *Manager) Lookup(id uint32) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	return t, ok
}

// Commit forces the transaction's COMMIT record durable and releases
// every lock it holds (spec §4.8: strict 2PL releases locks only at
// commit or abort).
func (m *Manager) Commit(t *Transaction) error {
	if t.State() != StateActive {
		return fmt.Errorf("%w: transaction %d is not active", common.ErrTxnNotActive, t.ID)
	}
	t.setState(StateCommitting)

	rec := &wal.Record{TxnID: t.ID, PrevLSN: t.LastLSN(), Type: wal.RecCommit}
	lsn, err := m.walMgr.Append(rec)
	if err != nil {
		return fmt.Errorf("append commit record for txn %d: %w", t.ID, err)
	}
	if err := m.walMgr.FlushToLSN(lsn); err != nil {
		return fmt.Errorf("force commit record for txn %d: %w", t.ID, err)
	}
	t.SetLastLSN(lsn)

	m.locks.ReleaseAll(t.ID)
	t.setState(StateCommitted)
	m.removeActive(t.ID)
	m.log.Debug().Uint32("txn", t.ID).Msg("transaction committed")
	return nil
}

// Abort undoes every effect the transaction logged, via the same
// CLR-writing undo walk crash recovery uses, then releases its locks.
// Lock release and deregistration happen unconditionally, even if the
// undo walk itself fails, since spec §4.8 requires abort to always
// succeed in releasing locks so no other transaction is left blocked on
// a victim that cannot finish undoing.
func (m *Manager) Abort(t *Transaction) error {
	state := t.State()
	if state != StateActive && state != StateAborting {
		return fmt.Errorf("%w: transaction %d cannot be aborted from state %s", common.ErrTxnNotActive, t.ID, state)
	}
	t.setState(StateAborting)

	undoErr := m.walMgr.UndoTransaction(m.applier, t.ID, t.LastLSN())

	m.locks.ReleaseAll(t.ID)
	t.setState(StateAborted)
	m.removeActive(t.ID)

	if undoErr != nil {
		m.log.Error().Err(undoErr).Uint32("txn", t.ID).Msg("transaction undo failed; locks released regardless")
		return fmt.Errorf("undo transaction %d: %w", t.ID, undoErr)
	}
	m.log.Debug().Uint32("txn", t.ID).Msg("transaction aborted")
	return nil
}

func (m *Manager) removeActive(id uint32) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	var expired []*Transaction
	for _, t := range m.active {
		if t.Expired(now) {
			expired = append(expired, t)
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		m.log.Warn().Uint32("txn", t.ID).Msg("transaction exceeded timeout, aborting")
		if err := m.Abort(t); err != nil {
			m.log.Error().Err(err).Uint32("txn", t.ID).Msg("failed to abort timed-out transaction")
		}
	}
}

// Close stops the background sweep goroutine.
func (m *Manager) Close() {
	close(m.stopCh)
	<-m.doneCh
}
