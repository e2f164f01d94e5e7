package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

// deadlockSweepInterval controls how often the background cycle check
// scans the whole wait-for graph, on top of the check every blocking
// Acquire already does for itself (spec §4.6: "a periodic background
// check also scans for cycles").
const deadlockSweepInterval = 200 * time.Millisecond

// Manager grants hierarchical locks under strict two-phase locking:
// intention locks are taken top-down on ancestors automatically, and all
// locks a transaction holds are released together at commit or abort via
// ReleaseAll (spec §4.6).
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  zerolog.Logger

	holders   map[ResourceID]map[uint32]Mode
	heldByTxn map[uint32]map[ResourceID]struct{}
	waitsFor  map[uint32]map[uint32]struct{} // txn -> set of txns blocking it
	victims   map[uint32]struct{}            // txns the background sweep condemned

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(log zerolog.Logger) *Manager {
	m := &Manager{
		log:       log.With().Str("component", "lockmanager").Logger(),
		holders:   make(map[ResourceID]map[uint32]Mode),
		heldByTxn: make(map[uint32]map[ResourceID]struct{}),
		waitsFor:  make(map[uint32]map[uint32]struct{}),
		victims:   make(map[uint32]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.deadlockSweepLoop()
	return m
}

// Close stops the background deadlock-detection sweep.
func (m *Manager) Close() {
	close(m.stopCh)
	<-m.doneCh
}

// deadlockSweepLoop periodically scans the entire wait-for graph for
// cycles, independent of the check each blocked Acquire already runs when
// it starts waiting. This catches a cycle formed by a third acquisition
// that completes a cycle between two other, already-waiting transactions
// without either of them issuing a new Acquire call to trigger the
// inline check (spec §4.6).
func (m *Manager) deadlockSweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(deadlockSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepForDeadlocks()
		}
	}
}

// sweepForDeadlocks finds every waiter that sits on a cycle and condemns
// one transaction per cycle found (the waiter whose DFS discovers it),
// then wakes every blocked waiter so condemned ones can observe their
// victim status and return common.ErrDeadlock.
func (m *Manager) sweepForDeadlocks() {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for txnID := range m.waitsFor {
		if _, already := m.victims[txnID]; already {
			continue
		}
		if m.hasCycleLocked(txnID) {
			m.victims[txnID] = struct{}{}
			// Drop the victim's edges so the other members of this cycle
			// no longer see it and are not condemned as well.
			delete(m.waitsFor, txnID)
			found = true
			m.log.Warn().Uint32("txn", txnID).Msg("background sweep found deadlock, condemning waiter")
		}
	}
	if found {
		m.cond.Broadcast()
	}
}

// Acquire takes intention locks on resource's ancestors in mode
// AncestorMode(mode), then locks resource itself in mode, blocking until
// granted, ctx is canceled, or the wait would complete a deadlock cycle.
func (m *Manager) Acquire(ctx context.Context, txnID uint32, resource ResourceID, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ancestor := range resource.Ancestors() {
		if err := m.acquireLocked(ctx, txnID, ancestor, AncestorMode(mode)); err != nil {
			return err
		}
	}
	return m.acquireLocked(ctx, txnID, resource, mode)
}

// acquireLocked must be called with m.mu held; it releases and reacquires
// the lock internally while blocked in m.cond.Wait.
func (m *Manager) acquireLocked(ctx context.Context, txnID uint32, resource ResourceID, mode Mode) error {
	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				m.mu.Lock()
				m.cond.Broadcast()
				m.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			delete(m.waitsFor, txnID)
			delete(m.victims, txnID)
			return err
		}
		if _, condemned := m.victims[txnID]; condemned {
			delete(m.victims, txnID)
			delete(m.waitsFor, txnID)
			m.log.Warn().Uint32("txn", txnID).Str("resource", resource.String()).Msg("deadlock detected by background sweep, aborting request")
			return common.ErrDeadlock
		}

		holders := m.holders[resource]
		have, hasLock := holders[txnID]
		if hasLock && Subsumes(have, mode) {
			return nil
		}

		blocking := map[uint32]struct{}{}
		for otherTxn, otherMode := range holders {
			if otherTxn == txnID {
				continue
			}
			if !Compatible(otherMode, mode) {
				blocking[otherTxn] = struct{}{}
			}
		}

		if len(blocking) == 0 {
			if m.holders[resource] == nil {
				m.holders[resource] = make(map[uint32]Mode)
			}
			newMode := mode
			if hasLock {
				newMode = Combine(have, mode)
			}
			m.holders[resource][txnID] = newMode
			m.trackHeld(txnID, resource)
			delete(m.waitsFor, txnID)
			return nil
		}

		m.waitsFor[txnID] = blocking
		if m.hasCycleLocked(txnID) {
			delete(m.waitsFor, txnID)
			m.log.Warn().Uint32("txn", txnID).Str("resource", resource.String()).Msg("deadlock detected, aborting request")
			return common.ErrDeadlock
		}
		m.cond.Wait()
	}
}

func (m *Manager) trackHeld(txnID uint32, resource ResourceID) {
	if m.heldByTxn[txnID] == nil {
		m.heldByTxn[txnID] = make(map[ResourceID]struct{})
	}
	m.heldByTxn[txnID][resource] = struct{}{}
}

// hasCycleLocked reports whether the wait-for graph, with start's newest
// edges just added, contains a path from start back to itself.
func (m *Manager) hasCycleLocked(start uint32) bool {
	visited := make(map[uint32]bool)
	var dfs func(node uint32) bool
	dfs = func(node uint32) bool {
		visited[node] = true
		for next := range m.waitsFor[node] {
			if next == start {
				return true
			}
			if !visited[next] && dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(start)
}

// Release drops txnID's lock on exactly one resource. Strict two-phase
// locking normally releases only via ReleaseAll at commit/abort; this
// exists for tests and for releasing a lock acquired speculatively before
// an operation turned out to be unnecessary.
func (m *Manager) Release(txnID uint32, resource ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(txnID, resource)
	m.cond.Broadcast()
}

func (m *Manager) releaseLocked(txnID uint32, resource ResourceID) {
	if holders := m.holders[resource]; holders != nil {
		delete(holders, txnID)
		if len(holders) == 0 {
			delete(m.holders, resource)
		}
	}
	if held := m.heldByTxn[txnID]; held != nil {
		delete(held, resource)
	}
}

// ReleaseAll drops every lock txnID holds, waking any transaction
// blocked waiting for one of them (spec §4.6: locks release together at
// commit or abort).
func (m *Manager) ReleaseAll(txnID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for resource := range m.heldByTxn[txnID] {
		if holders := m.holders[resource]; holders != nil {
			delete(holders, txnID)
			if len(holders) == 0 {
				delete(m.holders, resource)
			}
		}
	}
	delete(m.heldByTxn, txnID)
	delete(m.waitsFor, txnID)
	delete(m.victims, txnID)
	m.cond.Broadcast()
}

// HeldModes returns a snapshot of every resource txnID currently holds, a
// testing and diagnostics aid.
func (m *Manager) HeldModes(txnID uint32) map[ResourceID]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ResourceID]Mode, len(m.heldByTxn[txnID]))
	for resource := range m.heldByTxn[txnID] {
		out[resource] = m.holders[resource][txnID]
	}
	return out
}
