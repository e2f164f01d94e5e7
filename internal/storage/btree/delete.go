package btree

import (
	"fmt"

	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/page"
)

const (
	rowIDTrailerSize = 8 // leaf entry trailer: row_id = page_id(4) | record_id(4)
	childTrailerSize = 4 // internal entry trailer: child_page_id
)

// Delete removes (key, rowID) from the tree, rebalancing underflowing
// pages up to the root as needed, and returns the tree's (possibly
// changed) root page id. A missing entry is a no-op, not an error, so
// redo/undo of a DELETE can replay it idempotently.
func (m *Manager) Delete(rootPageID uint32, key []byte, rowID common.RowID, lsn common.LSN) (uint32, error) {
	path, err := m.descend(rootPageID, key)
	if err != nil {
		return rootPageID, err
	}
	leafID := path[len(path)-1]
	leaf, err := m.pool.Get(leafID, common.PageKindLeaf)
	if err != nil {
		return rootPageID, err
	}

	minEntries := minEntriesFor(true, len(key))
	deleted, underflow, err := leaf.LeafDelete(key, rowID, minEntries, lsn)
	if err != nil {
		m.pool.Unpin(leafID, false)
		return rootPageID, err
	}
	if !deleted {
		m.pool.Unpin(leafID, false)
		return rootPageID, nil
	}
	if !underflow || len(path) == 1 {
		m.pool.Unpin(leafID, true)
		return rootPageID, nil
	}
	m.pool.Unpin(leafID, true)

	return m.collapseUp(path, rootPageID, len(key), lsn)
}

// minEntriesFor computes the minimum fill threshold for one tree level,
// given the fixed key length this index uses (spec §4.3: "min_entries =
// max(1, half_of_capacity)").
func minEntriesFor(isLeaf bool, keyLen int) uint16 {
	if isLeaf {
		return page.MinEntries(keyLen + rowIDTrailerSize)
	}
	return page.MinEntries(keyLen + childTrailerSize)
}

// collapseUp rebalances an underflowing page at each level from the
// leaf's parent up to the root, preferring redistribution (borrowing one
// entry from a sibling that can spare it) over merging, and stopping as
// soon as a level no longer underflows (spec §4.4). A merge always
// prefers the left sibling, falling back to the right, and is a no-op
// (page left underfull) if the child has no sibling under the same
// parent at all — a lone child of the root, which can only happen while
// the tree is very small.
func (m *Manager) collapseUp(path []uint32, rootPageID uint32, keyLen int, lsn common.LSN) (uint32, error) {
	childID := path[len(path)-1]
	childIsLeaf := true

	for i := len(path) - 2; i >= 0; i-- {
		parentID := path[i]
		parent, err := m.pool.Get(parentID, common.PageKindInternal)
		if err != nil {
			return rootPageID, err
		}

		leftID, rightID := findSiblings(parent, childID)
		childMin := minEntriesFor(childIsLeaf, keyLen)

		redistributed, err := m.redistributeChild(parent, childID, leftID, rightID, childIsLeaf, childMin, lsn)
		if err != nil {
			m.pool.Unpin(parentID, false)
			return rootPageID, err
		}
		if redistributed {
			m.pool.Unpin(parentID, true)
			return rootPageID, nil
		}

		merged, err := m.mergeChild(parent, childID, leftID, rightID, childIsLeaf, lsn)
		if err != nil {
			m.pool.Unpin(parentID, false)
			return rootPageID, err
		}
		if !merged {
			m.pool.Unpin(parentID, true)
			return rootPageID, nil
		}

		parentMin := minEntriesFor(false, keyLen)
		parentUnderflow := parent.EntryCount() < parentMin

		if parentID == rootPageID {
			if parent.EntryCount() == 0 {
				newRootID := parent.LeftmostChildPageID()
				m.pool.Unpin(parentID, true)
				return newRootID, nil
			}
			m.pool.Unpin(parentID, true)
			return rootPageID, nil
		}
		if !parentUnderflow {
			m.pool.Unpin(parentID, true)
			return rootPageID, nil
		}

		m.pool.Unpin(parentID, true)
		childID = parentID
		childIsLeaf = false
	}
	return rootPageID, nil
}

// findSiblings returns the page ids immediately to the left and right of
// childID under parent, or 0 when childID is the first/last child.
func findSiblings(parent *page.Page, childID uint32) (leftID, rightID uint32) {
	entries := parent.InternalEntries()
	leftmost := parent.LeftmostChildPageID()
	if leftmost == childID {
		if len(entries) > 0 {
			rightID = entries[0].Child
		}
		return 0, rightID
	}
	for idx, e := range entries {
		if e.Child != childID {
			continue
		}
		if idx+1 < len(entries) {
			rightID = entries[idx+1].Child
		}
		if idx == 0 {
			leftID = leftmost
		} else {
			leftID = entries[idx-1].Child
		}
		return leftID, rightID
	}
	return 0, 0
}

// separatorFor returns the key in parent that separates a child from its
// right neighbor rightChildID (the min-key-of-right-subtree invariant:
// that key is always the one whose Child field is rightChildID).
func separatorFor(parent *page.Page, rightChildID uint32) []byte {
	for _, e := range parent.InternalEntries() {
		if e.Child == rightChildID {
			return e.Key
		}
	}
	return nil
}

func kindFor(isLeaf bool) common.PageKind {
	if isLeaf {
		return common.PageKindLeaf
	}
	return common.PageKindInternal
}

// redistributeChild borrows one entry into childID from whichever sibling
// can spare it above minEntries (left preferred, then right), rewriting
// the parent separator so it keeps equaling the minimum key of its right
// subtree. Returns false if neither sibling can lend without itself
// underflowing, leaving the caller to merge instead (spec §4.4, and §9
// open question (a): only the single changed separator is rewritten,
// never a broad rewrite of every separator in the parent).
func (m *Manager) redistributeChild(parent *page.Page, childID, leftID, rightID uint32, childIsLeaf bool, minEntries uint16, lsn common.LSN) (bool, error) {
	kind := kindFor(childIsLeaf)

	if leftID != 0 {
		left, err := m.pool.Get(leftID, kind)
		if err != nil {
			return false, err
		}
		if left.EntryCount() > minEntries {
			child, err := m.pool.Get(childID, kind)
			if err != nil {
				m.pool.Unpin(leftID, false)
				return false, err
			}
			if err := borrowFromLeft(parent, left, child, childID, childIsLeaf, lsn); err != nil {
				m.pool.Unpin(leftID, true)
				m.pool.Unpin(childID, true)
				return false, err
			}
			m.pool.Unpin(leftID, true)
			m.pool.Unpin(childID, true)
			return true, nil
		}
		m.pool.Unpin(leftID, false)
	}

	if rightID != 0 {
		right, err := m.pool.Get(rightID, kind)
		if err != nil {
			return false, err
		}
		if right.EntryCount() > minEntries {
			child, err := m.pool.Get(childID, kind)
			if err != nil {
				m.pool.Unpin(rightID, false)
				return false, err
			}
			if err := borrowFromRight(parent, child, right, rightID, childIsLeaf, lsn); err != nil {
				m.pool.Unpin(rightID, true)
				m.pool.Unpin(childID, true)
				return false, err
			}
			m.pool.Unpin(rightID, true)
			m.pool.Unpin(childID, true)
			return true, nil
		}
		m.pool.Unpin(rightID, false)
	}

	return false, nil
}

// borrowFromLeft moves left's greatest entry into child (now child's new
// least entry) and rewrites the parent separator between them to that
// entry's key.
func borrowFromLeft(parent, left, child *page.Page, childID uint32, childIsLeaf bool, lsn common.LSN) error {
	oldSep := separatorFor(parent, childID)

	if childIsLeaf {
		entries := left.LeafEntries()
		last := entries[len(entries)-1]
		if deleted, _, err := left.LeafDelete(last.Key, last.RowID, 0, lsn); err != nil {
			return err
		} else if !deleted {
			return fmt.Errorf("%w: expected to delete borrowed leaf entry", common.ErrCorruption)
		}
		if ok, err := child.LeafInsert(last.Key, last.RowID, false, lsn); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: no room for borrowed leaf entry", common.ErrCorruption)
		}
		parent.InternalDeleteByKey(oldSep, lsn)
		if ok, err := parent.InternalInsert(last.Key, childID, lsn); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: no room to rewrite separator", common.ErrCorruption)
		}
		return nil
	}

	entries := left.InternalEntries()
	lastIdx := len(entries) - 1
	lastEntry := entries[lastIdx]
	if err := left.InternalDeleteEntryByIndex(lastIdx, lsn); err != nil {
		return err
	}
	childOldLeftmost := child.LeftmostChildPageID()
	if ok, err := child.InternalInsert(oldSep, childOldLeftmost, lsn); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: no room for borrowed internal entry", common.ErrCorruption)
	}
	child.SetLeftmostChildPageID(lastEntry.Child)
	parent.InternalDeleteByKey(oldSep, lsn)
	if ok, err := parent.InternalInsert(lastEntry.Key, childID, lsn); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: no room to rewrite separator", common.ErrCorruption)
	}
	return nil
}

// borrowFromRight moves right's least entry into child (now child's new
// greatest entry) and rewrites the parent separator between them to
// right's new minimum key.
func borrowFromRight(parent, child, right *page.Page, rightID uint32, childIsLeaf bool, lsn common.LSN) error {
	oldSep := separatorFor(parent, rightID)

	if childIsLeaf {
		entries := right.LeafEntries()
		first := entries[0]
		if deleted, _, err := right.LeafDelete(first.Key, first.RowID, 0, lsn); err != nil {
			return err
		} else if !deleted {
			return fmt.Errorf("%w: expected to delete borrowed leaf entry", common.ErrCorruption)
		}
		if ok, err := child.LeafInsert(first.Key, first.RowID, false, lsn); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: no room for borrowed leaf entry", common.ErrCorruption)
		}
		newMin := right.LeafEntries()[0].Key
		parent.InternalDeleteByKey(oldSep, lsn)
		if ok, err := parent.InternalInsert(newMin, rightID, lsn); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: no room to rewrite separator", common.ErrCorruption)
		}
		return nil
	}

	entries := right.InternalEntries()
	first := entries[0]
	rightOldLeftmost := right.LeftmostChildPageID()
	if err := right.InternalDeleteEntryByIndex(0, lsn); err != nil {
		return err
	}
	if ok, err := child.InternalInsert(oldSep, rightOldLeftmost, lsn); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: no room for borrowed internal entry", common.ErrCorruption)
	}
	right.SetLeftmostChildPageID(first.Child)
	parent.InternalDeleteByKey(oldSep, lsn)
	if ok, err := parent.InternalInsert(first.Key, rightID, lsn); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: no room to rewrite separator", common.ErrCorruption)
	}
	return nil
}

// mergeChild folds childID's content into a sibling (left preferred,
// then right, matching spec §4.4) and removes the now-obsolete separator
// from parent. Returns false if childID has no sibling under this parent
// to merge with.
func (m *Manager) mergeChild(parent *page.Page, childID, leftID, rightID uint32, childIsLeaf bool, lsn common.LSN) (bool, error) {
	kind := kindFor(childIsLeaf)

	if leftID != 0 {
		left, err := m.pool.Get(leftID, kind)
		if err != nil {
			return false, err
		}
		right, err := m.pool.Get(childID, kind)
		if err != nil {
			m.pool.Unpin(leftID, false)
			return false, err
		}
		sep := separatorFor(parent, childID)
		if err := absorb(left, right, sep, lsn); err != nil {
			m.pool.Unpin(leftID, true)
			m.pool.Unpin(childID, true)
			return false, err
		}
		m.pool.Unpin(leftID, true)
		m.pool.Unpin(childID, true)
		parent.InternalDeleteByKey(sep, lsn)
		return true, nil
	}

	if rightID != 0 {
		left, err := m.pool.Get(childID, kind)
		if err != nil {
			return false, err
		}
		right, err := m.pool.Get(rightID, kind)
		if err != nil {
			m.pool.Unpin(childID, false)
			return false, err
		}
		sep := separatorFor(parent, rightID)
		if err := absorb(left, right, sep, lsn); err != nil {
			m.pool.Unpin(childID, true)
			m.pool.Unpin(rightID, true)
			return false, err
		}
		m.pool.Unpin(childID, true)
		m.pool.Unpin(rightID, true)
		parent.InternalDeleteByKey(sep, lsn)
		return true, nil
	}

	return false, nil
}

// absorb folds right's contents into left in place. sep is the parent
// separator between them, needed to reconstruct the pulled-down key when
// merging internal pages (spec §4.4).
func absorb(left, right *page.Page, sep []byte, lsn common.LSN) error {
	if left.Kind() == common.PageKindLeaf {
		for _, e := range right.LeafEntries() {
			if _, err := left.LeafInsert(e.Key, e.RowID, false, lsn); err != nil {
				return err
			}
		}
		left.SetNextLeafPageID(right.NextLeafPageID())
		return nil
	}

	if ok, err := left.InternalInsert(sep, right.LeftmostChildPageID(), lsn); err != nil || !ok {
		if err == nil {
			err = common.ErrPageFull
		}
		return err
	}
	for _, e := range right.InternalEntries() {
		if _, err := left.InternalInsert(e.Key, e.Child, lsn); err != nil {
			return err
		}
	}
	return nil
}
