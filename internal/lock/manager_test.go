package lock

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

func TestSharedLocksAreCompatible(t *testing.T) {
	m := New(zerolog.Nop())
	t.Cleanup(m.Close)
	ctx := context.Background()
	res := RecordResource("accounts", 1, 1)

	require.NoError(t, m.Acquire(ctx, 1, res, S))
	require.NoError(t, m.Acquire(ctx, 2, res, S))
}

func TestExclusiveLockBlocksUntilReleased(t *testing.T) {
	m := New(zerolog.Nop())
	t.Cleanup(m.Close)
	ctx := context.Background()
	res := RecordResource("accounts", 1, 1)

	require.NoError(t, m.Acquire(ctx, 1, res, X))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, 2, res, S) }()

	select {
	case <-done:
		t.Fatal("txn 2 should not have acquired the lock yet")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseAll(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("txn 2 never acquired the lock after release")
	}
}

func TestAncestorIntentionLocksAreTaken(t *testing.T) {
	m := New(zerolog.Nop())
	t.Cleanup(m.Close)
	ctx := context.Background()
	record := RecordResource("accounts", 1, 1)

	require.NoError(t, m.Acquire(ctx, 1, record, X))

	held := m.HeldModes(1)
	require.Equal(t, X, held[record])
	require.Equal(t, IX, held[PageResource("accounts", 1)])
	require.Equal(t, IX, held[TableResource("accounts")])
}

func TestUpgradeIsNoOpWhenAlreadySubsumed(t *testing.T) {
	m := New(zerolog.Nop())
	t.Cleanup(m.Close)
	ctx := context.Background()
	res := TableResource("accounts")

	require.NoError(t, m.Acquire(ctx, 1, res, X))
	require.NoError(t, m.Acquire(ctx, 1, res, S)) // already covered by X
	require.Equal(t, X, m.HeldModes(1)[res])
}

func TestDeadlockDetected(t *testing.T) {
	m := New(zerolog.Nop())
	t.Cleanup(m.Close)
	ctx := context.Background()
	resA := RecordResource("t", 1, 1)
	resB := RecordResource("t", 1, 2)

	require.NoError(t, m.Acquire(ctx, 1, resA, X))
	require.NoError(t, m.Acquire(ctx, 2, resB, X))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Acquire(ctx, 1, resB, X) }()
	// Give txn 1 time to register as waiting on resB before txn 2 asks for resA.
	time.Sleep(20 * time.Millisecond)

	err := m.Acquire(ctx, 2, resA, X)
	require.ErrorIs(t, err, common.ErrDeadlock)

	m.ReleaseAll(2)
	require.NoError(t, <-errCh)
}

func TestContextCancellationUnblocksWaiter(t *testing.T) {
	m := New(zerolog.Nop())
	t.Cleanup(m.Close)
	res := TableResource("t")
	require.NoError(t, m.Acquire(context.Background(), 1, res, X))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, 2, res, S)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
