package memory

import (
	"context"
	"testing"
	"time"

	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedPool(t *testing.T, s *Store, name string, capacity int) domain.Pool {
	t.Helper()
	ctx := context.Background()

	p := domain.Pool{ID: uuid.NewString(), Name: name, Capacity: capacity, CreatedAt: t0}
	tx, err := s.Begin(ctx, store.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.CreatePool(ctx, p))
	require.NoError(t, tx.Commit(ctx))
	return p
}

func begin(t *testing.T, s *Store) store.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background(), store.TxOptions{Isolation: store.ReadCommitted})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback(context.Background()) })
	return tx
}

func TestCreatePoolMaterializesUnits(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedPool(t, s, "main", 5)

	tx := begin(t, s)
	counts, err := tx.CountUnits(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolCounts{PoolID: p.ID, Capacity: 5, Available: 5}, counts)
	assert.True(t, counts.Balanced())

	found, err := tx.FindPoolByName(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)

	missing, err := tx.FindPoolByName(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUncommittedWritesAreInvisible(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx1 := begin(t, s)
	p := domain.Pool{ID: uuid.NewString(), Name: "draft", Capacity: 2, CreatedAt: t0}
	require.NoError(t, tx1.CreatePool(ctx, p))

	tx2 := begin(t, s)
	_, err := tx2.GetPool(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrPoolNotFound)

	require.NoError(t, tx1.Rollback(ctx))

	tx3 := begin(t, s)
	_, err = tx3.GetPool(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrPoolNotFound)
}

func TestDuplicatePoolNameConflictsOnCommit(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx1 := begin(t, s)
	tx2 := begin(t, s)
	require.NoError(t, tx1.CreatePool(ctx, domain.Pool{ID: uuid.NewString(), Name: "dup", Capacity: 1, CreatedAt: t0}))
	require.NoError(t, tx2.CreatePool(ctx, domain.Pool{ID: uuid.NewString(), Name: "dup", Capacity: 1, CreatedAt: t0}))

	require.NoError(t, tx1.Commit(ctx))
	assert.ErrorIs(t, tx2.Commit(ctx), domain.ErrSerializationConflict)

	tx3 := begin(t, s)
	pools, err := tx3.ListPools(ctx)
	require.NoError(t, err)
	assert.Len(t, pools, 1)
}

func TestSkipLockedDisjointSelections(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedPool(t, s, "main", 3)
	f := store.UnitFilter{PoolID: p.ID, Status: domain.UnitStatusAvailable}

	tx1 := begin(t, s)
	tx2 := begin(t, s)

	first, err := tx1.SelectForUpdateSkipLocked(ctx, f, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := tx2.SelectForUpdateSkipLocked(ctx, f, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotContains(t, []int64{first[0].ID, first[1].ID}, second[0].ID)

	again, err := tx1.SelectForUpdateSkipLocked(ctx, f, 5)
	require.NoError(t, err)
	assert.Len(t, again, 2, "own locks stay visible")

	require.NoError(t, tx1.Rollback(ctx))

	third, err := tx2.SelectForUpdateSkipLocked(ctx, f, 5)
	require.NoError(t, err)
	assert.Len(t, third, 3)
}

func TestGetUnitsLockModes(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedPool(t, s, "main", 2)

	tx1 := begin(t, s)
	locked, err := tx1.SelectForUpdateSkipLocked(ctx, store.UnitFilter{PoolID: p.ID}, 1)
	require.NoError(t, err)
	require.Len(t, locked, 1)

	ids := []int64{locked[0].ID + 1, locked[0].ID}
	tx2 := begin(t, s)

	plain, err := tx2.GetUnits(ctx, ids, store.NoLock)
	require.NoError(t, err)
	require.Len(t, plain, 2)
	assert.Less(t, plain[0].ID, plain[1].ID)

	skipped, err := tx2.GetUnits(ctx, ids, store.LockSkip)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, locked[0].ID+1, skipped[0].ID)

	_, err = tx2.GetUnits(ctx, ids, store.LockWait)
	assert.ErrorIs(t, err, domain.ErrSerializationConflict)

	_, err = tx2.GetUnits(ctx, []int64{9999}, store.NoLock)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateUnitsChecksVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedPool(t, s, "main", 1)

	tx := begin(t, s)
	units, err := tx.SelectForUpdateSkipLocked(ctx, store.UnitFilter{PoolID: p.ID}, 1)
	require.NoError(t, err)
	u := units[0]

	held := u
	held.Hold("alice", "r1", t0.Add(time.Minute))
	require.NoError(t, tx.UpdateUnits(ctx, []domain.Unit{held}))

	err = tx.UpdateUnits(ctx, []domain.Unit{held})
	assert.ErrorIs(t, err, domain.ErrSerializationConflict, "version already bumped")

	require.NoError(t, tx.Commit(ctx))

	check := begin(t, s)
	got, err := check.GetUnits(ctx, []int64{u.ID}, store.NoLock)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusHeld, got[0].Status)
	assert.Equal(t, u.Version+1, got[0].Version)
}

func TestUpdateUnitsRequiresLock(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedPool(t, s, "main", 1)

	tx := begin(t, s)
	units, err := tx.GetUnits(ctx, []int64{1}, store.NoLock)
	require.NoError(t, err)
	require.Equal(t, p.ID, units[0].PoolID)

	assert.Error(t, tx.UpdateUnits(ctx, units))
}

func TestReservationLocking(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedPool(t, s, "main", 1)

	r := domain.Reservation{
		ID: uuid.NewString(), PoolID: p.ID, HolderID: "alice", UnitIDs: []int64{1},
		Requested: 1, Status: domain.ReservationStatusActive, CreatedAt: t0, ExpiresAt: t0.Add(time.Minute), UpdatedAt: t0,
	}
	setup := begin(t, s)
	require.NoError(t, setup.CreateReservation(ctx, r))
	require.NoError(t, setup.Commit(ctx))

	tx1 := begin(t, s)
	_, err := tx1.GetReservation(ctx, r.ID, store.LockWait)
	require.NoError(t, err)

	tx2 := begin(t, s)
	_, err = tx2.GetReservation(ctx, r.ID, store.LockSkip)
	assert.ErrorIs(t, err, store.ErrLocked)
	_, err = tx2.GetReservation(ctx, r.ID, store.LockWait)
	assert.ErrorIs(t, err, domain.ErrSerializationConflict)
	got, err := tx2.GetReservation(ctx, r.ID, store.NoLock)
	require.NoError(t, err)
	assert.Equal(t, r.UnitIDs, got.UnitIDs)

	require.NoError(t, tx1.UpdateReservationStatus(ctx, r.ID, domain.ReservationStatusConfirmed, t0.Add(time.Second)))
	require.NoError(t, tx1.Commit(ctx))

	got, err = tx2.GetReservation(ctx, r.ID, store.LockSkip)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusConfirmed, got.Status)

	_, err = tx2.GetReservation(ctx, uuid.NewString(), store.NoLock)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestIdempotencyKeyUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedPool(t, s, "main", 2)

	newRes := func() domain.Reservation {
		return domain.Reservation{
			ID: uuid.NewString(), PoolID: p.ID, HolderID: "alice", Requested: 1,
			Status: domain.ReservationStatusActive, IdempotencyKey: "k1", CreatedAt: t0, ExpiresAt: t0.Add(time.Minute),
		}
	}

	tx1 := begin(t, s)
	tx2 := begin(t, s)
	first := newRes()
	require.NoError(t, tx1.CreateReservation(ctx, first))
	require.NoError(t, tx2.CreateReservation(ctx, newRes()))

	require.NoError(t, tx1.Commit(ctx))
	assert.ErrorIs(t, tx2.Commit(ctx), domain.ErrSerializationConflict)

	tx3 := begin(t, s)
	found, err := tx3.FindReservationByIdempotencyKey(ctx, p.ID, "alice", "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	none, err := tx3.FindReservationByIdempotencyKey(ctx, p.ID, "bob", "k1")
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.ErrorIs(t, tx3.CreateReservation(ctx, newRes()), domain.ErrSerializationConflict)
}

func TestLapsedFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedPool(t, s, "main", 3)

	tx := begin(t, s)
	units, err := tx.SelectForUpdateSkipLocked(ctx, store.UnitFilter{PoolID: p.ID}, 3)
	require.NoError(t, err)
	units[0].Hold("a", "r1", t0)
	units[1].Hold("b", "r2", t0.Add(time.Minute))
	require.NoError(t, tx.UpdateUnits(ctx, units[:2]))
	require.NoError(t, tx.Commit(ctx))

	sweep := begin(t, s)
	lapsed, err := sweep.SelectForUpdateSkipLocked(ctx, store.UnitFilter{PoolID: p.ID, Status: domain.UnitStatusHeld, LapsedAt: t0}, 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, "r1", lapsed[0].ReservationID)
}

func TestFinishedTransactionRejectsUse(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx := begin(t, s)
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, tx.Rollback(ctx))
	_, err := tx.ListPools(ctx)
	assert.Error(t, err)
	assert.Error(t, tx.Commit(ctx))
}
