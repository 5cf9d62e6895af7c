// Package memory is an in-process implementation of store.Store.
//
// Rows carry an owner in a lock table; skip-locked reads step over rows owned
// by other transactions. Writes are buffered per transaction and become
// visible to others only on commit. The store never waits for a lock: where
// Postgres would block on FOR UPDATE, this store reports
// domain.ErrSerializationConflict and leaves the retry to the caller. That
// lets tests interleave several open transactions on one goroutine.
//
// Isolation levels are accepted and ignored; every transaction reads the
// latest committed data plus its own writes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
	"github.com/google/uuid"
)

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*Tx)(nil)
)

var errTxDone = errors.New("transaction already committed or rolled back")

type idemKey struct {
	poolID, holderID, key string
}

type Store struct {
	mu sync.Mutex

	pools        map[string]domain.Pool
	poolNames    map[string]string
	poolUnits    map[string][]int64
	units        map[int64]domain.Unit
	reservations map[string]domain.Reservation
	idempotency  map[idemKey]string

	unitLocks        map[int64]*Tx
	reservationLocks map[string]*Tx

	lastUnitID int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		pools:            make(map[string]domain.Pool),
		poolNames:        make(map[string]string),
		poolUnits:        make(map[string][]int64),
		units:            make(map[int64]domain.Unit),
		reservations:     make(map[string]domain.Reservation),
		idempotency:      make(map[idemKey]string),
		unitLocks:        make(map[int64]*Tx),
		reservationLocks: make(map[string]*Tx),
	}
}

func (s *Store) Begin(ctx context.Context, _ store.TxOptions) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{
		s:            s,
		id:           uuid.NewString(),
		pools:        make(map[string]domain.Pool),
		poolUnits:    make(map[string][]int64),
		units:        make(map[int64]domain.Unit),
		reservations: make(map[string]domain.Reservation),
	}, nil
}

// Tx is a memory store transaction.
type Tx struct {
	s    *Store
	id   string
	done bool

	pools        map[string]domain.Pool
	poolUnits    map[string][]int64
	units        map[int64]domain.Unit
	reservations map[string]domain.Reservation

	lockedUnits        []int64
	lockedReservations []string
}

// ID identifies the transaction in lock diagnostics.
func (t *Tx) ID() string { return t.id }

func (t *Tx) begin() error {
	t.s.mu.Lock()
	if t.done {
		t.s.mu.Unlock()
		return errTxDone
	}
	return nil
}

func (t *Tx) end() { t.s.mu.Unlock() }

func (t *Tx) pool(id string) (domain.Pool, bool) {
	if p, ok := t.pools[id]; ok {
		return p, true
	}
	p, ok := t.s.pools[id]
	return p, ok
}

func (t *Tx) unit(id int64) (domain.Unit, bool) {
	if u, ok := t.units[id]; ok {
		return u, true
	}
	u, ok := t.s.units[id]
	return u, ok
}

func (t *Tx) reservation(id string) (domain.Reservation, bool) {
	if r, ok := t.reservations[id]; ok {
		return r, true
	}
	r, ok := t.s.reservations[id]
	return r, ok
}

func (t *Tx) unitIDs(poolID string) []int64 {
	if ids, ok := t.poolUnits[poolID]; ok {
		return ids
	}
	return t.s.poolUnits[poolID]
}

// tryLockUnit reports false when another transaction owns the row.
func (t *Tx) tryLockUnit(id int64) bool {
	owner, ok := t.s.unitLocks[id]
	if ok {
		return owner == t
	}
	t.s.unitLocks[id] = t
	t.lockedUnits = append(t.lockedUnits, id)
	return true
}

func (t *Tx) tryLockReservation(id string) bool {
	owner, ok := t.s.reservationLocks[id]
	if ok {
		return owner == t
	}
	t.s.reservationLocks[id] = t
	t.lockedReservations = append(t.lockedReservations, id)
	return true
}

func (t *Tx) CreatePool(_ context.Context, p domain.Pool) error {
	if err := t.begin(); err != nil {
		return err
	}
	defer t.end()

	if _, ok := t.pool(p.ID); ok {
		return fmt.Errorf("create pool %s: %w", p.ID, domain.ErrSerializationConflict)
	}
	ids := make([]int64, 0, p.Capacity)
	for i := 0; i < p.Capacity; i++ {
		t.s.lastUnitID++
		u := domain.Unit{
			ID:     t.s.lastUnitID,
			PoolID: p.ID,
			Status: domain.UnitStatusAvailable,
		}
		t.units[u.ID] = u
		ids = append(ids, u.ID)
	}
	t.pools[p.ID] = p
	t.poolUnits[p.ID] = ids
	return nil
}

func (t *Tx) GetPool(_ context.Context, id string) (domain.Pool, error) {
	if err := t.begin(); err != nil {
		return domain.Pool{}, err
	}
	defer t.end()

	p, ok := t.pool(id)
	if !ok {
		return domain.Pool{}, domain.ErrPoolNotFound
	}
	return p, nil
}

func (t *Tx) FindPoolByName(_ context.Context, name string) (*domain.Pool, error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer t.end()

	for _, p := range t.pools {
		if p.Name == name {
			return &p, nil
		}
	}
	if id, ok := t.s.poolNames[name]; ok {
		p := t.s.pools[id]
		return &p, nil
	}
	return nil, nil
}

func (t *Tx) ListPools(_ context.Context) ([]domain.Pool, error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer t.end()

	pools := make([]domain.Pool, 0, len(t.s.pools)+len(t.pools))
	for _, p := range t.s.pools {
		pools = append(pools, p)
	}
	for _, p := range t.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool {
		if !pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].CreatedAt.Before(pools[j].CreatedAt)
		}
		return pools[i].Name < pools[j].Name
	})
	return pools, nil
}

func (t *Tx) CountUnits(_ context.Context, poolID string) (domain.PoolCounts, error) {
	if err := t.begin(); err != nil {
		return domain.PoolCounts{}, err
	}
	defer t.end()

	p, ok := t.pool(poolID)
	if !ok {
		return domain.PoolCounts{}, domain.ErrPoolNotFound
	}
	counts := domain.PoolCounts{PoolID: p.ID, Capacity: p.Capacity}
	for _, id := range t.unitIDs(poolID) {
		u, _ := t.unit(id)
		switch u.Status {
		case domain.UnitStatusAvailable:
			counts.Available++
		case domain.UnitStatusHeld:
			counts.Held++
		case domain.UnitStatusSold:
			counts.Sold++
		}
	}
	return counts, nil
}

func (t *Tx) SelectForUpdateSkipLocked(_ context.Context, f store.UnitFilter, limit int) ([]domain.Unit, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer t.end()

	var out []domain.Unit
	for _, id := range t.unitIDs(f.PoolID) {
		u, _ := t.unit(id)
		if !f.Match(u) {
			continue
		}
		if !t.tryLockUnit(id) {
			continue
		}
		out = append(out, u)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *Tx) GetUnits(_ context.Context, ids []int64, mode store.LockMode) ([]domain.Unit, error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer t.end()

	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]domain.Unit, 0, len(sorted))
	for _, id := range sorted {
		u, ok := t.unit(id)
		if !ok {
			return nil, fmt.Errorf("unit %d: %w", id, domain.ErrNotFound)
		}
		switch mode {
		case store.LockWait:
			if !t.tryLockUnit(id) {
				return nil, fmt.Errorf("lock unit %d: %w", id, domain.ErrSerializationConflict)
			}
		case store.LockSkip:
			if !t.tryLockUnit(id) {
				continue
			}
		}
		out = append(out, u)
	}
	return out, nil
}

func (t *Tx) UpdateUnits(_ context.Context, units []domain.Unit) error {
	if err := t.begin(); err != nil {
		return err
	}
	defer t.end()

	for _, u := range units {
		if t.s.unitLocks[u.ID] != t {
			return fmt.Errorf("update unit %d: not locked by this transaction", u.ID)
		}
		current, ok := t.unit(u.ID)
		if !ok {
			return fmt.Errorf("unit %d: %w", u.ID, domain.ErrNotFound)
		}
		if current.Version != u.Version {
			return fmt.Errorf("update unit %d: stale version %d: %w", u.ID, u.Version, domain.ErrSerializationConflict)
		}
		u.PoolID = current.PoolID
		u.Version++
		t.units[u.ID] = u
	}
	return nil
}

func (t *Tx) CreateReservation(_ context.Context, r domain.Reservation) error {
	if err := t.begin(); err != nil {
		return err
	}
	defer t.end()

	if _, ok := t.reservation(r.ID); ok {
		return fmt.Errorf("create reservation %s: %w", r.ID, domain.ErrSerializationConflict)
	}
	if r.IdempotencyKey != "" {
		if _, ok := t.s.idempotency[idemKey{r.PoolID, r.HolderID, r.IdempotencyKey}]; ok {
			return fmt.Errorf("create reservation: duplicate idempotency key: %w", domain.ErrSerializationConflict)
		}
	}
	r.UnitIDs = append([]int64(nil), r.UnitIDs...)
	t.reservations[r.ID] = r
	t.tryLockReservation(r.ID)
	return nil
}

func (t *Tx) GetReservation(_ context.Context, id string, mode store.LockMode) (domain.Reservation, error) {
	if err := t.begin(); err != nil {
		return domain.Reservation{}, err
	}
	defer t.end()

	r, ok := t.reservation(id)
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	switch mode {
	case store.LockWait:
		if !t.tryLockReservation(id) {
			return domain.Reservation{}, fmt.Errorf("lock reservation %s: %w", id, domain.ErrSerializationConflict)
		}
	case store.LockSkip:
		if !t.tryLockReservation(id) {
			return domain.Reservation{}, store.ErrLocked
		}
	}
	r.UnitIDs = append([]int64(nil), r.UnitIDs...)
	return r, nil
}

func (t *Tx) FindReservationByIdempotencyKey(_ context.Context, poolID, holderID, key string) (*domain.Reservation, error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer t.end()

	for _, r := range t.reservations {
		if r.PoolID == poolID && r.HolderID == holderID && r.IdempotencyKey == key {
			r.UnitIDs = append([]int64(nil), r.UnitIDs...)
			return &r, nil
		}
	}
	id, ok := t.s.idempotency[idemKey{poolID, holderID, key}]
	if !ok {
		return nil, nil
	}
	r := t.s.reservations[id]
	r.UnitIDs = append([]int64(nil), r.UnitIDs...)
	return &r, nil
}

func (t *Tx) UpdateReservationStatus(_ context.Context, id string, status domain.ReservationStatus, at time.Time) error {
	if err := t.begin(); err != nil {
		return err
	}
	defer t.end()

	r, ok := t.reservation(id)
	if !ok {
		return domain.ErrReservationNotFound
	}
	if t.s.reservationLocks[id] != t {
		return fmt.Errorf("update reservation %s: not locked by this transaction", id)
	}
	r.Status = status
	r.UpdatedAt = at
	t.reservations[id] = r
	return nil
}

func (t *Tx) Commit(_ context.Context) error {
	if err := t.begin(); err != nil {
		return err
	}
	defer t.end()
	defer t.release()

	for id, p := range t.pools {
		if _, taken := t.s.poolNames[p.Name]; taken {
			return fmt.Errorf("commit pool %s: duplicate name %q: %w", id, p.Name, domain.ErrSerializationConflict)
		}
	}
	for id, r := range t.reservations {
		if r.IdempotencyKey == "" {
			continue
		}
		if owner, taken := t.s.idempotency[idemKey{r.PoolID, r.HolderID, r.IdempotencyKey}]; taken && owner != id {
			return fmt.Errorf("commit reservation %s: duplicate idempotency key: %w", id, domain.ErrSerializationConflict)
		}
	}

	for id, p := range t.pools {
		t.s.pools[id] = p
		t.s.poolNames[p.Name] = id
	}
	for id, ids := range t.poolUnits {
		t.s.poolUnits[id] = ids
	}
	for id, u := range t.units {
		t.s.units[id] = u
	}
	for id, r := range t.reservations {
		t.s.reservations[id] = r
		if r.IdempotencyKey != "" {
			t.s.idempotency[idemKey{r.PoolID, r.HolderID, r.IdempotencyKey}] = id
		}
	}
	return nil
}

func (t *Tx) Rollback(_ context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return nil
	}
	t.release()
	return nil
}

// release drops every lock and marks the transaction finished. Caller holds
// the store mutex.
func (t *Tx) release() {
	for _, id := range t.lockedUnits {
		if t.s.unitLocks[id] == t {
			delete(t.s.unitLocks, id)
		}
	}
	for _, id := range t.lockedReservations {
		if t.s.reservationLocks[id] == t {
			delete(t.s.reservationLocks, id)
		}
	}
	t.lockedUnits = nil
	t.lockedReservations = nil
	t.done = true
}
