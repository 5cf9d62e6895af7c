package app

import (
	"context"
	"fmt"

	"github.com/con2/emticketen/internal/clock"
	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
)

// PoolService provisions pools and answers read-only queries about pools and
// reservations.
type PoolService struct {
	ctl   *Controller
	clock clock.Clock
}

func NewPoolService(ctl *Controller, clk clock.Clock) *PoolService {
	return &PoolService{
		ctl:   ctl,
		clock: clk,
	}
}

type ProvisionInput struct {
	Name     string
	Capacity int
}

// Provision creates a pool with one available unit per unit of capacity.
// Provisioning an existing name returns that pool with created == false, as
// long as the capacity matches.
func (s *PoolService) Provision(ctx context.Context, in ProvisionInput) (pool domain.Pool, created bool, err error) {
	if in.Name == "" {
		return domain.Pool{}, false, fmt.Errorf("%w: pool name is required", domain.ErrInvalidRequest)
	}
	if in.Capacity < 1 {
		return domain.Pool{}, false, fmt.Errorf("%w: capacity must be at least 1", domain.ErrInvalidRequest)
	}

	err = s.ctl.Run(ctx, "provision pool", func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.FindPoolByName(ctx, in.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Capacity != in.Capacity {
				return fmt.Errorf("pool %q has capacity %d: %w", in.Name, existing.Capacity, domain.ErrCapacityMismatch)
			}
			pool, created = *existing, false
			return nil
		}

		p := domain.Pool{
			ID:        newUUID(),
			Name:      in.Name,
			Capacity:  in.Capacity,
			CreatedAt: s.clock.Now(),
		}
		if err := tx.CreatePool(ctx, p); err != nil {
			return err
		}
		pool, created = p, true
		return nil
	})
	if err != nil {
		return domain.Pool{}, false, err
	}
	return pool, created, nil
}

// PoolStatus is a point-in-time view of a pool.
type PoolStatus struct {
	Pool   domain.Pool
	Counts domain.PoolCounts
	// Claimable reports whether a claim for one unit could succeed right now.
	Claimable bool
}

func (s *PoolService) Status(ctx context.Context, poolID string) (PoolStatus, error) {
	if err := validateID("pool", poolID); err != nil {
		return PoolStatus{}, err
	}
	var st PoolStatus
	err := s.ctl.View(ctx, "pool status", func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPool(ctx, poolID)
		if err != nil {
			return err
		}
		st, err = poolStatus(ctx, tx, p)
		return err
	})
	return st, err
}

func (s *PoolService) List(ctx context.Context) ([]PoolStatus, error) {
	var out []PoolStatus
	err := s.ctl.View(ctx, "list pools", func(ctx context.Context, tx store.Tx) error {
		pools, err := tx.ListPools(ctx)
		if err != nil {
			return err
		}
		out = make([]PoolStatus, 0, len(pools))
		for _, p := range pools {
			st, err := poolStatus(ctx, tx, p)
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Counts returns the unit totals of a pool by status.
func (s *PoolService) Counts(ctx context.Context, poolID string) (domain.PoolCounts, error) {
	if err := validateID("pool", poolID); err != nil {
		return domain.PoolCounts{}, err
	}
	var counts domain.PoolCounts
	err := s.ctl.View(ctx, "count units", func(ctx context.Context, tx store.Tx) error {
		var err error
		counts, err = tx.CountUnits(ctx, poolID)
		return err
	})
	return counts, err
}

// Available reports whether at least one unit of the pool can be claimed now.
// Units locked by in-flight claims do not count.
func (s *PoolService) Available(ctx context.Context, poolID string) (bool, error) {
	if err := validateID("pool", poolID); err != nil {
		return false, err
	}
	var ok bool
	err := s.ctl.View(ctx, "probe availability", func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetPool(ctx, poolID); err != nil {
			return err
		}
		var err error
		ok, err = probe(ctx, tx, poolID)
		return err
	})
	return ok, err
}

func (s *PoolService) Reservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	if err := validateID("reservation", reservationID); err != nil {
		return domain.Reservation{}, err
	}
	var r domain.Reservation
	err := s.ctl.View(ctx, "get reservation", func(ctx context.Context, tx store.Tx) error {
		var err error
		r, err = tx.GetReservation(ctx, reservationID, store.NoLock)
		return err
	})
	return r, err
}

func poolStatus(ctx context.Context, tx store.Tx, p domain.Pool) (PoolStatus, error) {
	counts, err := tx.CountUnits(ctx, p.ID)
	if err != nil {
		return PoolStatus{}, err
	}
	ok, err := probe(ctx, tx, p.ID)
	if err != nil {
		return PoolStatus{}, err
	}
	return PoolStatus{Pool: p, Counts: counts, Claimable: ok}, nil
}

func probe(ctx context.Context, tx store.Tx, poolID string) (bool, error) {
	units, err := tx.SelectForUpdateSkipLocked(ctx, store.UnitFilter{
		PoolID: poolID,
		Status: domain.UnitStatusAvailable,
	}, 1)
	if err != nil {
		return false, err
	}
	return len(units) > 0, nil
}
