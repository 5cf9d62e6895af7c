package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/con2/emticketen/internal/clock"
	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReclaimInterval = 5 * time.Second
	defaultBatchSize       = 500
	defaultParallelism     = 4
)

// Reclaimer returns lapsed and released holds to their pool.
//
// Sweeps only take skip-locked row locks. Units or reservations another
// transaction is working on are left for a later sweep.
type Reclaimer struct {
	ctl         *Controller
	clock       clock.Clock
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	parallelism int
}

func NewReclaimer(ctl *Controller, clk clock.Clock, opts ...ReclaimerOption) *Reclaimer {
	r := &Reclaimer{
		ctl:         ctl,
		clock:       clk,
		logger:      slog.Default(),
		interval:    defaultReclaimInterval,
		batchSize:   defaultBatchSize,
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type ReclaimerOption func(*Reclaimer)

func WithReclaimInterval(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize bounds the number of lapsed units one transaction handles.
func WithBatchSize(n int) ReclaimerOption {
	return func(r *Reclaimer) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithParallelism bounds how many pools a sweep processes at once.
func WithParallelism(n int) ReclaimerOption {
	return func(r *Reclaimer) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

func WithReclaimerLogger(l *slog.Logger) ReclaimerOption {
	return func(r *Reclaimer) {
		if l != nil {
			r.logger = l
		}
	}
}

// SweepResult describes one reclaim batch.
type SweepResult struct {
	// Scanned is the number of lapsed units selected.
	Scanned int
	// Reclaimed is the number of units returned to available.
	Reclaimed int
	// Expired is the number of reservations moved to expired.
	Expired int
}

// Reclaim sweeps the pool in batches, one transaction each, and returns the
// number of units made available.
func (r *Reclaimer) Reclaim(ctx context.Context, poolID string) (int, error) {
	if err := validateID("pool", poolID); err != nil {
		return 0, err
	}

	total := 0
	for first := true; ; first = false {
		var res SweepResult
		err := r.ctl.Run(ctx, "reclaim", func(ctx context.Context, tx store.Tx) error {
			if first {
				if _, err := tx.GetPool(ctx, poolID); err != nil {
					return err
				}
			}
			var err error
			res, err = r.ReclaimTx(ctx, tx, poolID, r.clock.Now())
			return err
		})
		if err != nil {
			return total, err
		}
		total += res.Reclaimed
		if res.Scanned < r.batchSize || res.Reclaimed == 0 {
			return total, nil
		}
	}
}

// ReclaimBatch runs a single sweep batch for the pool.
func (r *Reclaimer) ReclaimBatch(ctx context.Context, poolID string) (int, error) {
	var res SweepResult
	err := r.ctl.Run(ctx, "reclaim batch", func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = r.ReclaimTx(ctx, tx, poolID, r.clock.Now())
		return err
	})
	return res.Reclaimed, err
}

// ReclaimTx frees up to one batch of units whose hold lapsed at or before now.
// Units of a reservation that is locked elsewhere or already confirmed are
// skipped. A reservation is marked expired once none of its units are held.
func (r *Reclaimer) ReclaimTx(ctx context.Context, tx store.Tx, poolID string, now time.Time) (SweepResult, error) {
	lapsed, err := tx.SelectForUpdateSkipLocked(ctx, store.UnitFilter{
		PoolID:   poolID,
		Status:   domain.UnitStatusHeld,
		LapsedAt: now,
	}, r.batchSize)
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Scanned: len(lapsed)}
	seen := make(map[string]bool)
	for _, u := range lapsed {
		if u.ReservationID == "" || seen[u.ReservationID] {
			continue
		}
		seen[u.ReservationID] = true

		rsv, err := tx.GetReservation(ctx, u.ReservationID, store.LockSkip)
		if errors.Is(err, store.ErrLocked) {
			continue
		}
		if err != nil {
			return res, err
		}
		if rsv.Status == domain.ReservationStatusConfirmed {
			continue
		}

		units, err := tx.GetUnits(ctx, rsv.UnitIDs, store.LockSkip)
		if err != nil {
			return res, err
		}
		freed, err := freeUnits(ctx, tx, rsv, units)
		if err != nil {
			return res, err
		}
		res.Reclaimed += freed

		// Units still locked by others may yet be held by this reservation.
		if len(units) < len(rsv.UnitIDs) || rsv.Status != domain.ReservationStatusActive {
			continue
		}
		if err := tx.UpdateReservationStatus(ctx, rsv.ID, domain.ReservationStatusExpired, now); err != nil {
			return res, err
		}
		res.Expired++
	}
	return res, nil
}

// Release gives the reservation's units back immediately.
func (r *Reclaimer) Release(ctx context.Context, reservationID, holderID string) error {
	if err := validateHolder(reservationID, holderID); err != nil {
		return err
	}
	return r.ctl.Run(ctx, "release", func(ctx context.Context, tx store.Tx) error {
		rsv, err := lockOwnedReservation(ctx, tx, reservationID, holderID)
		if err != nil {
			return err
		}
		units, err := tx.GetUnits(ctx, rsv.UnitIDs, store.LockWait)
		if err != nil {
			return err
		}
		return releaseReservation(ctx, tx, rsv, units, domain.ReservationStatusReleased, r.clock.Now())
	})
}

// Run sweeps every pool each interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reclaimer started", "interval", r.interval, "batch_size", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reclaimer stopped")
			return nil
		case <-ticker.C:
			if _, err := r.SweepAll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reclaim sweep failed", "err", err)
			}
		}
	}
}

// SweepAll reclaims every pool, a bounded number at a time. It returns the
// total number of units made available and the first error encountered.
func (r *Reclaimer) SweepAll(ctx context.Context) (int, error) {
	var pools []domain.Pool
	err := r.ctl.View(ctx, "list pools", func(ctx context.Context, tx store.Tx) error {
		var err error
		pools, err = tx.ListPools(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		g     errgroup.Group
		total atomic.Int64
	)
	g.SetLimit(r.parallelism)
	for _, p := range pools {
		g.Go(func() error {
			n, err := r.Reclaim(ctx, p.ID)
			total.Add(int64(n))
			if err != nil {
				return fmt.Errorf("pool %s: %w", p.ID, err)
			}
			if n > 0 {
				r.logger.Info("reclaimed lapsed holds", "pool_id", p.ID, "pool", p.Name, "units", n)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(total.Load()), err
}

// freeUnits makes available every unit in units still held by rsv.
func freeUnits(ctx context.Context, tx store.Tx, rsv domain.Reservation, units []domain.Unit) (int, error) {
	var freed []domain.Unit
	for _, u := range units {
		if u.Status != domain.UnitStatusHeld || u.ReservationID != rsv.ID {
			continue
		}
		u.Free()
		freed = append(freed, u)
	}
	if err := tx.UpdateUnits(ctx, freed); err != nil {
		return 0, err
	}
	return len(freed), nil
}

// releaseReservation frees the reservation's held units and moves it to
// status. units must cover every unit of the reservation.
func releaseReservation(ctx context.Context, tx store.Tx, rsv domain.Reservation, units []domain.Unit, status domain.ReservationStatus, now time.Time) error {
	if _, err := freeUnits(ctx, tx, rsv, units); err != nil {
		return err
	}
	return tx.UpdateReservationStatus(ctx, rsv.ID, status, now)
}
