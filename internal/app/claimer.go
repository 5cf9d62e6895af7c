package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/con2/emticketen/internal/clock"
	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
)

const (
	defaultHoldTTL    = 15 * time.Minute
	defaultMaxHoldTTL = time.Hour
)

// Claimer reserves available units for a holder.
type Claimer struct {
	ctl          *Controller
	clock        clock.Clock
	reclaimer    *Reclaimer
	logger       *slog.Logger
	holdTTL      time.Duration
	maxHoldTTL   time.Duration
	allowPartial bool
}

func NewClaimer(ctl *Controller, clk clock.Clock, opts ...ClaimerOption) *Claimer {
	c := &Claimer{
		ctl:        ctl,
		clock:      clk,
		logger:     slog.Default(),
		holdTTL:    defaultHoldTTL,
		maxHoldTTL: defaultMaxHoldTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ClaimerOption func(*Claimer)

// WithHoldTTL overrides the TTL used when a claim does not specify one.
func WithHoldTTL(d time.Duration) ClaimerOption {
	return func(c *Claimer) {
		if d > 0 {
			c.holdTTL = d
		}
	}
}

// WithMaxHoldTTL caps the TTL a claim may request.
func WithMaxHoldTTL(d time.Duration) ClaimerOption {
	return func(c *Claimer) {
		if d > 0 {
			c.maxHoldTTL = d
		}
	}
}

// WithAllowPartial accepts fewer units than requested, as long as at least
// one was obtained.
func WithAllowPartial(allow bool) ClaimerOption {
	return func(c *Claimer) { c.allowPartial = allow }
}

// WithReclaimBeforeClaim runs one reclaim batch for the pool ahead of every
// claim.
func WithReclaimBeforeClaim(r *Reclaimer) ClaimerOption {
	return func(c *Claimer) { c.reclaimer = r }
}

func WithClaimerLogger(l *slog.Logger) ClaimerOption {
	return func(c *Claimer) {
		if l != nil {
			c.logger = l
		}
	}
}

type ClaimInput struct {
	PoolID   string
	Quantity int
	HolderID string
	// HoldTTL zero means the configured default.
	HoldTTL time.Duration
	// IdempotencyKey is optional. A repeated claim with the same pool, holder
	// and key returns the original reservation.
	IdempotencyKey string
}

func (c *Claimer) validate(in *ClaimInput) error {
	if in.HolderID == "" {
		return fmt.Errorf("%w: holder id is required", domain.ErrInvalidRequest)
	}
	if err := validateID("pool", in.PoolID); err != nil {
		return err
	}
	if in.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", domain.ErrInvalidRequest)
	}
	switch {
	case in.HoldTTL == 0:
		in.HoldTTL = c.holdTTL
	case in.HoldTTL < 0:
		return fmt.Errorf("%w: hold ttl must be positive", domain.ErrInvalidRequest)
	case in.HoldTTL > c.maxHoldTTL:
		return fmt.Errorf("%w: hold ttl exceeds %s", domain.ErrInvalidRequest, c.maxHoldTTL)
	}
	return nil
}

// Claim holds in.Quantity units of the pool for in.HolderID.
func (c *Claimer) Claim(ctx context.Context, in ClaimInput) (domain.Reservation, error) {
	if err := c.validate(&in); err != nil {
		return domain.Reservation{}, err
	}

	if c.reclaimer != nil {
		if n, err := c.reclaimer.ReclaimBatch(ctx, in.PoolID); err != nil {
			c.logger.Warn("reclaim before claim failed", "pool_id", in.PoolID, "err", err)
		} else if n > 0 {
			c.logger.Debug("reclaimed before claim", "pool_id", in.PoolID, "units", n)
		}
	}

	var result domain.Reservation
	err := c.ctl.Run(ctx, "claim", func(ctx context.Context, tx store.Tx) error {
		r, err := c.claimTx(ctx, tx, in)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return result, nil
}

// ClaimTx runs a claim inside a transaction owned by the caller. There is no
// retry and no reclaim beforehand.
func (c *Claimer) ClaimTx(ctx context.Context, tx store.Tx, in ClaimInput) (domain.Reservation, error) {
	if err := c.validate(&in); err != nil {
		return domain.Reservation{}, err
	}
	return c.claimTx(ctx, tx, in)
}

func (c *Claimer) claimTx(ctx context.Context, tx store.Tx, in ClaimInput) (domain.Reservation, error) {
	if in.IdempotencyKey != "" {
		existing, err := tx.FindReservationByIdempotencyKey(ctx, in.PoolID, in.HolderID, in.IdempotencyKey)
		if err != nil {
			return domain.Reservation{}, err
		}
		if existing != nil {
			if existing.Requested != in.Quantity {
				return domain.Reservation{}, domain.ErrIdempotencyConflict
			}
			return *existing, nil
		}
	}

	if _, err := tx.GetPool(ctx, in.PoolID); err != nil {
		return domain.Reservation{}, err
	}

	units, err := tx.SelectForUpdateSkipLocked(ctx, store.UnitFilter{
		PoolID: in.PoolID,
		Status: domain.UnitStatusAvailable,
	}, in.Quantity)
	if err != nil {
		return domain.Reservation{}, err
	}
	if len(units) == 0 || (len(units) < in.Quantity && !c.allowPartial) {
		return domain.Reservation{}, fmt.Errorf("%w: requested %d, obtained %d",
			domain.ErrInsufficientInventory, in.Quantity, len(units))
	}

	now := c.clock.Now()
	r := domain.Reservation{
		ID:             newUUID(),
		PoolID:         in.PoolID,
		HolderID:       in.HolderID,
		UnitIDs:        make([]int64, 0, len(units)),
		Requested:      in.Quantity,
		Status:         domain.ReservationStatusActive,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		ExpiresAt:      now.Add(in.HoldTTL),
		UpdatedAt:      now,
	}
	for i := range units {
		units[i].Hold(in.HolderID, r.ID, r.ExpiresAt)
		r.UnitIDs = append(r.UnitIDs, units[i].ID)
	}

	// Units reference the reservation, so it goes in first.
	if err := tx.CreateReservation(ctx, r); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.UpdateUnits(ctx, units); err != nil {
		return domain.Reservation{}, err
	}
	return r, nil
}
