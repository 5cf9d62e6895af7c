package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/con2/emticketen/internal/clock"
	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/storage/memory"
)

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store     *memory.Store
	clock     *clock.Fake
	ctl       *Controller
	pools     *PoolService
	claimer   *Claimer
	finalizer *Finalizer
	reclaimer *Reclaimer
}

func newHarness(t *testing.T, opts ...ClaimerOption) *harness {
	t.Helper()

	st := memory.New()
	clk := clock.NewFake(testNow)
	logger := discardLogger()
	ctl := NewController(st, ControllerConfig{
		MaxAttempts: 20,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, logger)

	reclaimer := NewReclaimer(ctl, clk, WithReclaimerLogger(logger))
	opts = append([]ClaimerOption{WithClaimerLogger(logger)}, opts...)
	return &harness{
		store:     st,
		clock:     clk,
		ctl:       ctl,
		pools:     NewPoolService(ctl, clk),
		claimer:   NewClaimer(ctl, clk, opts...),
		finalizer: NewFinalizer(ctl, clk),
		reclaimer: reclaimer,
	}
}

func (h *harness) provision(t *testing.T, name string, capacity int) domain.Pool {
	t.Helper()
	p, _, err := h.pools.Provision(context.Background(), ProvisionInput{Name: name, Capacity: capacity})
	if err != nil {
		t.Fatalf("provision %s: %v", name, err)
	}
	return p
}

func (h *harness) claim(t *testing.T, poolID, holderID string, quantity int, ttl time.Duration) domain.Reservation {
	t.Helper()
	r, err := h.claimer.Claim(context.Background(), ClaimInput{
		PoolID:   poolID,
		Quantity: quantity,
		HolderID: holderID,
		HoldTTL:  ttl,
	})
	if err != nil {
		t.Fatalf("claim %d for %s: %v", quantity, holderID, err)
	}
	return r
}

func (h *harness) counts(t *testing.T, poolID string) domain.PoolCounts {
	t.Helper()
	c, err := h.pools.Counts(context.Background(), poolID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if !c.Balanced() {
		t.Fatalf("accounting invariant broken: %+v", c)
	}
	return c
}

func (h *harness) reservation(t *testing.T, id string) domain.Reservation {
	t.Helper()
	r, err := h.pools.Reservation(context.Background(), id)
	if err != nil {
		t.Fatalf("get reservation %s: %v", id, err)
	}
	return r
}

func expectCounts(t *testing.T, got domain.PoolCounts, available, held, sold int) {
	t.Helper()
	if got.Available != available || got.Held != held || got.Sold != sold {
		t.Fatalf("expected available/held/sold %d/%d/%d, got %d/%d/%d",
			available, held, sold, got.Available, got.Held, got.Sold)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
