package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
	"github.com/sethvargo/go-retry"
)

// TxFunc is one attempt of a logical operation. It may run more than once.
type TxFunc func(ctx context.Context, tx store.Tx) error

type ControllerConfig struct {
	// MaxAttempts counts the first attempt. Zero means 5.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// OpTimeout bounds a whole operation including retries. Zero disables it.
	OpTimeout time.Duration
	Isolation store.Isolation
}

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 10 * time.Millisecond
	defaultMaxBackoff  = 500 * time.Millisecond
)

// Controller runs each logical operation in its own transaction and retries
// serialization conflicts with capped exponential backoff.
type Controller struct {
	store  store.Store
	cfg    ControllerConfig
	logger *slog.Logger
}

func NewController(st store.Store, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.BaseBackoff)
	}
	if cfg.Isolation == "" {
		cfg.Isolation = store.ReadCommitted
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, cfg: cfg, logger: logger}
}

// Run executes fn in a transaction and commits it when fn returns nil.
//
// Conflicts are retried until MaxAttempts is reached, after which the result
// wraps domain.ErrUnavailable. A failure to begin a transaction or an
// exceeded OpTimeout also yields domain.ErrUnavailable. Any other error is
// returned as is after rolling back.
func (c *Controller) Run(ctx context.Context, op string, fn TxFunc) error {
	return c.run(ctx, op, fn, true)
}

// View is Run for reads: the transaction is always rolled back. Row locks
// taken by fn are released on return.
func (c *Controller) View(ctx context.Context, op string, fn TxFunc) error {
	return c.run(ctx, op, fn, false)
}

func (c *Controller) run(ctx context.Context, op string, fn TxFunc, commit bool) error {
	opCtx := ctx
	if c.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()
	}

	backoff := retry.NewExponential(c.cfg.BaseBackoff)
	backoff = retry.WithCappedDuration(c.cfg.MaxBackoff, backoff)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), backoff)

	attempts := 0
	err := retry.Do(opCtx, backoff, func(ctx context.Context) error {
		attempts++
		err := c.attempt(ctx, fn, commit)
		if errors.Is(err, domain.ErrSerializationConflict) {
			c.logger.Debug("transaction conflict, retrying", "op", op, "attempt", attempts, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSerializationConflict):
		c.logger.Warn("transaction retries exhausted", "op", op, "attempts", attempts, "err", err)
		return fmt.Errorf("%s: %w after %d attempts: %w", op, domain.ErrUnavailable, attempts, err)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%s: %w: timed out after %s: %w", op, domain.ErrUnavailable, c.cfg.OpTimeout, err)
	}
	return err
}

func (c *Controller) attempt(ctx context.Context, fn TxFunc, commit bool) error {
	tx, err := c.store.Begin(ctx, store.TxOptions{Isolation: c.cfg.Isolation})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			c.logger.Debug("rollback failed", "err", rbErr)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	return tx.Commit(ctx)
}
