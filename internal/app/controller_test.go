package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
)

type scriptedStore struct {
	mu         sync.Mutex
	beginErr   error
	commitErrs []error
	opts       []store.TxOptions

	begins    int
	commits   int
	rollbacks int
}

func (s *scriptedStore) Begin(_ context.Context, opts store.TxOptions) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	s.opts = append(s.opts, opts)
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &scriptedTx{s: s}, nil
}

// scriptedTx only implements the transaction lifecycle; data methods panic.
type scriptedTx struct {
	store.Tx
	s         *scriptedStore
	committed bool
}

func (t *scriptedTx) Commit(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.committed = true
	if len(t.s.commitErrs) > 0 {
		err := t.s.commitErrs[0]
		t.s.commitErrs = t.s.commitErrs[1:]
		if err != nil {
			return err
		}
	}
	t.s.commits++
	return nil
}

func (t *scriptedTx) Rollback(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if !t.committed {
		t.s.rollbacks++
	}
	return nil
}

func newTestController(st store.Store, cfg ControllerConfig) *Controller {
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
		cfg.MaxBackoff = 2 * time.Millisecond
	}
	return NewController(st, cfg, discardLogger())
}

func TestController_Run(t *testing.T) {
	t.Parallel()

	t.Run("commits on success", func(t *testing.T) {
		st := &scriptedStore{}
		ctl := newTestController(st, ControllerConfig{Isolation: store.Serializable})

		if err := ctl.Run(context.Background(), "op", func(context.Context, store.Tx) error { return nil }); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if st.begins != 1 || st.commits != 1 || st.rollbacks != 0 {
			t.Fatalf("unexpected lifecycle: begins=%d commits=%d rollbacks=%d", st.begins, st.commits, st.rollbacks)
		}
		if st.opts[0].Isolation != store.Serializable {
			t.Fatalf("expected serializable isolation, got %q", st.opts[0].Isolation)
		}
	})

	t.Run("defaults to read committed", func(t *testing.T) {
		st := &scriptedStore{}
		ctl := newTestController(st, ControllerConfig{})

		_ = ctl.Run(context.Background(), "op", func(context.Context, store.Tx) error { return nil })
		if st.opts[0].Isolation != store.ReadCommitted {
			t.Fatalf("expected read committed, got %q", st.opts[0].Isolation)
		}
	})

	t.Run("propagates domain errors without retry", func(t *testing.T) {
		st := &scriptedStore{}
		ctl := newTestController(st, ControllerConfig{})

		calls := 0
		err := ctl.Run(context.Background(), "op", func(context.Context, store.Tx) error {
			calls++
			return domain.ErrInsufficientInventory
		})
		if !errors.Is(err, domain.ErrInsufficientInventory) {
			t.Fatalf("expected ErrInsufficientInventory, got %v", err)
		}
		if errors.Is(err, domain.ErrUnavailable) {
			t.Fatalf("domain error must not be reported as unavailable: %v", err)
		}
		if calls != 1 || st.commits != 0 || st.rollbacks != 1 {
			t.Fatalf("unexpected lifecycle: calls=%d commits=%d rollbacks=%d", calls, st.commits, st.rollbacks)
		}
	})

	t.Run("retries conflicts until success", func(t *testing.T) {
		st := &scriptedStore{}
		ctl := newTestController(st, ControllerConfig{MaxAttempts: 5})

		calls := 0
		err := ctl.Run(context.Background(), "op", func(context.Context, store.Tx) error {
			calls++
			if calls < 3 {
				return domain.ErrSerializationConflict
			}
			return nil
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if calls != 3 || st.begins != 3 || st.commits != 1 || st.rollbacks != 2 {
			t.Fatalf("unexpected lifecycle: calls=%d begins=%d commits=%d rollbacks=%d",
				calls, st.begins, st.commits, st.rollbacks)
		}
	})

	t.Run("retries conflicts reported by commit", func(t *testing.T) {
		st := &scriptedStore{commitErrs: []error{domain.ErrSerializationConflict}}
		ctl := newTestController(st, ControllerConfig{})

		if err := ctl.Run(context.Background(), "op", func(context.Context, store.Tx) error { return nil }); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if st.begins != 2 || st.commits != 1 {
			t.Fatalf("expected a second attempt, got begins=%d commits=%d", st.begins, st.commits)
		}
	})

	t.Run("exhausted retries become unavailable", func(t *testing.T) {
		st := &scriptedStore{}
		ctl := newTestController(st, ControllerConfig{MaxAttempts: 3})

		calls := 0
		err := ctl.Run(context.Background(), "op", func(context.Context, store.Tx) error {
			calls++
			return domain.ErrSerializationConflict
		})
		if !errors.Is(err, domain.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if !errors.Is(err, domain.ErrSerializationConflict) {
			t.Fatalf("expected conflict to stay in the chain, got %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 attempts, got %d", calls)
		}
	})

	t.Run("begin failure is unavailable", func(t *testing.T) {
		st := &scriptedStore{beginErr: errors.New("connection refused")}
		ctl := newTestController(st, ControllerConfig{})

		called := false
		err := ctl.Run(context.Background(), "op", func(context.Context, store.Tx) error {
			called = true
			return nil
		})
		if !errors.Is(err, domain.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if called {
			t.Fatalf("fn must not run without a transaction")
		}
	})

	t.Run("operation timeout is unavailable", func(t *testing.T) {
		st := &scriptedStore{}
		ctl := newTestController(st, ControllerConfig{OpTimeout: 20 * time.Millisecond})

		err := ctl.Run(context.Background(), "op", func(ctx context.Context, _ store.Tx) error {
			<-ctx.Done()
			return ctx.Err()
		})
		if !errors.Is(err, domain.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if st.commits != 0 || st.rollbacks != 1 {
			t.Fatalf("expected rollback only, got commits=%d rollbacks=%d", st.commits, st.rollbacks)
		}
	})

	t.Run("caller cancellation is returned as is", func(t *testing.T) {
		st := &scriptedStore{}
		ctl := newTestController(st, ControllerConfig{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := ctl.Run(ctx, "op", func(context.Context, store.Tx) error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if errors.Is(err, domain.ErrUnavailable) {
			t.Fatalf("cancellation must not be reported as unavailable: %v", err)
		}
	})
}

func TestController_ViewNeverCommits(t *testing.T) {
	t.Parallel()

	st := &scriptedStore{}
	ctl := newTestController(st, ControllerConfig{})

	if err := ctl.View(context.Background(), "read", func(context.Context, store.Tx) error { return nil }); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st.commits != 0 || st.rollbacks != 1 {
		t.Fatalf("expected rollback only, got commits=%d rollbacks=%d", st.commits, st.rollbacks)
	}
}
