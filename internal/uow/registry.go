package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"infinite-experiment/warden/internal/logging"
	"infinite-experiment/warden/internal/metrics"

	"gorm.io/gorm"
)

// ErrIllegalSessionUse is returned when a session is requested outside the
// window in which its dispatch permits it.
var ErrIllegalSessionUse = errors.New("session used outside of an invocation")

// Registry hands out transactional sessions to dispatches and tracks the
// ones currently open. Dispatch ids come from a counter that only a restart
// resets.
type Registry struct {
	db      *gorm.DB
	metrics *metrics.MetricsRegistry

	counter atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*gorm.DB
}

// NewRegistry creates a session registry over db. m may be nil.
func NewRegistry(db *gorm.DB, m *metrics.MetricsRegistry) *Registry {
	return &Registry{
		db:       db,
		metrics:  m,
		sessions: make(map[uint64]*gorm.DB),
	}
}

// Begin starts a new dispatch. Session use stays forbidden until Allow.
func (r *Registry) Begin(ctx context.Context, name string) *Dispatch {
	return &Dispatch{
		id:   r.counter.Add(1),
		name: name,
		ctx:  ctx,
		reg:  r,
	}
}

// Len reports the number of sessions currently open
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run executes fn inside a dispatch and always finalizes it. A returned
// error or a panic rolls back; panics are re-raised afterwards.
func (r *Registry) Run(ctx context.Context, name string, fn func(d *Dispatch) error) error {
	d := r.Begin(ctx, name)
	d.Allow()

	defer func() {
		if p := recover(); p != nil {
			if err := d.Finalize(false); err != nil {
				logging.Error("Rollback after panic failed", "dispatch", d.id, "name", name, "error", err)
			}
			panic(p)
		}
	}()

	err := fn(d)
	if ferr := d.Finalize(err == nil); ferr != nil {
		if err != nil {
			return fmt.Errorf("%w (finalize: %v)", err, ferr)
		}
		return ferr
	}
	return err
}

// Scope runs fn in an eagerly opened session: commit on success, rollback on
// error or panic, released on every path.
func (r *Registry) Scope(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.Run(ctx, "scope", func(d *Dispatch) error {
		tx, err := d.Session()
		if err != nil {
			return err
		}
		return fn(tx)
	})
}

func (r *Registry) open(ctx context.Context, id uint64) (*gorm.DB, error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to open session: %w", tx.Error)
	}

	r.mu.Lock()
	r.sessions[id] = tx
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsOpenedTotal.Inc()
		r.metrics.SessionsOpen.Inc()
	}
	return tx, nil
}

func (r *Registry) close(id uint64, tx *gorm.DB, commit bool) error {
	var err error
	if commit {
		err = tx.Commit().Error
	} else {
		err = tx.Rollback().Error
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsOpen.Dec()
		if commit && err == nil {
			r.metrics.SessionsCommitted.Inc()
		} else {
			r.metrics.SessionsRolledBack.Inc()
		}
	}

	if err != nil {
		if commit {
			return fmt.Errorf("failed to commit session: %w", err)
		}
		return fmt.Errorf("failed to roll back session: %w", err)
	}
	return nil
}
