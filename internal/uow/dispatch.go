package uow

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// Dispatch is the unit of work of one command or event invocation. Its
// session is opened on first use and closed exactly once by Finalize.
type Dispatch struct {
	id   uint64
	name string
	ctx  context.Context
	reg  *Registry

	mu         sync.Mutex
	allowed    bool
	finalized  bool
	touched    bool
	tx         *gorm.DB
	onFinalize []func()
}

// ID is the dispatch's position in the registry's counter
func (d *Dispatch) ID() uint64 { return d.id }

// Name is the command or event the dispatch was started for
func (d *Dispatch) Name() string { return d.name }

// Context returns the context the dispatch was started with
func (d *Dispatch) Context() context.Context { return d.ctx }

// Allow permits session use. It has no effect once finalized.
func (d *Dispatch) Allow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.finalized {
		d.allowed = true
	}
}

// Touched reports whether a session was ever opened
func (d *Dispatch) Touched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.touched
}

// Session returns the dispatch's transaction, opening it on the first call.
func (d *Dispatch) Session() (*gorm.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.allowed || d.finalized {
		return nil, ErrIllegalSessionUse
	}
	if d.tx != nil {
		return d.tx, nil
	}

	tx, err := d.reg.open(d.ctx, d.id)
	if err != nil {
		return nil, err
	}
	d.tx = tx
	d.touched = true
	return tx, nil
}

// OnFinalize registers fn to run after the session is committed or rolled
// back. Callbacks run in registration order, also for untouched dispatches.
// Registering after Finalize runs fn immediately.
func (d *Dispatch) OnFinalize(fn func()) {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		fn()
		return
	}
	d.onFinalize = append(d.onFinalize, fn)
	d.mu.Unlock()
}

// Finalize ends the unit of work. An untouched dispatch does no store I/O;
// otherwise success commits and failure rolls back. Later calls are no-ops.
func (d *Dispatch) Finalize(success bool) error {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		return nil
	}
	d.finalized = true
	d.allowed = false
	tx := d.tx
	d.tx = nil
	callbacks := d.onFinalize
	d.onFinalize = nil
	d.mu.Unlock()

	var err error
	if tx != nil {
		err = d.reg.close(d.id, tx, success)
	}

	for _, fn := range callbacks {
		fn()
	}
	return err
}
