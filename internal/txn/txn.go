// Package txn runs externally invoked operations as serialized atomic units.
//
// Every mutating operation executes inside Executor.Run. The executor holds a
// single lock for the duration of the unit, so operations observe a global
// order and never see each other's intermediate state. Participants record how
// to undo their writes (OnRollback) or enlist a transactional resource such as
// a database transaction (Enlist). If the unit returns an error, the journal is
// unwound in reverse order; otherwise enlisted resources commit and AfterCommit
// hooks run.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Resource is a transactional participant enlisted for one unit.
type Resource interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Journal records the effects of a single atomic unit.
type Journal struct {
	op        string
	undo      []func()
	resources []enlisted
	after     []func()
}

type enlisted struct {
	key any
	res Resource
}

type journalKey struct{}

// Executor serializes atomic units.
type Executor struct {
	mu sync.Mutex
}

// NewExecutor creates an executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Run executes fn as one atomic unit named op. A context that already carries
// a journal joins the outer unit instead of starting a new one.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	if _, ok := FromContext(ctx); ok {
		return fn(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	j := &Journal{op: op}
	ctx = context.WithValue(ctx, journalKey{}, j)

	defer func() {
		if r := recover(); r != nil {
			j.rollback(ctx)
			panic(r)
		}
	}()

	if err = fn(ctx); err != nil {
		j.rollback(ctx)
		return err
	}
	if err = j.commit(ctx); err != nil {
		return err
	}
	for _, hook := range j.after {
		hook()
	}
	return nil
}

// FromContext returns the journal of the unit ctx belongs to.
func FromContext(ctx context.Context) (*Journal, bool) {
	if ctx == nil {
		return nil, false
	}
	j, ok := ctx.Value(journalKey{}).(*Journal)
	return j, ok && j != nil
}

// OnRollback registers an undo step for the current unit. Outside a unit the
// write is already final and the call is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	if j, ok := FromContext(ctx); ok {
		j.undo = append(j.undo, undo)
	}
}

// AfterCommit registers fn to run once the current unit has committed. Outside
// a unit fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if j, ok := FromContext(ctx); ok {
		j.after = append(j.after, fn)
		return
	}
	fn()
}

// Enlist returns the resource registered under key for the current unit,
// calling begin to create it on first use. Outside a unit it returns
// (nil, false, nil) and the caller should operate without a transaction.
func Enlist(ctx context.Context, key any, begin func(ctx context.Context) (Resource, error)) (Resource, bool, error) {
	j, ok := FromContext(ctx)
	if !ok {
		return nil, false, nil
	}
	for _, e := range j.resources {
		if e.key == key {
			return e.res, true, nil
		}
	}
	res, err := begin(ctx)
	if err != nil {
		return nil, false, err
	}
	j.resources = append(j.resources, enlisted{key: key, res: res})
	return res, true, nil
}

// ErrCommit wraps failures while committing enlisted resources.
var ErrCommit = errors.New("txn: commit failed")

func (j *Journal) rollback(ctx context.Context) {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	for i := len(j.resources) - 1; i >= 0; i-- {
		if err := j.resources[i].res.Rollback(ctx); err != nil {
			slog.Error("rollback failed", "op", j.op, "err", err)
		}
	}
}

// commit finalizes enlisted resources. A failure on the first resource unwinds
// the in-memory journal as well, so the unit stays all-or-nothing.
func (j *Journal) commit(ctx context.Context) error {
	for i, e := range j.resources {
		if err := e.res.Commit(ctx); err != nil {
			if i == 0 {
				for k := len(j.undo) - 1; k >= 0; k-- {
					j.undo[k]()
				}
				for _, rest := range j.resources[1:] {
					_ = rest.res.Rollback(ctx)
				}
			} else {
				slog.Error("partial commit", "op", j.op, "resource", i, "err", err)
			}
			return fmt.Errorf("%w: %s: %v", ErrCommit, j.op, err)
		}
	}
	return nil
}
