// Package submit turns a function which yields job descriptors into a
// function which dispatches them. The wrapped function runs on its own
// goroutine and is suspended at each yield until the dispatch finished.
package submit

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/hashicorp/go-multierror"
	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
)

// Yield hands a descriptor to the driver and waits for the dispatch
// result. Dispatch errors are returned here.
type Yield func(d *job.Descriptor) (*compute.Result, error)

// Func is a function which submits jobs by calling yield.
type Func[T any] func(ctx context.Context, yield Yield) (T, error)

// Hooks are called by the driver around each dispatch.
type Hooks struct {
	BeforeDispatch func(d *job.Descriptor)
	AfterDispatch  func(d *job.Descriptor, res *compute.Result, err error)
}

// Decorator binds a Submitter to functions which yield descriptors.
type Decorator struct {
	Submitter compute.Submitter
	// Blocking, when not nil, overrides the blocking flag of every descriptor.
	Blocking *bool
	Hooks    Hooks
	Log      *logger.Logger

	closers []func() error
}

// New returns a Decorator for s.
func New(s compute.Submitter, log *logger.Logger) *Decorator {
	return &Decorator{Submitter: s, Log: log}
}

// ForceBlocking makes every dispatch wait for a terminal state.
func (dec *Decorator) ForceBlocking(b bool) *Decorator {
	dec.Blocking = &b
	return dec
}

// Close releases resources owned by the decorator, such as the backend
// and registry of the Local preset.
func (dec *Decorator) Close() error {
	var result error
	for i := len(dec.closers) - 1; i >= 0; i-- {
		if err := dec.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	dec.closers = nil
	return result
}

func (dec *Decorator) dispatch(ctx context.Context, d *job.Descriptor) (*compute.Result, error) {
	if d == nil {
		return nil, &job.InvalidResourceSpecError{Reason: "yielded a nil descriptor"}
	}
	if dec.Blocking != nil && d.Blocking() != *dec.Blocking {
		d = d.WithBlocking(*dec.Blocking)
	}
	if dec.Hooks.BeforeDispatch != nil {
		dec.Hooks.BeforeDispatch(d)
	}
	res, err := dec.Submitter.Dispatch(ctx, d)
	if dec.Hooks.AfterDispatch != nil {
		dec.Hooks.AfterDispatch(d, res, err)
	}
	if err != nil {
		dec.Log.Debug("dispatch failed", "name", d.Name(), "backend", dec.Submitter.Name(), "error", err)
	}
	return res, err
}

// Wrap returns fn bound to dec.
func Wrap[T any](dec *Decorator, fn Func[T]) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Drive(ctx, dec, fn)
	}
}

type request struct {
	d    *job.Descriptor
	resp chan response
}

type response struct {
	res *compute.Result
	err error
}

type outcome[T any] struct {
	val   T
	err   error
	panic interface{}
	stack []byte
}

// Drive runs fn on a new goroutine and serves its yields, in order, on the
// calling goroutine until fn returns. A panic in fn is re-raised here.
// Cancelling ctx makes pending and later yields return ctx.Err(); Drive
// still waits for fn to return.
func Drive[T any](ctx context.Context, dec *Decorator, fn Func[T]) (T, error) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reqs := make(chan request)
	done := make(chan outcome[T], 1)

	yield := func(d *job.Descriptor) (*compute.Result, error) {
		resp := make(chan response, 1)
		select {
		case reqs <- request{d, resp}:
		case <-fctx.Done():
			return nil, fctx.Err()
		}
		r := <-resp
		return r.res, r.err
	}

	go func() {
		var o outcome[T]
		defer func() {
			if p := recover(); p != nil {
				o.panic = p
				o.stack = debug.Stack()
			}
			done <- o
		}()
		o.val, o.err = fn(fctx, yield)
	}()

	for {
		select {
		case req := <-reqs:
			res, err := dec.dispatch(fctx, req.d)
			req.resp <- response{res, err}

		case o := <-done:
			if o.panic != nil {
				dec.Log.Error("submission function panicked", "panic", fmt.Sprint(o.panic), "stack", string(o.stack))
				panic(o.panic)
			}
			return o.val, o.err
		}
	}
}
