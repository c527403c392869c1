package eventloop

import "sync"

// Future is a single-assignment result settled on a Loop. Callbacks never run
// inline: they are posted to the loop in registration order.
type Future[T any] struct {
	loop *Loop

	mu        sync.Mutex
	done      bool
	value     T
	err       error
	callbacks []func(T, error)
}

func NewFuture[T any](l *Loop) *Future[T] {
	return &Future[T]{loop: l}
}

func Resolved[T any](l *Loop, v T) *Future[T] {
	f := NewFuture[T](l)
	f.Complete(v, nil)
	return f
}

func Rejected[T any](l *Loop, err error) *Future[T] {
	f := NewFuture[T](l)
	var zero T
	f.Complete(zero, err)
	return f
}

// Complete settles the future. Only the first call has an effect; it reports
// whether this call was the one that settled it.
func (f *Future[T]) Complete(v T, err error) bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return false
	}
	f.done = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		f.loop.Post(func() { cb(v, err) })
	}
	return true
}

// OnComplete registers fn to run on the loop once the future settles.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.done {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	f.loop.Post(func() { fn(v, err) })
}

func (f *Future[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Result returns the settled value; ok is false while the future is pending.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.done
}

// Then sequences fn after f. Errors skip fn and pass straight through.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := NewFuture[U](f.loop)
	f.OnComplete(func(v T, err error) {
		if err != nil {
			var zero U
			out.Complete(zero, err)
			return
		}
		next := fn(v)
		if next == nil {
			var zero U
			out.Complete(zero, nil)
			return
		}
		next.OnComplete(func(u U, err error) { out.Complete(u, err) })
	})
	return out
}
