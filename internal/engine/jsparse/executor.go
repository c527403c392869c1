package jsparse

import (
	"context"
	"sync"

	"modgraph/internal/core/errors"
	"modgraph/internal/engine/eventloop"
	"modgraph/internal/engine/module"
)

// Executor records the order module bodies ran in.
type Executor struct {
	mu  sync.Mutex
	ran []string
}

func NewExecutor() *Executor { return &Executor{} }

func (e *Executor) record(url string) {
	e.mu.Lock()
	e.ran = append(e.ran, url)
	e.mu.Unlock()
}

// Trace returns the URLs of executed bodies in execution order.
func (e *Executor) Trace() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

func (e *Executor) Reset() {
	e.mu.Lock()
	e.ran = nil
	e.mu.Unlock()
}

// body stands in for module code. A top-level throw statement makes it fail
// with the thrown expression's text; an async body settles on a later turn.
type body struct {
	url      string
	throw    string
	loop     *eventloop.Loop
	executor *Executor
}

func (b *body) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.CodeAborted, "evaluation aborted")
	}
	b.executor.record(b.url)
	return b.thrown()
}

func (b *body) ExecuteAsync(ctx context.Context, capability *module.Capability) {
	b.executor.record(b.url)
	b.loop.Post(func() {
		if err := ctx.Err(); err != nil {
			capability.Reject(errors.Wrap(err, errors.CodeAborted, "evaluation aborted"))
			return
		}
		if err := b.thrown(); err != nil {
			capability.Reject(err)
			return
		}
		capability.Resolve()
	})
}

func (b *body) thrown() error {
	if b.throw == "" {
		return nil
	}
	return errors.AddContext(errors.Newf(errors.CodeEvaluationFailed, "Uncaught %s", b.throw), errors.CtxURL, b.url)
}
