package module

import (
	"modgraph/internal/core/errors"
	"modgraph/internal/engine/eventloop"
)

type CapabilityState uint8

const (
	CapabilityPending CapabilityState = iota
	CapabilityFulfilled
	CapabilityRejected
)

func (s CapabilityState) String() string {
	switch s {
	case CapabilityFulfilled:
		return "fulfilled"
	case CapabilityRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Capability is a promise capability with no fulfillment value. Reactions run
// as loop tasks.
type Capability struct {
	future *eventloop.Future[struct{}]
}

func NewCapability(loop *eventloop.Loop) *Capability {
	return &Capability{future: eventloop.NewFuture[struct{}](loop)}
}

// RejectedCapability returns a capability already rejected with err.
func RejectedCapability(loop *eventloop.Loop, err error) *Capability {
	c := NewCapability(loop)
	c.Reject(err)
	return c
}

// Resolve fulfills the capability. Settling twice is a no-op.
func (c *Capability) Resolve() {
	c.future.Complete(struct{}{}, nil)
}

func (c *Capability) Reject(err error) {
	if err == nil {
		err = errors.New(errors.CodeInternal, "capability rejected without a reason")
	}
	c.future.Complete(struct{}{}, err)
}

func (c *Capability) State() CapabilityState {
	_, err, done := c.future.Result()
	switch {
	case !done:
		return CapabilityPending
	case err != nil:
		return CapabilityRejected
	default:
		return CapabilityFulfilled
	}
}

// Err is the rejection reason, nil while pending or fulfilled.
func (c *Capability) Err() error {
	_, err, _ := c.future.Result()
	return err
}

// Then registers reactions; either may be nil.
func (c *Capability) Then(onFulfilled func(), onRejected func(error)) {
	c.future.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			if onRejected != nil {
				onRejected(err)
			}
			return
		}
		if onFulfilled != nil {
			onFulfilled()
		}
	})
}

// Future exposes the capability for sequencing with eventloop.Then.
func (c *Capability) Future() *eventloop.Future[struct{}] {
	return c.future
}
