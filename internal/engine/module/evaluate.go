package module

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"modgraph/internal/core/errors"
	"modgraph/internal/shared/observability"
)

type evaluationState struct {
	stack   []*CyclicModule
	touched []*CyclicModule
}

// Evaluate runs the graph rooted at h and returns the top-level capability.
// Synchronous graphs have settled it by the time Evaluate returns; graphs with
// top-level await settle it from later loop tasks. Evaluating an already
// evaluated module returns the recorded outcome without re-running anything.
//
// Errors thrown by module bodies reject the capability unchanged. A cancelled
// ctx rejects with a CodeAborted error instead.
func (a *Arena) Evaluate(ctx context.Context, h Handle) *Capability {
	m, err := a.mustModule(h)
	if err != nil {
		return RejectedCapability(a.loop, err)
	}

	switch m.status {
	case StatusNew, StatusUnlinked, StatusLinking:
		return RejectedCapability(a.loop, errors.AddContext(
			errors.New(errors.CodeNotLinked, "module must be linked before evaluation"),
			errors.CtxStatus, m.status.String(),
		))
	case StatusEvaluating:
		return RejectedCapability(a.loop, errors.AddContext(
			errors.New(errors.CodeConflict, "module is already being evaluated"),
			errors.CtxURL, m.info.URL,
		))
	case StatusLinked:
		if root := a.Module(m.cycleRoot); root != nil && root.status == StatusLinked {
			m = root
		}
	case StatusEvaluatingAsync, StatusEvaluated:
		root := a.Module(m.evalRoot)
		if root == nil {
			// Failed evaluations leave the stack without an evaluation root.
			root = a.Module(m.cycleRoot)
		}
		if root != nil {
			m = root
		}
	}
	if m.topLevelCapability != nil {
		return m.topLevelCapability
	}

	ctx, span := observability.Tracer.Start(ctx, "module.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("url", m.info.URL))

	capability := NewCapability(a.loop)
	m.topLevelCapability = capability
	capability.Then(func() {
		observability.EvaluateTotal.WithLabelValues("ok").Inc()
	}, func(err error) {
		observability.EvaluateTotal.WithLabelValues(evaluateOutcome(err)).Inc()
	})

	state := &evaluationState{}
	_, err = a.innerModuleEvaluation(ctx, state, m, 0)
	for _, t := range state.touched {
		t.dfs = nil
	}
	if err != nil {
		for _, s := range state.stack {
			a.applyStatus(s, StatusEvaluated)
			s.evaluationError = err
		}
		for _, s := range state.stack {
			a.notify(s)
		}
		state.stack = nil
		span.RecordError(err)
		a.logger.Debug("evaluation failed", "url", m.info.URL, "error", err)
		capability.Reject(err)
		return capability
	}
	if !m.asyncEvaluation {
		capability.Resolve()
	}
	return capability
}

func evaluateOutcome(err error) string {
	if errors.IsCode(err, errors.CodeAborted) {
		return "aborted"
	}
	return "failed"
}

func (a *Arena) innerModuleEvaluation(ctx context.Context, state *evaluationState, m *CyclicModule, index uint) (uint, error) {
	switch m.status {
	case StatusEvaluatingAsync, StatusEvaluated:
		if m.evaluationError != nil {
			return 0, m.evaluationError
		}
		return index, nil
	case StatusEvaluating:
		return index, nil
	case StatusLinked:
	default:
		return 0, errors.AddContext(
			errors.New(errors.CodeNotLinked, "dependency is not linked"),
			errors.CtxURL, m.info.URL,
		)
	}

	a.setStatus(m, StatusEvaluating)
	m.dfs = &dfsMark{index: index, ancestor: index}
	m.pendingAsyncDependencies = 0
	index++
	state.stack = append(state.stack, m)
	state.touched = append(state.touched, m)

	for _, req := range m.requested {
		depHandle, err := a.GetImportedModule(m.handle, req)
		if err != nil {
			return 0, err
		}
		dep := a.Module(depHandle)
		index, err = a.innerModuleEvaluation(ctx, state, dep, index)
		if err != nil {
			return 0, err
		}
		if dep.status == StatusEvaluating {
			if dep.dfs.ancestor < m.dfs.ancestor {
				m.dfs.ancestor = dep.dfs.ancestor
			}
		} else {
			if root := a.Module(dep.evalRoot); root != nil {
				dep = root
			}
			if dep.evaluationError != nil {
				return 0, dep.evaluationError
			}
		}
		if dep.asyncEvaluation {
			m.pendingAsyncDependencies++
			dep.asyncParentModules = append(dep.asyncParentModules, m.handle)
		}
	}

	if m.pendingAsyncDependencies > 0 || m.hasTopLevelAwait {
		a.asyncOrder++
		m.asyncEvaluation = true
		m.asyncEvaluationOrder = a.asyncOrder
		if m.pendingAsyncDependencies == 0 {
			a.executeAsyncModule(ctx, m)
		}
	} else if err := a.executeModule(ctx, m); err != nil {
		return 0, err
	}

	if m.dfs.ancestor == m.dfs.index {
		var component []*CyclicModule
		for {
			top := state.stack[len(state.stack)-1]
			state.stack = state.stack[:len(state.stack)-1]
			if top.asyncEvaluation {
				a.applyStatus(top, StatusEvaluatingAsync)
			} else {
				a.applyStatus(top, StatusEvaluated)
			}
			top.evalRoot = m.handle
			component = append(component, top)
			if top == m {
				break
			}
		}
		for _, c := range component {
			a.notify(c)
		}
	}
	return index, nil
}

func (a *Arena) executeModule(ctx context.Context, m *CyclicModule) error {
	if err := ctx.Err(); err != nil {
		return errors.AddContext(errors.Wrap(err, errors.CodeAborted, "evaluation aborted"), errors.CtxURL, m.info.URL)
	}
	if m.body == nil {
		return nil
	}
	return m.body.Execute(ctx)
}

func (a *Arena) executeAsyncModule(ctx context.Context, m *CyclicModule) {
	capability := NewCapability(a.loop)
	capability.Then(func() {
		a.asyncModuleExecutionFulfilled(ctx, m)
	}, func(err error) {
		a.asyncModuleExecutionRejected(m, err)
	})
	a.logger.Debug("async module started", "url", m.info.URL, "order", m.asyncEvaluationOrder)

	if err := ctx.Err(); err != nil {
		capability.Reject(errors.AddContext(errors.Wrap(err, errors.CodeAborted, "evaluation aborted"), errors.CtxURL, m.info.URL))
		return
	}
	if m.body == nil {
		capability.Resolve()
		return
	}
	m.body.ExecuteAsync(ctx, capability)
}

func (a *Arena) asyncModuleExecutionFulfilled(ctx context.Context, m *CyclicModule) {
	if m.status == StatusEvaluated {
		// Already rejected through another path.
		return
	}
	m.asyncEvaluation = false
	a.setStatus(m, StatusEvaluated)
	if m.topLevelCapability != nil {
		m.topLevelCapability.Resolve()
	}

	var execList []*CyclicModule
	a.gatherAvailableAncestors(m, &execList)
	sort.SliceStable(execList, func(i, j int) bool {
		return execList[i].asyncEvaluationOrder < execList[j].asyncEvaluationOrder
	})

	for _, p := range execList {
		if p.status == StatusEvaluated {
			continue
		}
		if p.hasTopLevelAwait {
			a.executeAsyncModule(ctx, p)
			continue
		}
		if err := a.executeModule(ctx, p); err != nil {
			a.asyncModuleExecutionRejected(p, err)
			continue
		}
		p.asyncEvaluation = false
		a.setStatus(p, StatusEvaluated)
		if p.topLevelCapability != nil {
			p.topLevelCapability.Resolve()
		}
	}
}

// gatherAvailableAncestors collects the async parents of m that become ready
// to run now that m is done. Parents without top-level await finish
// synchronously, so their own parents are gathered too.
func (a *Arena) gatherAvailableAncestors(m *CyclicModule, execList *[]*CyclicModule) {
	for _, ph := range m.asyncParentModules {
		p := a.Module(ph)
		if containsModule(*execList, p) {
			continue
		}
		if root := a.Module(p.evalRoot); root != nil && root.evaluationError != nil {
			continue
		}
		if p.status != StatusEvaluatingAsync || p.pendingAsyncDependencies == 0 {
			continue
		}
		p.pendingAsyncDependencies--
		if p.pendingAsyncDependencies == 0 {
			*execList = append(*execList, p)
			if !p.hasTopLevelAwait {
				a.gatherAvailableAncestors(p, execList)
			}
		}
	}
}

func (a *Arena) asyncModuleExecutionRejected(m *CyclicModule, err error) {
	if m.status == StatusEvaluated {
		return
	}
	m.evaluationError = err
	a.setStatus(m, StatusEvaluated)
	a.logger.Debug("async module rejected", "url", m.info.URL, "error", err)
	for _, ph := range m.asyncParentModules {
		a.asyncModuleExecutionRejected(a.Module(ph), err)
	}
	if m.topLevelCapability != nil {
		m.topLevelCapability.Reject(err)
	}
}

func containsModule(list []*CyclicModule, m *CyclicModule) bool {
	for _, x := range list {
		if x == m {
			return true
		}
	}
	return false
}
