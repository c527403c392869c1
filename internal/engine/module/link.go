package module

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"modgraph/internal/core/errors"
	"modgraph/internal/shared/observability"
)

type linkState struct {
	stack   []*CyclicModule
	touched []*CyclicModule
	// finished collects modules in the order their component was popped.
	finished []*CyclicModule
}

// Link resolves and links the graph rooted at h. On failure every module this
// call moved out of Unlinked is put back, so nothing is left half-linked.
func (a *Arena) Link(ctx context.Context, h Handle) error {
	m, err := a.mustModule(h)
	if err != nil {
		return err
	}
	ctx, span := observability.Tracer.Start(ctx, "module.Link")
	defer span.End()
	span.SetAttributes(attribute.String("url", m.info.URL))

	switch m.status {
	case StatusNew:
		return errors.AddContext(errors.New(errors.CodeNotLoaded, "module has not finished loading"), errors.CtxURL, m.info.URL)
	case StatusLinking:
		return errors.AddContext(errors.New(errors.CodeAlreadyLinking, "module is already being linked"), errors.CtxURL, m.info.URL)
	case StatusLinked, StatusEvaluating, StatusEvaluatingAsync, StatusEvaluated:
		return nil
	}

	state := &linkState{}
	if _, err := a.innerModuleLinking(ctx, state, m, 0); err != nil {
		a.revertLink(state)
		observability.LinkTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		a.logger.Debug("link failed", "url", m.info.URL, "error", err)
		return linkError(err, m)
	}

	for _, done := range state.finished {
		init, ok := done.body.(EnvironmentInitializer)
		if !ok {
			continue
		}
		if err := init.InitializeEnvironment(); err != nil {
			a.revertLink(state)
			observability.LinkTotal.WithLabelValues("failed").Inc()
			span.RecordError(err)
			return linkError(errors.AddContext(err, errors.CtxOperation, "initialize environment"), done)
		}
	}

	for _, t := range state.touched {
		t.dfs = nil
	}
	observability.LinkTotal.WithLabelValues("ok").Inc()
	a.logger.Debug("linked", "url", m.info.URL, "modules", len(state.touched))
	return nil
}

func linkError(err error, m *CyclicModule) error {
	if errors.IsSpecifierError(err) || errors.IsFetchError(err) || errors.IsLinkError(err) {
		return err
	}
	return errors.AddContext(errors.Wrap(err, errors.CodeLinkFailed, "link failed"), errors.CtxURL, m.info.URL)
}

func (a *Arena) revertLink(state *linkState) {
	for _, t := range state.touched {
		t.dfs = nil
		t.cycleRoot = 0
		if t.status == StatusLinking || t.status == StatusLinked {
			a.setStatus(t, StatusUnlinked)
		}
	}
	state.stack = nil
}

func (a *Arena) innerModuleLinking(ctx context.Context, state *linkState, m *CyclicModule, index uint) (uint, error) {
	switch m.status {
	case StatusLinking, StatusLinked, StatusEvaluating, StatusEvaluatingAsync, StatusEvaluated:
		return index, nil
	case StatusNew:
		return 0, errors.AddContext(errors.New(errors.CodeNotLoaded, "dependency has not finished loading"), errors.CtxURL, m.info.URL)
	}
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.CodeAborted, "link aborted")
	}

	a.setStatus(m, StatusLinking)
	m.dfs = &dfsMark{index: index, ancestor: index}
	index++
	state.stack = append(state.stack, m)
	state.touched = append(state.touched, m)

	for _, req := range m.requested {
		depHandle, err := a.GetImportedModule(m.handle, req)
		if err != nil {
			return 0, err
		}
		dep := a.Module(depHandle)
		index, err = a.innerModuleLinking(ctx, state, dep, index)
		if err != nil {
			return 0, err
		}
		if dep.status == StatusLinking && dep.dfs.ancestor < m.dfs.ancestor {
			m.dfs.ancestor = dep.dfs.ancestor
		}
	}

	if m.dfs.ancestor == m.dfs.index {
		var component []*CyclicModule
		for {
			top := state.stack[len(state.stack)-1]
			state.stack = state.stack[:len(state.stack)-1]
			a.applyStatus(top, StatusLinked)
			top.cycleRoot = m.handle
			component = append(component, top)
			if top == m {
				break
			}
		}
		// Apply the whole component before anyone hears about it.
		for _, c := range component {
			a.notify(c)
		}
		state.finished = append(state.finished, component...)
	}
	return index, nil
}
