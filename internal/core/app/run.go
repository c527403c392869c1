package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
	"modgraph/internal/data/history"
	"modgraph/internal/engine/eventloop"
	"modgraph/internal/engine/fetching"
	"modgraph/internal/engine/jsparse"
	"modgraph/internal/engine/registry"
	"modgraph/internal/shared/observability"
)

const defaultInlineName = "inline.js"

// run is the state of one graph run. Everything but the final report is
// touched only from the run's loop.
type run struct {
	settings *fetching.Settings
	executor *jsparse.Executor

	root      *fetching.ModuleScript
	inline    bool
	fetched   bool
	linked    bool
	evaluated bool
	err       error
}

// RunGraph fetches, links and evaluates one module graph in a fresh settings
// object, so failed fetches from earlier runs are retried. The report is
// filled in even when the returned error is non-nil.
func (a *App) RunGraph(ctx context.Context, req ports.GraphRunRequest) (ports.GraphRunReport, error) {
	ctx, span := observability.Tracer.Start(ctx, "app.RunGraph")
	defer span.End()

	started := time.Now()
	report := ports.GraphRunReport{
		RunID:     uuid.NewString(),
		Entry:     req.Entry,
		StartedAt: started.UTC(),
	}
	if req.InlineSource != "" {
		report.Entry = req.InlineName
		if report.Entry == "" {
			report.Entry = defaultInlineName
		}
	}
	span.SetAttributes(attribute.String("run_id", report.RunID), attribute.String("entry", report.Entry))

	loop := eventloop.New()
	executor := jsparse.NewExecutor()
	r := &run{
		executor: executor,
		inline:   req.InlineSource != "",
		settings: fetching.NewSettings(loop, fetching.SettingsConfig{
			BaseURL:            a.baseURL,
			ImportMap:          a.importMap,
			AllowedModuleTypes: a.Config.Settings.AllowedModuleTypes,
			ScriptingDisabled:  a.Config.Settings.ScriptingDisabled,
			Loader:             a.cache,
			Parser:             jsparse.NewParser(loop, executor, a.logger),
			Logger:             a.logger,
		}),
	}

	var graph func() *eventloop.Future[*fetching.ModuleScript]
	if req.InlineSource != "" {
		graph = func() *eventloop.Future[*fetching.ModuleScript] {
			return r.settings.FetchInlineModuleScriptGraph(ctx, report.Entry, []byte(req.InlineSource), nil, fetching.DefaultClassicScriptOptions())
		}
	} else {
		u, err := a.entryURL(req.Entry)
		if err != nil {
			r.err = err
			return a.finish(ctx, r, report, started), err
		}
		graph = func() *eventloop.Future[*fetching.ModuleScript] {
			return r.settings.FetchExternalModuleScriptGraph(ctx, u, fetching.DefaultClassicScriptOptions())
		}
	}

	a.logger.Debug("graph run started", "run", report.RunID, "entry", report.Entry)
	loop.Post(func() {
		graph().OnComplete(func(script *fetching.ModuleScript, err error) {
			if err != nil {
				r.err = err
				return
			}
			r.root = script
			r.fetched = true
			r.linked = script.ErrorToRethrow == nil
			r.settings.RunModuleScript(ctx, script).Then(
				func() { r.evaluated = true },
				func(err error) { r.err = err },
			)
		})
	})
	if err := loop.Run(ctx); err != nil && r.err == nil {
		r.err = errors.Wrap(err, errors.CodeAborted, "run aborted")
	}
	if r.err == nil && !r.evaluated {
		r.err = errors.New(errors.CodeInternal, "evaluation did not settle")
	}

	report = a.finish(ctx, r, report, started)
	if r.err != nil {
		span.RecordError(r.err)
	}
	return report, r.err
}

func (a *App) finish(ctx context.Context, r *run, report ports.GraphRunReport, started time.Time) ports.GraphRunReport {
	report.Duration = time.Since(started)
	report.Fetched = r.fetched
	report.Linked = r.linked
	report.Evaluated = r.evaluated
	if r.err != nil {
		report.Error = r.err.Error()
	}
	if r.settings != nil {
		report.Modules = r.modules()
	}
	if r.executor != nil {
		report.Executions = r.executor.Trace()
	}

	outcome := r.outcome()
	a.logger.Info("graph run finished",
		"run", report.RunID,
		"entry", report.Entry,
		"outcome", outcome,
		"modules", len(report.Modules),
		"duration", report.Duration,
	)
	a.record(ctx, report, outcome)
	return report
}

func (r *run) outcome() string {
	switch {
	case r.err == nil:
		return history.OutcomeEvaluated
	case errors.IsCode(r.err, errors.CodeAborted):
		return history.OutcomeAborted
	case !r.fetched:
		return history.OutcomeFetchFailed
	case !r.linked:
		return history.OutcomeLinkFailed
	default:
		return history.OutcomeEvalFailed
	}
}

// modules lists the run's module map in insertion order. An inline root is
// not in the module map and comes first. External roots are listed under
// their request URL, which a redirect makes differ from the script's filename.
func (r *run) modules() []ports.ModuleReport {
	var out []ports.ModuleReport
	if r.inline && r.root != nil {
		out = append(out, r.moduleReport(r.root.Filename, r.root))
	}
	for _, key := range r.settings.ModuleMap.Keys() {
		entry, _ := r.settings.ModuleMap.Get(key)
		if entry.State != registry.Loaded || entry.Value == nil {
			out = append(out, ports.ModuleReport{URL: key.URL, Status: "fetch-" + entry.State.String()})
			continue
		}
		out = append(out, r.moduleReport(key.URL, entry.Value))
	}
	return out
}

func (r *run) moduleReport(url string, script *fetching.ModuleScript) ports.ModuleReport {
	mr := ports.ModuleReport{URL: url}
	m := script.Module()
	if m == nil {
		mr.Status = "parse-error"
		if script.ParseError != nil {
			mr.Error = script.ParseError.Error()
		}
		return mr
	}
	mr.Status = m.Status().String()
	mr.Async = m.HasTopLevelAwait()
	if root := r.settings.Arena.Module(m.CycleRoot()); root != nil && root != m {
		mr.CycleRoot = root.Info().URL
	}
	if err := m.EvaluationError(); err != nil {
		mr.Error = err.Error()
	}
	return mr
}

func (a *App) record(ctx context.Context, report ports.GraphRunReport, outcome string) {
	if a.history == nil {
		return
	}
	entry := history.Run{
		ID:        report.RunID,
		Root:      report.Entry,
		StartedAt: report.StartedAt,
		Duration:  report.Duration,
		Outcome:   outcome,
		Error:     report.Error,
	}
	for _, m := range report.Modules {
		entry.Modules = append(entry.Modules, history.RunModule{URL: m.URL, Status: m.Status, Error: m.Error})
	}
	// Aborted runs are journaled too.
	if err := a.history.RecordRun(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Warn("failed to record run", "run", report.RunID, "error", err)
	}
}
