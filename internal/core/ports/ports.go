package ports

import (
	"context"
	"net/http"
	"time"

	"modgraph/internal/data/history"
	"modgraph/internal/engine/module"
)

// ResourceRequest is one byte-level fetch handed to a ResourceLoader.
type ResourceRequest struct {
	URL            string
	Destination    string
	Mode           string
	Credentials    string
	Integrity      string
	Nonce          string
	ReferrerPolicy string
	Priority       string
	TopLevel       bool
}

// ResourceResponse is what a loader produced. A non-2xx Status is returned as
// a response, not an error; the caller decides what counts as failure.
type ResourceResponse struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status. File loaders report 200.
func (r *ResourceResponse) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// ResourceLoader performs byte-level fetches. Load may block; callers run it
// off the event loop. Retries are the loader's business.
type ResourceLoader interface {
	Load(ctx context.Context, req ResourceRequest) (*ResourceResponse, error)
}

// ModuleParser turns JavaScript module source text into a module record
// description.
type ModuleParser interface {
	ParseModule(source []byte, filename string) (*module.ParsedModule, []error)
}

// HistoryStore persists the run journal.
type HistoryStore interface {
	RecordRun(ctx context.Context, run history.Run) error
	RecentRuns(ctx context.Context, limit int) ([]history.Run, error)
}

// GraphRunRequest describes one top-level module graph run for driving adapters.
type GraphRunRequest struct {
	// Entry is a URL or file path. Ignored when InlineSource is set.
	Entry        string
	InlineSource string
	InlineName   string
}

// GraphRunReport summarizes a finished run.
type GraphRunReport struct {
	RunID      string
	Entry      string
	Modules    []ModuleReport
	Fetched    bool
	Linked     bool
	Evaluated  bool
	Error      string
	Duration   time.Duration
	StartedAt  time.Time
	Executions []string
}

// ModuleReport is one module of a finished run.
type ModuleReport struct {
	URL       string
	Status    string
	CycleRoot string
	Async     bool
	Error     string
}

// GraphService is the driving port the CLI talks to.
type GraphService interface {
	RunGraph(ctx context.Context, req GraphRunRequest) (GraphRunReport, error)
	RecentRuns(ctx context.Context, limit int) ([]history.Run, error)
}
