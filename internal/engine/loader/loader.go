// Package loader provides the byte-level resource loaders module fetching
// runs on: local files, HTTP, a scheme multiplexer, and caching and
// rate-limiting decorators.
package loader

import (
	"context"
	"net/url"
	"strings"

	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
)

// Mux dispatches by URL scheme.
type Mux struct {
	loaders map[string]ports.ResourceLoader
}

func NewMux() *Mux {
	return &Mux{loaders: make(map[string]ports.ResourceLoader)}
}

// Handle registers l for each scheme (without the trailing colon).
func (m *Mux) Handle(l ports.ResourceLoader, schemes ...string) *Mux {
	for _, scheme := range schemes {
		m.loaders[strings.ToLower(scheme)] = l
	}
	return m
}

func (m *Mux) Load(ctx context.Context, req ports.ResourceRequest) (*ports.ResourceResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeValidationError, "invalid request URL"), errors.CtxURL, req.URL)
	}
	l, ok := m.loaders[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, errors.AddContext(
			errors.Newf(errors.CodeNotSupported, "no loader for scheme %q", u.Scheme),
			errors.CtxURL, req.URL,
		)
	}
	return l.Load(ctx, req)
}
