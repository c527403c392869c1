package loader

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 8 << 20
	DefaultUserAgent    = "modgraph"
)

type HTTPConfig struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	// Transport defaults to http.DefaultTransport. It is always wrapped for
	// tracing.
	Transport http.RoundTripper
}

// HTTPLoader serves http: and https: URLs. Non-2xx statuses come back as
// responses; only transport failures and oversized bodies are errors.
type HTTPLoader struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewHTTPLoader(cfg HTTPConfig) *HTTPLoader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &HTTPLoader{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBodyBytes,
	}
}

func (l *HTTPLoader) Load(ctx context.Context, req ports.ResourceRequest) (*ports.ResourceResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeValidationError, "build request"), errors.CtxURL, req.URL)
	}
	httpReq.Header.Set("User-Agent", l.userAgent)
	httpReq.Header.Set("Accept", "*/*")
	if req.Destination != "" {
		httpReq.Header.Set("Sec-Fetch-Dest", req.Destination)
	}
	if req.Mode != "" {
		httpReq.Header.Set("Sec-Fetch-Mode", req.Mode)
	}
	if req.Priority != "" && req.Priority != "auto" {
		httpReq.Header.Set("Priority", "u="+priorityUrgency(req.Priority))
	}

	resp, err := l.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.CodeAborted, "request cancelled")
		}
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeFetchFailed, "network error"), errors.CtxURL, req.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeFetchFailed, "read response body"), errors.CtxURL, req.URL)
	}
	if int64(len(body)) > l.maxBytes {
		return nil, errors.AddContext(
			errors.Newf(errors.CodeFetchFailed, "response body exceeds %d bytes", l.maxBytes),
			errors.CtxURL, req.URL,
		)
	}
	return &ports.ResourceResponse{
		URL:    resp.Request.URL.String(),
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

func priorityUrgency(p string) string {
	switch p {
	case "high":
		return "1"
	case "low":
		return "5"
	default:
		return "3"
	}
}
