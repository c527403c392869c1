package loader

import (
	"context"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
)

// FileLoader serves file: URLs from the local file system. A missing file is
// a 404 response rather than an error.
type FileLoader struct {
	// Root, when set, confines loads to files under it.
	Root string
	// MaxBytes caps the file size; zero means no cap.
	MaxBytes int64
}

func (l *FileLoader) Load(ctx context.Context, req ports.ResourceRequest) (*ports.ResourceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeAborted, "file load cancelled")
	}
	path, err := FilePath(req.URL)
	if err != nil {
		return nil, err
	}
	if l.Root != "" && !within(l.Root, path) {
		return nil, errors.AddContext(
			errors.New(errors.CodePermissionDenied, "path escapes loader root"),
			errors.CtxURL, req.URL,
		)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ports.ResourceResponse{URL: req.URL, Status: http.StatusNotFound, Header: http.Header{}}, nil
		}
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeFetchFailed, "stat module file"), errors.CtxURL, req.URL)
	}
	if info.IsDir() {
		return &ports.ResourceResponse{URL: req.URL, Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	if l.MaxBytes > 0 && info.Size() > l.MaxBytes {
		return nil, errors.AddContext(
			errors.Newf(errors.CodeFetchFailed, "file is %d bytes, limit is %d", info.Size(), l.MaxBytes),
			errors.CtxURL, req.URL,
		)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeFetchFailed, "read module file"), errors.CtxURL, req.URL)
	}
	header := http.Header{}
	if ct := TypeByExtension(path); ct != "" {
		header.Set("Content-Type", ct)
	}
	return &ports.ResourceResponse{URL: req.URL, Status: http.StatusOK, Header: header, Body: body}, nil
}

// FilePath converts a file: URL to a local path.
func FilePath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.AddContext(errors.Wrap(err, errors.CodeValidationError, "invalid file URL"), errors.CtxURL, raw)
	}
	if u.Scheme != "file" {
		return "", errors.AddContext(errors.Newf(errors.CodeNotSupported, "not a file URL: %s", u.Scheme), errors.CtxURL, raw)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", errors.AddContext(errors.New(errors.CodeNotSupported, "remote file hosts are not supported"), errors.CtxURL, raw)
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), nil
}

// FileURL converts a local path to an absolute file: URL.
func FileURL(path string) (*url.URL, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeValidationError, "resolve path")
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
}

func within(root, path string) bool {
	root, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
