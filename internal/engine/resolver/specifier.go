package resolver

import (
	"net/url"
	"strings"

	"modgraph/internal/core/errors"
)

var specialSchemes = map[string]bool{
	"ftp": true, "file": true, "http": true, "https": true, "ws": true, "wss": true,
}

// Serialize renders u the way URL keys are compared: special URLs with a host
// and an empty path get a "/" path.
func Serialize(u *url.URL) string {
	if u == nil {
		return ""
	}
	if specialSchemes[u.Scheme] && u.Host != "" && u.Path == "" && u.Opaque == "" {
		c := *u
		c.Path = "/"
		return c.String()
	}
	return u.String()
}

// ResolveURLLikeModuleSpecifier handles absolute URLs and "/", "./", "../"
// paths. It returns nil for bare specifiers and unparsable input.
func ResolveURLLikeModuleSpecifier(specifier string, base *url.URL) *url.URL {
	if strings.HasPrefix(specifier, "/") || strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") {
		if base == nil {
			return nil
		}
		u, err := base.Parse(specifier)
		if err != nil {
			return nil
		}
		return u
	}
	u, err := url.Parse(specifier)
	if err != nil || u.Scheme == "" {
		return nil
	}
	return u
}

// ResolveModuleSpecifier maps specifier to an absolute URL using the import
// map's scopes (most specific first), then its top-level imports, then the
// specifier itself when it is URL-like.
func ResolveModuleSpecifier(base *url.URL, im *ImportMap, specifier string) (*url.URL, error) {
	asURL := ResolveURLLikeModuleSpecifier(specifier, base)
	normalized := specifier
	if asURL != nil {
		normalized = Serialize(asURL)
	}
	baseStr := Serialize(base)

	for _, scope := range im.Scopes() {
		if scope.Prefix == baseStr || (strings.HasSuffix(scope.Prefix, "/") && strings.HasPrefix(baseStr, scope.Prefix)) {
			u, err := resolveImportsMatch(normalized, asURL, scope.Imports)
			if err != nil {
				return nil, errors.AddContext(err, "scope", scope.Prefix)
			}
			if u != nil {
				return u, nil
			}
		}
	}

	u, err := resolveImportsMatch(normalized, asURL, im.Imports())
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	if asURL != nil {
		return asURL, nil
	}
	return nil, errors.AddContext(
		errors.Newf(errors.CodeUnmappedBareSpecifier, "bare specifier %q was not remapped to anything", specifier),
		errors.CtxSpecifier, specifier,
	)
}

// resolveImportsMatch returns (nil, nil) when no entry of m applies.
func resolveImportsMatch(normalized string, asURL *url.URL, m SpecifierMap) (*url.URL, error) {
	for _, e := range m {
		if e.Specifier == normalized {
			if e.Address == nil {
				return nil, blocked(normalized)
			}
			return e.Address, nil
		}

		if !strings.HasSuffix(e.Specifier, "/") || !strings.HasPrefix(normalized, e.Specifier) {
			continue
		}
		if asURL != nil && !specialSchemes[asURL.Scheme] {
			continue
		}
		if e.Address == nil {
			return nil, blocked(normalized)
		}

		afterPrefix := normalized[len(e.Specifier):]
		target := Serialize(e.Address)
		u, err := e.Address.Parse(afterPrefix)
		if err != nil {
			return nil, backtrack(normalized, e.Specifier)
		}
		if !strings.HasPrefix(Serialize(u), target) {
			return nil, backtrack(normalized, e.Specifier)
		}
		return u, nil
	}
	return nil, nil
}

func blocked(specifier string) error {
	return errors.AddContext(
		errors.Newf(errors.CodeBlockedByNullEntry, "resolution of %q was blocked by a null entry", specifier),
		errors.CtxSpecifier, specifier,
	)
}

func backtrack(specifier, prefix string) error {
	return errors.AddContext(
		errors.Newf(errors.CodeBacktrackBlocked, "resolution of %q was blocked: it backtracks above its prefix %q", specifier, prefix),
		errors.CtxSpecifier, specifier,
	)
}
