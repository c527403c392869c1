// # internal/engine/resolver/importmap.go
package resolver

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"modgraph/internal/core/errors"
)

// Entry maps a specifier key to an address. A nil Address is an explicit
// null entry: matching it blocks resolution.
type Entry struct {
	Specifier string
	Address   *url.URL
}

// SpecifierMap is kept sorted by descending key so that the first prefix hit
// is the longest one.
type SpecifierMap []Entry

func (m SpecifierMap) Lookup(specifier string) (Entry, bool) {
	for _, e := range m {
		if e.Specifier == specifier {
			return e, true
		}
	}
	return Entry{}, false
}

type Scope struct {
	Prefix  string
	Imports SpecifierMap
}

// ImportMap is a parsed and normalized import map. The zero value is the
// empty import map.
type ImportMap struct {
	imports SpecifierMap
	scopes  []Scope
}

func (im *ImportMap) Imports() SpecifierMap {
	if im == nil {
		return nil
	}
	return im.imports
}

// Scopes returns scopes most specific prefix first.
func (im *ImportMap) Scopes() []Scope {
	if im == nil {
		return nil
	}
	return im.scopes
}

func (im *ImportMap) Empty() bool {
	return im == nil || (len(im.imports) == 0 && len(im.scopes) == 0)
}

// ParseImportMap parses import map JSON relative to base. Structural problems
// (not an object, non-object scopes) are errors; individual bad entries are
// logged and become null entries or are dropped.
func ParseImportMap(data []byte, base *url.URL, logger *slog.Logger) (*ImportMap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if base == nil {
		return nil, errors.New(errors.CodeValidationError, "import map needs a base URL")
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, errors.Wrap(err, errors.CodeValidationError, "import map must be a JSON object")
	}
	if top == nil {
		return nil, errors.New(errors.CodeValidationError, "import map must be a JSON object")
	}

	im := &ImportMap{}
	if raw, ok := top["imports"]; ok {
		obj, err := decodeObject(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeValidationError, "import map \"imports\" must be an object")
		}
		im.imports = sortAndNormalizeSpecifierMap(obj, base, logger)
	}
	if raw, ok := top["scopes"]; ok {
		obj, err := decodeObject(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeValidationError, "import map \"scopes\" must be an object")
		}
		scopes, err := sortAndNormalizeScopes(obj, base, logger)
		if err != nil {
			return nil, err
		}
		im.scopes = scopes
	}
	for key := range top {
		switch key {
		case "imports", "scopes", "integrity":
		default:
			logger.Warn("import map has unknown top-level key", "key", key)
		}
	}
	return im, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New(errors.CodeValidationError, "got null")
	}
	return obj, nil
}

func sortedKeys(obj map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortAndNormalizeSpecifierMap(obj map[string]json.RawMessage, base *url.URL, logger *slog.Logger) SpecifierMap {
	normalized := make(map[string]*url.URL, len(obj))
	for _, key := range sortedKeys(obj) {
		nk := normalizeSpecifierKey(key, base)
		if nk == "" {
			logger.Warn("import map specifier key is empty, ignoring")
			continue
		}
		var value string
		if err := json.Unmarshal(obj[key], &value); err != nil {
			logger.Warn("import map address is not a string", "specifier", key)
			normalized[nk] = nil
			continue
		}
		address := ResolveURLLikeModuleSpecifier(value, base)
		if address == nil {
			logger.Warn("import map address is not a valid URL", "specifier", key, "address", value)
			normalized[nk] = nil
			continue
		}
		if strings.HasSuffix(key, "/") && !strings.HasSuffix(Serialize(address), "/") {
			logger.Warn("import map prefix key maps to an address without a trailing slash", "specifier", key, "address", value)
			normalized[nk] = nil
			continue
		}
		normalized[nk] = address
	}

	out := make(SpecifierMap, 0, len(normalized))
	for k, v := range normalized {
		out = append(out, Entry{Specifier: k, Address: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Specifier > out[j].Specifier })
	return out
}

func sortAndNormalizeScopes(obj map[string]json.RawMessage, base *url.URL, logger *slog.Logger) ([]Scope, error) {
	byPrefix := make(map[string]SpecifierMap, len(obj))
	for _, prefix := range sortedKeys(obj) {
		inner, err := decodeObject(obj[prefix])
		if err != nil {
			return nil, errors.AddContext(
				errors.Wrap(err, errors.CodeValidationError, "import map scope must be an object"),
				"scope", prefix,
			)
		}
		prefixURL, err := base.Parse(prefix)
		if err != nil {
			logger.Warn("import map scope prefix is not a valid URL", "scope", prefix)
			continue
		}
		byPrefix[Serialize(prefixURL)] = sortAndNormalizeSpecifierMap(inner, base, logger)
	}

	out := make([]Scope, 0, len(byPrefix))
	for p, m := range byPrefix {
		out = append(out, Scope{Prefix: p, Imports: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix > out[j].Prefix })
	return out, nil
}

func normalizeSpecifierKey(key string, base *url.URL) string {
	if key == "" {
		return ""
	}
	if u := ResolveURLLikeModuleSpecifier(key, base); u != nil {
		return Serialize(u)
	}
	return key
}
