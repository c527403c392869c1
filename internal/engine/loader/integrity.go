package loader

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"strings"
)

var integrityHashes = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// MatchesIntegrity checks body against subresource integrity metadata
// ("sha384-<base64> sha512-<base64>"). Empty metadata, or metadata with no
// recognised algorithm, matches anything; otherwise only the strongest
// algorithm present is compared.
func MatchesIntegrity(metadata string, body []byte) bool {
	type digest struct{ alg, value string }
	var strongest []digest
	rank := map[string]int{"sha256": 1, "sha384": 2, "sha512": 3}
	best := 0
	for _, token := range strings.Fields(metadata) {
		alg, value, ok := strings.Cut(token, "-")
		if !ok {
			continue
		}
		if i := strings.IndexByte(value, '?'); i >= 0 {
			value = value[:i]
		}
		r := rank[strings.ToLower(alg)]
		if r == 0 {
			continue
		}
		if r > best {
			best = r
			strongest = strongest[:0]
		}
		if r == best {
			strongest = append(strongest, digest{strings.ToLower(alg), value})
		}
	}
	if best == 0 {
		return true
	}
	for _, d := range strongest {
		h := integrityHashes[d.alg]()
		h.Write(body)
		actual := base64.StdEncoding.EncodeToString(h.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(actual), []byte(d.value)) == 1 {
			return true
		}
	}
	return false
}
