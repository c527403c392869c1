package loader

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// javaScriptEssences are the MIME essences the MIME Sniffing standard counts
// as JavaScript.
var javaScriptEssences = map[string]bool{
	"application/ecmascript":   true,
	"application/javascript":   true,
	"application/x-ecmascript": true,
	"application/x-javascript": true,
	"text/ecmascript":          true,
	"text/javascript":          true,
	"text/javascript1.0":       true,
	"text/javascript1.1":       true,
	"text/javascript1.2":       true,
	"text/javascript1.3":       true,
	"text/javascript1.4":       true,
	"text/javascript1.5":       true,
	"text/jscript":             true,
	"text/livescript":          true,
	"text/x-ecmascript":        true,
	"text/x-javascript":        true,
}

// extensionTypes covers the extensions the host mime table may not know.
var extensionTypes = map[string]string{
	".js":   "text/javascript; charset=utf-8",
	".mjs":  "text/javascript; charset=utf-8",
	".cjs":  "text/javascript; charset=utf-8",
	".json": "application/json",
	".css":  "text/css; charset=utf-8",
	".wasm": "application/wasm",
}

// SniffMIME returns the lowercase essence of contentType. When the header is
// missing or malformed the essence is sniffed from the body instead.
func SniffMIME(contentType string, body []byte) string {
	if essence := essenceOf(contentType); essence != "" {
		return essence
	}
	return essenceOf(http.DetectContentType(body))
}

func IsJavaScriptMIME(essence string) bool {
	return javaScriptEssences[strings.ToLower(strings.TrimSpace(essence))]
}

// TypeByExtension returns a Content-Type for a file name, or "" if unknown.
func TypeByExtension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

func essenceOf(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}
