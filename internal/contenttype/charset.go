package contenttype

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// inherentCharsets associates media types whose grammar fixes a charset.
var inherentCharsets = map[string]string{
	"application/json":          "utf-8",
	"application/manifest+json": "utf-8",
	"text/javascript":           "utf-8",
}

// resolveCharset applies the charset policy: binary resources carry no
// charset, text resources default to UTF-8, and a server-declared charset is
// always preferred over the default — server intent wins over technical
// correctness, the rule layer judges the latter.
func resolveCharset(mediaType, declared string) string {
	declared = normalizeCharset(declared)

	if inherent, ok := inherentCharsets[mediaType]; ok && inherent == declared {
		return declared
	}
	if !isTextMediaType(mediaType) {
		return ""
	}
	if declared != "" {
		return declared
	}
	return "utf-8"
}

// normalizeCharset maps a declared charset label to its canonical encoding
// name; the HTML index folds legacy labels such as iso-8859-1 onto their
// modern equivalents.
func normalizeCharset(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return ""
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return label
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return label
	}
	return name
}

// isTextMediaType reports whether a media type names a text-family format:
// text/*, XML and JSON variants, or SVG.
func isTextMediaType(mediaType string) bool {
	if mediaType == "" {
		return false
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/javascript",
		"application/manifest+json", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml")
}

// DecodeText decodes raw bytes using the given charset. Unknown charsets and
// decode failures fall back to interpreting the bytes as-is, which is the
// best available answer for display purposes.
func DecodeText(raw []byte, charset string) string {
	if len(raw) == 0 {
		return ""
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(raw)
	}
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(raw), enc.NewDecoder()))
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
