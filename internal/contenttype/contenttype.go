// Package contenttype determines the canonical media type and charset of a
// fetched resource. Server metadata on the open web is unreliable, so the
// resolver layers several signals and only falls back to the Content-Type
// header last.
package contenttype

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/h2non/filetype"

	"github.com/iansealy/sonarwhal/internal/dom"
)

// Resolved is the outcome of one resolution. MediaType is "" when no layer
// produced a type; Charset is "" for resources that carry none.
type Resolved struct {
	MediaType string
	Charset   string
}

// Resolve determines the media type and charset for a resource. element is
// the DOM node that initiated the fetch (may be nil), resourceURL the URL it
// was fetched from, headers the normalized response headers, and raw the
// undecoded body bytes.
//
// Media type precedence, first non-empty wins: rules embedded in the
// originating element, byte-signature sniffing, file extension, and finally
// the declared Content-Type header.
func Resolve(element *dom.Element, resourceURL string, headers map[string][]string, raw []byte) Resolved {
	headerType, headerCharset := parseContentTypeHeader(headers)

	mediaType := mediaTypeFromElement(element)
	if mediaType == "" {
		mediaType = mediaTypeFromSniffing(raw)
	}
	if mediaType == "" {
		mediaType = mediaTypeFromExtension(resourceURL)
	}
	if mediaType == "" {
		mediaType = headerType
	}

	return Resolved{
		MediaType: mediaType,
		Charset:   resolveCharset(mediaType, headerCharset),
	}
}

// mediaTypeFromElement applies the rules a DOM element imposes on the
// resource it loads. A script with a missing, empty, standard, or "module"
// type attribute is JavaScript no matter what the server claims.
func mediaTypeFromElement(element *dom.Element) string {
	if element == nil {
		return ""
	}
	switch element.TagName() {
	case "script":
		t := strings.ToLower(strings.TrimSpace(element.Attr("type")))
		switch t {
		case "", "module", "text/javascript", "application/javascript", "application/x-javascript":
			return "text/javascript"
		}
	case "link":
		rel := strings.ToLower(element.Attr("rel"))
		if strings.Contains(rel, "stylesheet") {
			return "text/css"
		}
		if rel == "manifest" {
			return "application/manifest+json"
		}
	}
	return ""
}

// mediaTypeFromSniffing inspects the raw bytes. Magic-number detection
// covers binary formats; SVG is textual so it gets its own sniff.
func mediaTypeFromSniffing(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if t, err := filetype.Match(raw); err == nil && t != filetype.Unknown {
		return t.MIME.Value
	}
	if looksLikeSVG(raw) {
		return "image/svg+xml"
	}
	return ""
}

// extensionMediaTypes covers the extensions seen on virtually every page; a
// general database lookup handles the rest.
var extensionMediaTypes = map[string]string{
	"html":        "text/html",
	"htm":         "text/html",
	"js":          "text/javascript",
	"mjs":         "text/javascript",
	"css":         "text/css",
	"ico":         "image/x-icon",
	"webmanifest": "application/manifest+json",
	"png":         "image/png",
	"jpg":         "image/jpeg",
	"jpeg":        "image/jpeg",
	"gif":         "image/gif",
	"svg":         "image/svg+xml",
	"webp":        "image/webp",
	"woff":        "font/woff",
	"woff2":       "font/woff2",
	"ttf":         "font/ttf",
	"otf":         "font/otf",
}

func mediaTypeFromExtension(resourceURL string) string {
	u, err := url.Parse(resourceURL)
	if err != nil {
		return ""
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return ""
	}
	if mt, ok := extensionMediaTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension("." + ext); mt != "" {
		if parsed, _, err := mime.ParseMediaType(mt); err == nil {
			return parsed
		}
	}
	return ""
}

// parseContentTypeHeader parses the declared Content-Type per its grammar.
// An empty or malformed value contributes nothing.
func parseContentTypeHeader(headers map[string][]string) (mediaType, charset string) {
	value := headerValue(headers, "Content-Type")
	if strings.TrimSpace(value) == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(value)
	if err != nil {
		return "", ""
	}
	return mt, params["charset"]
}

func headerValue(headers map[string][]string, name string) string {
	for key, vals := range headers {
		if strings.EqualFold(key, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
