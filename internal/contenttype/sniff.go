package contenttype

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var svgTagPattern = regexp.MustCompile(`(?i)<svg[\s>]`)

// looksLikeSVG reports whether the bytes read as an SVG document. SVG has no
// magic number, so this scans the leading chunk for an <svg> root after
// skipping a BOM, whitespace, XML declarations, and comments.
func looksLikeSVG(raw []byte) bool {
	head := raw
	if len(head) > 4096 {
		head = head[:4096]
	}
	if !utf8.Valid(head) {
		return false
	}
	s := strings.TrimPrefix(string(head), "\uFEFF")
	s = strings.TrimLeft(s, " \t\r\n")
	if !strings.HasPrefix(s, "<") {
		return false
	}
	return svgTagPattern.MatchString(s)
}
