package dom

import (
	"bytes"
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
)

// Element wraps a single element node in a Document. Handles are cheap and
// share the underlying tree; callers must not mutate it.
type Element struct {
	node *html.Node
	doc  *Document
}

// TagName returns the element's tag name in lower case.
func (e *Element) TagName() string {
	return strings.ToLower(e.node.Data)
}

// Attr returns the value of the named attribute, or "" when absent.
func (e *Element) Attr(name string) string {
	for _, a := range e.node.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the named attribute is present, even if empty.
func (e *Element) HasAttr(name string) bool {
	for _, a := range e.node.Attr {
		if strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}

// ResourceHint returns the element's src attribute, falling back to href.
// This is the attribute a network request issued by the element came from.
func (e *Element) ResourceHint() string {
	if v := e.Attr("src"); v != "" {
		return v
	}
	return e.Attr("href")
}

// Children returns the element's child elements in document order. Text,
// comment, and doctype nodes are not included.
func (e *Element) Children() []*Element {
	var out []*Element
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, &Element{node: c, doc: e.doc})
		}
	}
	return out
}

// OuterHTML renders the element and its subtree back to HTML.
func (e *Element) OuterHTML() string {
	var buf bytes.Buffer
	if err := html.Render(&buf, e.node); err != nil {
		return ""
	}
	return buf.String()
}

// MarshalJSON serializes the element as its tag name, attributes, and
// rendered outer HTML, which is what event consumers need to identify the
// issuer of a request and inspect its markup.
func (e *Element) MarshalJSON() ([]byte, error) {
	attrs := make(map[string]string, len(e.node.Attr))
	for _, a := range e.node.Attr {
		attrs[a.Key] = a.Val
	}
	return json.Marshal(struct {
		Tag       string            `json:"tag"`
		Attrs     map[string]string `json:"attrs,omitempty"`
		OuterHTML string            `json:"outerHTML,omitempty"`
	}{Tag: e.TagName(), Attrs: attrs, OuterHTML: e.OuterHTML()})
}
