package dom

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Document wraps a parsed HTML tree and the URL it was loaded from. It is
// constructed once per collection, after the page's load event has fired,
// and is queried by the request correlator and walked by the traverser.
type Document struct {
	root *html.Node
	doc  *goquery.Document
	href string
}

// Parse builds a Document from raw HTML source. href is the final (post
// redirect) URL the source was served from.
func Parse(source, href string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{
		root: root,
		doc:  goquery.NewDocumentFromNode(root),
		href: href,
	}, nil
}

// Href returns the URL the document was served from.
func (d *Document) Href() string { return d.href }

// Root returns the document's <html> element, or nil for an empty tree.
func (d *Document) Root() *Element {
	for n := d.root.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode {
			return &Element{node: n, doc: d}
		}
	}
	return nil
}

// ElementsWithSuffix returns, in document order, every element whose src or
// href attribute ends with the given suffix. Attribute values are matched
// literally, so a relative attribute still matches the tail of an absolute
// request URL.
func (d *Document) ElementsWithSuffix(suffix string) []*Element {
	if suffix == "" {
		return nil
	}
	var out []*Element
	d.doc.Find("[src],[href]").Each(func(_ int, s *goquery.Selection) {
		n := s.Nodes[0]
		for _, key := range []string{"src", "href"} {
			if val, ok := s.Attr(key); ok && strings.HasSuffix(val, suffix) {
				out = append(out, &Element{node: n, doc: d})
				return
			}
		}
	})
	return out
}

// QueryFirst returns the first element matching a CSS selector, or nil.
func (d *Document) QueryFirst(selector string) *Element {
	sel := d.doc.Find(selector)
	if sel.Length() == 0 {
		return nil
	}
	return &Element{node: sel.Nodes[0], doc: d}
}
