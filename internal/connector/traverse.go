package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/iansealy/sonarwhal/internal/dom"
	"github.com/iansealy/sonarwhal/internal/events"
)

// traverse walks the DOM snapshot in document order, announcing every node.
// Consumers get one element::<tag> event per node, a traverse::down before
// each child subtree and a traverse::up after it.
func (c *Connector) traverse(ctx context.Context) {
	doc := c.documentSnapshot()
	if doc == nil {
		return
	}
	resource := c.FinalHref()

	c.emitter.Emit(events.TraverseStart, events.Scan{Resource: resource})
	if root := doc.Root(); root != nil {
		c.visit(ctx, root, resource)
	}
	c.emitter.Emit(events.TraverseEnd, events.Scan{Resource: resource})

	if !c.manifestSeen {
		c.emitter.Emit(events.ManifestFetchMissing, events.Scan{Resource: resource})
	}
	if !c.faviconSeen {
		c.probeFavicon(ctx, resource)
	}
}

func (c *Connector) visit(ctx context.Context, el *dom.Element, resource string) {
	c.emitter.Emit(events.Element(el.TagName()), events.ElementVisit{Element: el, Resource: resource})
	c.inspectElement(ctx, el, resource)

	for _, child := range el.Children() {
		c.emitter.Emit(events.TraverseDown, events.Scan{Resource: resource})
		c.visit(ctx, child, resource)
		c.emitter.Emit(events.TraverseUp, events.Scan{Resource: resource})
	}
}

// inspectElement picks up the resources the browser does not fetch on its
// own: the web app manifest, and icon declarations that suppress the default
// favicon probe.
func (c *Connector) inspectElement(ctx context.Context, el *dom.Element, resource string) {
	if el.TagName() != "link" {
		return
	}
	rel := strings.ToLower(el.Attr("rel"))
	switch {
	case rel == "manifest":
		c.manifestSeen = true
		c.fetchManifest(ctx, el, resource)
	case strings.Contains(rel, "icon"):
		c.faviconSeen = true
	}
}

func (c *Connector) fetchManifest(ctx context.Context, el *dom.Element, resource string) {
	href := strings.TrimSpace(el.Attr("href"))
	if href == "" {
		c.emitter.Emit(events.ManifestFetchError, events.FetchFailed{
			Element:  el,
			Error:    "manifest link has an empty href",
			Resource: resource,
		})
		return
	}

	manifestURL, err := resolveReference(resource, href)
	if err != nil {
		c.emitter.Emit(events.ManifestFetchError, events.FetchFailed{
			Element:  el,
			Error:    fmt.Sprintf("invalid manifest URL %q: %v", href, err),
			Resource: resource,
		})
		return
	}

	data, err := c.req.Get(ctx, manifestURL)
	if err != nil {
		c.emitter.Emit(events.ManifestFetchError, events.FetchFailed{
			Element:  el,
			Error:    err.Error(),
			Resource: manifestURL,
		})
		return
	}
	if data.Response.StatusCode >= 400 {
		c.emitter.Emit(events.ManifestFetchError, events.FetchFailed{
			Element:  el,
			Error:    fmt.Sprintf("manifest fetch failed with status %d", data.Response.StatusCode),
			Hops:     data.Response.Hops,
			Resource: manifestURL,
		})
		return
	}

	c.emitter.Emit(events.ManifestFetchEnd, events.Fetch{
		Element:  el,
		Request:  data.Request,
		Resource: manifestURL,
		Response: data.Response,
	})
}

// probeFavicon fetches /favicon.ico the way the browser would have, for
// pages that declare no icon of their own.
func (c *Connector) probeFavicon(ctx context.Context, resource string) {
	faviconURL, err := resolveReference(resource, "/favicon.ico")
	if err != nil {
		slog.Debug("favicon probe skipped", "resource", resource, "error", err)
		return
	}

	c.emitter.Emit(events.FetchStart, events.Scan{Resource: faviconURL})

	data, err := c.req.Get(ctx, faviconURL)
	if err != nil {
		c.emitter.Emit(events.FetchError, events.FetchFailed{
			Error:    err.Error(),
			Resource: faviconURL,
		})
		return
	}

	c.emitter.Emit(events.FetchEnd, events.Fetch{
		Request:  data.Request,
		Resource: faviconURL,
		Response: data.Response,
	})
}

// resolveReference resolves ref against base and requires the result to be
// fetchable over HTTP.
func resolveReference(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	resolved := baseURL.ResolveReference(refURL)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	return resolved.String(), nil
}
