package connector

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/network"

	"github.com/iansealy/sonarwhal/internal/contenttype"
	"github.com/iansealy/sonarwhal/internal/dom"
	"github.com/iansealy/sonarwhal/internal/events"
)

// bodyFunc fetches the raw response body for a finished request.
type bodyFunc func(ctx context.Context) ([]byte, error)

// requestRecord tracks one in-flight request from requestWillBeSent until its
// response or failure has been turned into events.
type requestRecord struct {
	url        string
	headers    map[string]string
	initiator  network.InitiatorType
	isTarget   bool
	done       bool
	suppressed bool
}

func (c *Connector) onRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.RedirectResponse != nil {
		c.handleRedirectLocked(ev)
		return
	}

	rec := &requestRecord{
		url:     ev.Request.URL,
		headers: headerMapToStringMap(ev.Request.Headers),
	}
	if ev.Initiator != nil {
		rec.initiator = ev.Initiator.Type
	}

	// The first document request is the page itself; everything after it,
	// iframes included, is a subresource.
	if c.targetRequestID == "" && ev.Type == network.ResourceTypeDocument {
		rec.isTarget = true
		c.targetRequestID = ev.RequestID
		c.targetReqHeaders = rec.headers
		c.requests[ev.RequestID] = rec
		c.req.SetDefaultHeaders(rec.headers)
		c.emitter.Emit(events.TargetFetchStart, events.Scan{Resource: c.targetHref})
		return
	}

	if ev.Request.URL == c.defaultFaviconURLLocked() {
		// The browser probes the default favicon on its own; the connector
		// runs its own probe after traversal, so this one stays silent.
		rec.suppressed = true
	}
	c.requests[ev.RequestID] = rec
	if rec.suppressed {
		return
	}
	c.emitOrQueueLocked(events.FetchStart, events.Scan{Resource: ev.Request.URL})
}

// handleRedirectLocked records one redirect hop. A rejected hop, either a
// self-redirect or a chain past the hop limit, kills the request and surfaces
// as a fetch error so consumers still see the request conclude.
func (c *Connector) handleRedirectLocked(ev *network.EventRequestWillBeSent) {
	rec := c.requests[ev.RequestID]
	if rec == nil || rec.done || rec.suppressed {
		return
	}

	from := ev.RedirectResponse.URL
	to := ev.Request.URL
	if err := c.tracker.Add(from, to); err != nil {
		rec.done = true
		hops := append(c.tracker.Calculate(from), from)
		if rec.isTarget {
			c.pageErrored = true
			c.emitter.Emit(events.TargetFetchError, events.FetchFailed{
				Error:    err.Error(),
				Hops:     hops,
				Resource: c.targetHref,
			})
			c.signalFatalLocked(newError(CodeTargetFailed, "target redirect rejected", err))
			return
		}
		resource := hops[0]
		initiator := rec.initiator
		c.queueOrRunLocked(func() {
			c.mu.Lock()
			element := c.elementForRequestLocked(resource, initiator)
			c.emitter.Emit(events.FetchError, events.FetchFailed{
				Element:  element,
				Error:    err.Error(),
				Hops:     hops,
				Resource: resource,
			})
			c.mu.Unlock()
		})
		return
	}

	rec.url = to
	if rec.isTarget {
		c.finalHref = to
	}
}

func (c *Connector) onResponseReceived(ev *network.EventResponseReceived, getBody bodyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.requests[ev.RequestID]
	if !ok {
		// A response whose request was never observed still concludes: it is
		// reported from the response data alone, with no element and no
		// request headers to attribute.
		slog.Debug("response for untracked request", "request_id", ev.RequestID, "url", ev.Response.URL)
		rec = &requestRecord{url: ev.Response.URL}
		c.requests[ev.RequestID] = rec
	}
	if rec.done || rec.suppressed {
		return
	}
	rec.done = true

	if rec.isTarget {
		// The body is fetched later, off the protocol event goroutine, once
		// the load event has fired.
		c.finalHref = ev.Response.URL
		c.targetResponse = ev.Response
		c.targetGetBody = getBody
		return
	}

	resp := ev.Response
	hops := c.tracker.Calculate(resp.URL)
	resource := resp.URL
	if len(hops) > 0 {
		resource = hops[0]
	}
	headers := rec.headers
	initiator := rec.initiator

	deliver := func() {
		c.mu.Lock()
		element := c.elementForRequestLocked(resource, initiator)
		c.mu.Unlock()

		data := buildNetworkData(element, headers, resource, resp, hops, getBody)
		c.emitter.Emit(events.FetchEnd, events.Fetch{
			Element:  element,
			Request:  data.Request,
			Resource: resource,
			Response: data.Response,
		})
	}
	if c.document == nil {
		c.pendingEvents = append(c.pendingEvents, deliver)
		return
	}
	// Fetching the body from the protocol event goroutine would deadlock the
	// session, so late responses deliver from their own goroutine.
	go deliver()
}

func (c *Connector) onLoadingFailed(ev *network.EventLoadingFailed) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.requests[ev.RequestID]
	if !ok || rec.done || rec.suppressed {
		return
	}
	if ev.Canceled {
		rec.done = true
		return
	}
	rec.done = true

	hops := c.tracker.Calculate(rec.url)
	resource := rec.url
	if len(hops) > 0 {
		resource = hops[0]
	}

	if rec.isTarget {
		c.pageErrored = true
		c.emitter.Emit(events.TargetFetchError, events.FetchFailed{
			Error:    ev.ErrorText,
			Hops:     hops,
			Resource: c.targetHref,
		})
		c.signalFatalLocked(newError(CodeTargetFailed, ev.ErrorText, nil))
		return
	}

	errText := ev.ErrorText
	initiator := rec.initiator

	// A failed browser-initiated manifest fetch is a manifest error, not a
	// generic fetch error, and it counts as the manifest having been seen.
	if ev.Type == network.ResourceTypeManifest {
		c.manifestSeen = true
		c.queueOrRunLocked(func() {
			c.mu.Lock()
			element := c.elementForRequestLocked(resource, initiator)
			c.emitter.Emit(events.ManifestFetchError, events.FetchFailed{
				Element:  element,
				Error:    errText,
				Hops:     hops,
				Resource: resource,
			})
			c.mu.Unlock()
		})
		return
	}
	c.queueOrRunLocked(func() {
		c.mu.Lock()
		element := c.elementForRequestLocked(resource, initiator)
		c.emitter.Emit(events.FetchError, events.FetchFailed{
			Element:  element,
			Error:    errText,
			Hops:     hops,
			Resource: resource,
		})
		c.mu.Unlock()
	})
}

// emitOrQueueLocked emits now when the DOM snapshot exists, otherwise holds
// the event for replay once it does.
func (c *Connector) emitOrQueueLocked(event string, payload any) {
	if c.document == nil {
		c.pendingEvents = append(c.pendingEvents, func() { c.emitter.Emit(event, payload) })
		return
	}
	c.emitter.Emit(event, payload)
}

func (c *Connector) queueOrRunLocked(fn func()) {
	if c.document == nil {
		c.pendingEvents = append(c.pendingEvents, fn)
		return
	}
	go fn()
}

// elementForRequestLocked attributes a request to the DOM node that caused
// it. Only parser- and browser-initiated requests can belong to an element,
// and only over HTTP schemes. Matching strips leading URL segments until some
// src or href attribute ends with the remainder; the first match in document
// order wins.
func (c *Connector) elementForRequestLocked(resourceURL string, initiator network.InitiatorType) *dom.Element {
	if c.document == nil {
		return nil
	}
	if initiator != network.InitiatorTypeParser && initiator != network.InitiatorTypeOther {
		return nil
	}
	u, err := url.Parse(resourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}

	segments := strings.Split(strings.TrimPrefix(resourceURL, u.Scheme+"://"), "/")
	for i := range segments {
		suffix := strings.Join(segments[i:], "/")
		if suffix == "" {
			continue
		}
		if els := c.document.ElementsWithSuffix(suffix); len(els) > 0 {
			return els[0]
		}
	}
	return nil
}

func (c *Connector) defaultFaviconURLLocked() string {
	base, err := url.Parse(c.finalHref)
	if err != nil || base.Host == "" {
		return ""
	}
	ref := &url.URL{Path: "/favicon.ico"}
	return base.ResolveReference(ref).String()
}

// buildNetworkData assembles the exchange payload for one response, running
// content-type resolution over the element, the URL, the headers, and the
// fetched bytes.
func buildNetworkData(element *dom.Element, reqHeaders map[string]string, requestURL string, resp *network.Response, hops []string, getBody bodyFunc) events.NetworkData {
	var raw []byte
	if getBody != nil {
		b, err := getBody(context.Background())
		if err != nil {
			slog.Debug("failed to get response body", "url", resp.URL, "error", err)
		} else {
			raw = b
		}
	}

	headers := headersToHTTP(resp.Headers)
	resolved := contenttype.Resolve(element, resp.URL, headers, raw)

	rawResponse := getBody
	if rawResponse == nil {
		rawResponse = func(context.Context) ([]byte, error) { return raw, nil }
	}

	return events.NetworkData{
		Request: events.Request{URL: requestURL, Headers: reqHeaders},
		Response: events.Response{
			URL:        resp.URL,
			StatusCode: int(resp.Status),
			Headers:    headers,
			Hops:       hops,
			Body: events.ResponseBody{
				Content:     contenttype.DecodeText(raw, resolved.Charset),
				RawContent:  raw,
				RawResponse: rawResponse,
			},
			MediaType: resolved.MediaType,
			Charset:   resolved.Charset,
		},
	}
}

func headerMapToStringMap(headers map[string]any) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// headersToHTTP converts protocol headers to net/http form. The protocol
// folds repeated headers into one newline-joined value.
func headersToHTTP(headers network.Headers) http.Header {
	result := http.Header{}
	for k, v := range headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, part := range strings.Split(s, "\n") {
			result.Add(k, part)
		}
	}
	return result
}
