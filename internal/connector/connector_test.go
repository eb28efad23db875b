package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/iansealy/sonarwhal/internal/config"
	"github.com/iansealy/sonarwhal/internal/dom"
	"github.com/iansealy/sonarwhal/internal/events"
)

func newTestConnector(t *testing.T, targetHref string) (*Connector, *events.Recorder) {
	t.Helper()
	cfg := &config.Config{EvalTimeout: time.Minute}
	c := New(cfg, nil, nil)
	rec := events.NewRecorder()
	c.emitter.OnAny(rec.Handle)

	c.mu.Lock()
	c.resetLocked(targetHref)
	c.mu.Unlock()
	return c, rec
}

func installDocument(t *testing.T, c *Connector, source string) {
	t.Helper()
	c.mu.Lock()
	doc, err := dom.Parse(source, c.finalHref)
	if err != nil {
		c.mu.Unlock()
		t.Fatalf("parse: %v", err)
	}
	c.document = doc
	queued := c.pendingEvents
	c.pendingEvents = nil
	c.mu.Unlock()

	for _, fn := range queued {
		fn()
	}
}

func requestEvent(id, url string, resType network.ResourceType, initiator network.InitiatorType) *network.EventRequestWillBeSent {
	return &network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		Type:      resType,
		Request:   &network.Request{URL: url, Headers: network.Headers{"User-Agent": "test"}},
		Initiator: &network.Initiator{Type: initiator},
	}
}

func redirectEvent(id, from, to string) *network.EventRequestWillBeSent {
	ev := requestEvent(id, to, network.ResourceTypeImage, network.InitiatorTypeParser)
	ev.RedirectResponse = &network.Response{URL: from, Status: 301}
	return ev
}

func responseEvent(id, url string, status int64, contentType string) *network.EventResponseReceived {
	headers := network.Headers{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	return &network.EventResponseReceived{
		RequestID: network.RequestID(id),
		Response:  &network.Response{URL: url, Status: status, Headers: headers},
	}
}

func staticBody(body string) bodyFunc {
	return func(context.Context) ([]byte, error) { return []byte(body), nil }
}

func findEvent(t *testing.T, rec *events.Recorder, name string) events.Recorded {
	t.Helper()
	for _, r := range rec.Events() {
		if r.Event == name {
			return r
		}
	}
	t.Fatalf("event %q not emitted; got %v", name, rec.Names())
	return events.Recorded{}
}

func TestTargetRequestLifecycle(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/", network.ResourceTypeDocument, network.InitiatorTypeOther))
	if names := rec.Names(); len(names) != 1 || names[0] != events.TargetFetchStart {
		t.Fatalf("after request, events = %v", names)
	}

	c.onResponseReceived(responseEvent("1", "https://example.test/", 200, "text/html; charset=utf-8"), staticBody("<html></html>"))
	if len(rec.Names()) != 1 {
		t.Fatalf("target response must not emit before load: %v", rec.Names())
	}

	if err := c.finishTarget("https://example.test/"); err != nil {
		t.Fatalf("finishTarget() error = %v", err)
	}

	got := findEvent(t, rec, events.TargetFetchEnd)
	fetch := got.Payload.(events.Fetch)
	if fetch.Resource != "https://example.test/" {
		t.Fatalf("resource = %q", fetch.Resource)
	}
	if fetch.Response.MediaType != "text/html" || fetch.Response.Charset != "utf-8" {
		t.Fatalf("resolved type = %q %q", fetch.Response.MediaType, fetch.Response.Charset)
	}
	if fetch.Response.Body.Content != "<html></html>" {
		t.Fatalf("body = %q", fetch.Response.Body.Content)
	}
	if c.TargetNetworkData() == nil {
		t.Fatalf("TargetNetworkData() = nil")
	}
}

func TestSubresourceEventsQueueUntilSnapshot(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/", network.ResourceTypeDocument, network.InitiatorTypeOther))
	c.onRequestWillBeSent(requestEvent("2", "https://cdn.example.test/lib/app.js", network.ResourceTypeScript, network.InitiatorTypeParser))
	c.onResponseReceived(responseEvent("2", "https://cdn.example.test/lib/app.js", 200, "application/octet-stream"), staticBody("var x;"))

	if names := rec.Names(); len(names) != 1 {
		t.Fatalf("subresource events leaked before snapshot: %v", names)
	}

	installDocument(t, c, `<html><head><script src="https://cdn.example.test/lib/app.js"></script></head></html>`)

	names := rec.Names()
	want := []string{events.TargetFetchStart, events.FetchStart, events.FetchEnd}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}

	fetch := findEvent(t, rec, events.FetchEnd).Payload.(events.Fetch)
	if fetch.Element == nil || fetch.Element.TagName() != "script" {
		t.Fatalf("element = %v, want script", fetch.Element)
	}
	// The script element wins over the octet-stream header.
	if fetch.Response.MediaType != "text/javascript" {
		t.Fatalf("media type = %q", fetch.Response.MediaType)
	}
}

func TestElementCorrelationBySuffix(t *testing.T) {
	c, _ := newTestConnector(t, "https://example.test/")
	installDocument(t, c, `<html><body>
<img src="/images/logo.png">
<img src="/images/other/logo.png">
</body></html>`)

	c.mu.Lock()
	defer c.mu.Unlock()

	el := c.elementForRequestLocked("https://example.test/images/other/logo.png", network.InitiatorTypeParser)
	if el == nil || el.Attr("src") != "/images/other/logo.png" {
		t.Fatalf("element = %v", el)
	}

	// Ambiguous shorter suffix resolves to the first match in document order.
	el = c.elementForRequestLocked("https://other.example.test/logo.png", network.InitiatorTypeParser)
	if el == nil || el.Attr("src") != "/images/logo.png" {
		t.Fatalf("element = %v", el)
	}

	if el := c.elementForRequestLocked("https://example.test/images/logo.png", network.InitiatorTypeScript); el != nil {
		t.Fatalf("script-initiated request attributed to %v", el)
	}
	if el := c.elementForRequestLocked("data:image/png;base64,xyz", network.InitiatorTypeParser); el != nil {
		t.Fatalf("data URL attributed to %v", el)
	}
}

func TestRedirectChainHops(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/a.png", network.ResourceTypeImage, network.InitiatorTypeParser))
	c.onRequestWillBeSent(redirectEvent("1", "https://example.test/a.png", "https://example.test/b.png"))
	c.onRequestWillBeSent(redirectEvent("1", "https://example.test/b.png", "https://example.test/c.png"))
	c.onResponseReceived(responseEvent("1", "https://example.test/c.png", 200, "image/png"), nil)

	installDocument(t, c, `<html><body><img src="/a.png"></body></html>`)

	fetch := findEvent(t, rec, events.FetchEnd).Payload.(events.Fetch)
	if len(fetch.Response.Hops) != 2 ||
		fetch.Response.Hops[0] != "https://example.test/a.png" ||
		fetch.Response.Hops[1] != "https://example.test/b.png" {
		t.Fatalf("hops = %v", fetch.Response.Hops)
	}
	if fetch.Resource != "https://example.test/a.png" {
		t.Fatalf("resource = %q", fetch.Resource)
	}
	if fetch.Element == nil || fetch.Element.TagName() != "img" {
		t.Fatalf("element = %v", fetch.Element)
	}
}

func TestSelfRedirectEmitsFetchError(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/loop", network.ResourceTypeImage, network.InitiatorTypeParser))
	c.onRequestWillBeSent(redirectEvent("1", "https://example.test/loop", "https://example.test/loop"))
	// Later events for the dead request are dropped.
	c.onResponseReceived(responseEvent("1", "https://example.test/loop", 200, ""), nil)
	c.onLoadingFailed(&network.EventLoadingFailed{RequestID: "1", ErrorText: "net::ERR_TOO_MANY_REDIRECTS"})

	installDocument(t, c, `<html></html>`)

	failed := findEvent(t, rec, events.FetchError).Payload.(events.FetchFailed)
	if !strings.Contains(failed.Error, "redirects to itself") {
		t.Fatalf("error = %q", failed.Error)
	}
	if len(failed.Hops) != 1 || failed.Hops[0] != "https://example.test/loop" {
		t.Fatalf("hops = %v", failed.Hops)
	}
	for _, name := range rec.Names() {
		if name == events.FetchEnd {
			t.Fatalf("fetch::end emitted for aborted request")
		}
	}
}

func TestLoadingFailedEmitsFetchError(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/gone.css", network.ResourceTypeStylesheet, network.InitiatorTypeParser))
	c.onLoadingFailed(&network.EventLoadingFailed{RequestID: "1", ErrorText: "net::ERR_CONNECTION_REFUSED"})

	installDocument(t, c, `<html></html>`)

	failed := findEvent(t, rec, events.FetchError).Payload.(events.FetchFailed)
	if failed.Error != "net::ERR_CONNECTION_REFUSED" {
		t.Fatalf("error = %q", failed.Error)
	}
	if failed.Resource != "https://example.test/gone.css" {
		t.Fatalf("resource = %q", failed.Resource)
	}
}

func TestCanceledLoadEmitsNothing(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/x.js", network.ResourceTypeScript, network.InitiatorTypeParser))
	c.onLoadingFailed(&network.EventLoadingFailed{RequestID: "1", ErrorText: "net::ERR_ABORTED", Canceled: true})

	installDocument(t, c, `<html></html>`)

	for _, name := range rec.Names() {
		if name == events.FetchError {
			t.Fatalf("fetch::error emitted for canceled request")
		}
	}
}

func TestUntrackedResponseEmitsFetchEnd(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onResponseReceived(responseEvent("99", "https://example.test/x", 200, "text/plain"), staticBody("ok"))
	if len(rec.Names()) != 0 {
		t.Fatalf("untracked response leaked before snapshot: %v", rec.Names())
	}
	// A failure for a request that was never observed has nothing to report.
	c.onLoadingFailed(&network.EventLoadingFailed{RequestID: "100", ErrorText: "boom"})

	installDocument(t, c, `<html></html>`)

	fetch := findEvent(t, rec, events.FetchEnd).Payload.(events.Fetch)
	if fetch.Resource != "https://example.test/x" {
		t.Fatalf("resource = %q", fetch.Resource)
	}
	if fetch.Element != nil {
		t.Fatalf("element = %v, want nil", fetch.Element)
	}
	if len(fetch.Request.Headers) != 0 {
		t.Fatalf("request headers = %v, want none", fetch.Request.Headers)
	}
	for _, name := range rec.Names() {
		if name == events.FetchError {
			t.Fatalf("fetch::error emitted for untracked failure: %v", rec.Names())
		}
	}
}

func TestManifestLoadingFailedEmitsManifestError(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/site.webmanifest", network.ResourceTypeManifest, network.InitiatorTypeOther))
	c.onLoadingFailed(&network.EventLoadingFailed{
		RequestID: "1",
		Type:      network.ResourceTypeManifest,
		ErrorText: "net::ERR_CONNECTION_REFUSED",
	})

	installDocument(t, c, `<html></html>`)

	failed := findEvent(t, rec, events.ManifestFetchError).Payload.(events.FetchFailed)
	if failed.Error != "net::ERR_CONNECTION_REFUSED" {
		t.Fatalf("error = %q", failed.Error)
	}
	if failed.Resource != "https://example.test/site.webmanifest" {
		t.Fatalf("resource = %q", failed.Resource)
	}
	for _, name := range rec.Names() {
		if name == events.FetchError {
			t.Fatalf("manifest failure reported as fetch::error: %v", rec.Names())
		}
	}
	if !c.manifestSeen {
		t.Fatalf("manifestSeen = false after failed manifest fetch")
	}
}

func TestDefaultFaviconSuppressed(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/favicon.ico", network.ResourceTypeOther, network.InitiatorTypeOther))
	c.onResponseReceived(responseEvent("1", "https://example.test/favicon.ico", 200, "image/x-icon"), nil)

	installDocument(t, c, `<html></html>`)

	if len(rec.Names()) != 0 {
		t.Fatalf("browser favicon probe leaked events: %v", rec.Names())
	}
}

func TestTargetFailureSignalsFatal(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")

	c.onRequestWillBeSent(requestEvent("1", "https://example.test/", network.ResourceTypeDocument, network.InitiatorTypeOther))
	c.onLoadingFailed(&network.EventLoadingFailed{RequestID: "1", ErrorText: "net::ERR_NAME_NOT_RESOLVED"})

	findEvent(t, rec, events.TargetFetchError)

	select {
	case err := <-c.fatalCh:
		var coded *CodedError
		if !errors.As(err, &coded) || coded.Code != CodeTargetFailed {
			t.Fatalf("fatal error = %v", err)
		}
	default:
		t.Fatalf("no fatal signal")
	}
}

func TestTraverseSequence(t *testing.T) {
	c, rec := newTestConnector(t, "https://example.test/")
	installDocument(t, c, `<html><head></head><body><p></p><img src="x.png"></body></html>`)
	c.faviconSeen = true

	c.traverse(context.Background())

	names := rec.Names()
	want := []string{
		events.TraverseStart,
		"element::html",
		events.TraverseDown, "element::head", events.TraverseUp,
		events.TraverseDown, "element::body",
		events.TraverseDown, "element::p", events.TraverseUp,
		events.TraverseDown, "element::img", events.TraverseUp,
		events.TraverseUp,
		events.TraverseEnd,
		events.ManifestFetchMissing,
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, names[i], want[i], names)
		}
	}

	// Every descent has a matching ascent.
	downs, ups := 0, 0
	for _, n := range names {
		switch n {
		case events.TraverseDown:
			downs++
		case events.TraverseUp:
			ups++
		}
	}
	if downs != ups || downs != 4 {
		t.Fatalf("downs = %d, ups = %d", downs, ups)
	}
}

func TestManifestFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/site.webmanifest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		w.Write([]byte(`{"name":"app"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Run("found", func(t *testing.T) {
		c, rec := newTestConnector(t, srv.URL+"/")
		installDocument(t, c, `<html><head><link rel="manifest" href="/site.webmanifest"></head></html>`)
		c.faviconSeen = true

		c.traverse(context.Background())

		fetch := findEvent(t, rec, events.ManifestFetchEnd).Payload.(events.Fetch)
		if fetch.Element == nil || fetch.Element.TagName() != "link" {
			t.Fatalf("element = %v", fetch.Element)
		}
		if fetch.Response.MediaType != "application/manifest+json" {
			t.Fatalf("media type = %q", fetch.Response.MediaType)
		}
		for _, name := range rec.Names() {
			if name == events.ManifestFetchMissing {
				t.Fatalf("manifestfetch::missing emitted despite declared manifest")
			}
		}
	})

	t.Run("not_found_is_error_not_missing", func(t *testing.T) {
		c, rec := newTestConnector(t, srv.URL+"/")
		installDocument(t, c, `<html><head><link rel="manifest" href="/absent.webmanifest"></head></html>`)
		c.faviconSeen = true

		c.traverse(context.Background())

		failed := findEvent(t, rec, events.ManifestFetchError).Payload.(events.FetchFailed)
		if !strings.Contains(failed.Error, "404") {
			t.Fatalf("error = %q", failed.Error)
		}
		for _, name := range rec.Names() {
			if name == events.ManifestFetchMissing {
				t.Fatalf("manifestfetch::missing emitted alongside error")
			}
		}
	})

	t.Run("unfetchable_scheme", func(t *testing.T) {
		c, rec := newTestConnector(t, srv.URL+"/")
		installDocument(t, c, `<html><head><link rel="manifest" href="data:application/manifest+json,{}"></head></html>`)
		c.faviconSeen = true

		c.traverse(context.Background())
		findEvent(t, rec, events.ManifestFetchError)
	})
}

func TestFaviconProbe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/x-icon")
		w.Write([]byte{0x00, 0x00, 0x01, 0x00})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Run("probed_when_undeclared", func(t *testing.T) {
		c, rec := newTestConnector(t, srv.URL+"/")
		installDocument(t, c, `<html><head></head></html>`)

		c.traverse(context.Background())

		fetch := findEvent(t, rec, events.FetchEnd).Payload.(events.Fetch)
		if fetch.Resource != srv.URL+"/favicon.ico" {
			t.Fatalf("resource = %q", fetch.Resource)
		}
	})

	t.Run("skipped_when_declared", func(t *testing.T) {
		c, rec := newTestConnector(t, srv.URL+"/")
		installDocument(t, c, `<html><head><link rel="shortcut icon" href="/custom.ico"></head></html>`)

		c.traverse(context.Background())

		for _, name := range rec.Names() {
			if name == events.FetchStart {
				t.Fatalf("favicon probed despite declared icon: %v", rec.Names())
			}
		}
	})
}

func TestCollectRejectsInvalidTarget(t *testing.T) {
	c, _ := newTestConnector(t, "https://example.test/")

	for _, target := range []string{"ftp://example.test/", "://missing-scheme", "/relative"} {
		err := c.Collect(context.Background(), target)
		var coded *CodedError
		if !errors.As(err, &coded) || coded.Code != CodeValidation {
			t.Fatalf("Collect(%q) error = %v, want validation", target, err)
		}
	}
}

func TestCreatedTabsAccumulateAcrossCollections(t *testing.T) {
	c, _ := newTestConnector(t, "https://example.test/")

	c.trackTab("tab-a", true)
	c.trackTab("tab-b", true)
	// Attaching to a browser-owned tab must not mark it for closing.
	c.trackTab("tab-c", false)

	if c.tabTargetID != "tab-c" {
		t.Fatalf("tabTargetID = %q, want tab-c", c.tabTargetID)
	}
	if len(c.createdTabs) != 2 || c.createdTabs[0] != "tab-a" || c.createdTabs[1] != "tab-b" {
		t.Fatalf("createdTabs = %v, want [tab-a tab-b]", c.createdTabs)
	}

	c.mu.Lock()
	c.resetLocked("https://example.test/next")
	c.mu.Unlock()
	if len(c.createdTabs) != 2 {
		t.Fatalf("createdTabs reset between collections: %v", c.createdTabs)
	}
}

func TestNormalizeTargetStripsFragment(t *testing.T) {
	got, err := normalizeTarget("https://example.test/page#section")
	if err != nil {
		t.Fatalf("normalizeTarget() error = %v", err)
	}
	if got != "https://example.test/page" {
		t.Fatalf("normalizeTarget() = %q", got)
	}
}

