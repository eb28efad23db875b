// Package connector drives a browser over the remote debugging protocol,
// captures the network exchanges a page performs while loading, walks the
// resulting DOM, and publishes the whole collection as an ordered event
// stream.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/iansealy/sonarwhal/internal/browser"
	"github.com/iansealy/sonarwhal/internal/config"
	"github.com/iansealy/sonarwhal/internal/dom"
	"github.com/iansealy/sonarwhal/internal/events"
	"github.com/iansealy/sonarwhal/internal/redirects"
	"github.com/iansealy/sonarwhal/internal/requester"
)

const (
	attachRetries  = 3
	attachBackoff  = 500 * time.Millisecond
	bodyTimeout    = 10 * time.Second
	closeTabWithin = 5 * time.Second
)

// Launcher starts or reuses a browser with remote debugging enabled.
type Launcher interface {
	Launch(ctx context.Context, initialURL string) (browser.Instance, error)
	Stop()
	Running() bool
}

// Connector performs one page collection at a time. It is safe to reuse for
// sequential collections; concurrent Collect calls are rejected.
type Connector struct {
	cfg      *config.Config
	emitter  *events.Emitter
	launcher Launcher
	req      *requester.Requester

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	tabTargetID target.ID
	createdTabs []target.ID

	raw *rawClient

	mu               sync.Mutex
	collecting       bool
	loadFired        bool
	loadCh           chan struct{}
	fatalCh          chan error
	targetHref       string
	finalHref        string
	targetRequestID  network.RequestID
	targetResponse   *network.Response
	targetGetBody    bodyFunc
	targetReqHeaders map[string]string
	targetData       *events.NetworkData
	requests         map[network.RequestID]*requestRecord
	pendingEvents    []func()
	document         *dom.Document
	tracker          *redirects.Tracker
	manifestSeen     bool
	faviconSeen      bool
	pageErrored      bool
}

// New builds a connector. A nil emitter gets a fresh one; a nil launcher
// means the browser at the configured debugging address must already be
// running.
func New(cfg *config.Config, emitter *events.Emitter, launcher Launcher) *Connector {
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &Connector{
		cfg:      cfg,
		emitter:  emitter,
		launcher: launcher,
		req:      requester.New(),
	}
}

// Emitter exposes the event stream for subscription.
func (c *Connector) Emitter() *events.Emitter { return c.emitter }

// FinalHref returns the URL the target resolved to after redirects.
func (c *Connector) FinalHref() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalHref
}

// Document returns the parsed DOM snapshot, nil before the page has loaded.
func (c *Connector) Document() *dom.Document {
	return c.documentSnapshot()
}

// TargetNetworkData returns the exchange for the page's own document, nil
// until targetfetch::end has been emitted.
func (c *Connector) TargetNetworkData() *events.NetworkData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetData
}

func (c *Connector) documentSnapshot() *dom.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document
}

// Collect loads targetURL in a browser tab and emits the full lifecycle
// stream: scan boundaries, every network exchange, the DOM traversal, and
// the manifest and favicon probes. It blocks until the collection finishes.
func (c *Connector) Collect(ctx context.Context, targetURL string) error {
	targetHref, err := normalizeTarget(targetURL)
	if err != nil {
		return newError(CodeValidation, fmt.Sprintf("invalid target %q", targetURL), err)
	}

	c.mu.Lock()
	if c.collecting {
		c.mu.Unlock()
		return newError(CodeCollectionInProgress, "a collection is already running", nil)
	}
	c.collecting = true
	c.resetLocked(targetHref)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.collecting = false
		c.mu.Unlock()
	}()

	c.emitter.Emit(events.ScanStart, events.Scan{Resource: targetHref})

	if c.launcher != nil {
		initialURL := "about:blank"
		if c.cfg.UseTabURL {
			initialURL = c.cfg.TabURL
		}
		inst, err := c.launcher.Launch(ctx, initialURL)
		if err != nil {
			return c.endScan(targetHref, newError(CodeCDPUnavailable, "browser launch failed", err))
		}
		return c.collect(ctx, targetHref, inst)
	}
	return c.collect(ctx, targetHref, browser.Instance{Address: c.cfg.CDPAddress, Port: c.cfg.CDPPort})
}

func (c *Connector) collect(ctx context.Context, targetHref string, inst browser.Instance) error {
	c.releaseSession()
	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cfg.GetCDPURL())

	tabCtx, tabCancel, err := c.acquireTab(ctx, inst)
	if err != nil {
		return c.endScan(targetHref, newError(CodeTabAttach, "could not attach to a tab", err))
	}
	c.tabCtx, c.tabCancel = tabCtx, tabCancel

	chromedp.ListenTarget(tabCtx, c.dispatch(tabCtx))

	actions := []chromedp.Action{
		network.Enable(),
		network.ClearBrowserCache(),
		network.SetCacheDisabled(true),
	}
	if len(c.cfg.Headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(toNetworkHeaders(c.cfg.Headers)))
	}
	if c.cfg.OverrideInvalidCert {
		actions = append(actions, security.SetIgnoreCertificateErrors(true))
	}
	actions = append(actions, page.Enable())
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return c.endScan(targetHref, newError(CodeCDPUnavailable, "enable protocol domains", err))
	}

	if err := navigate(tabCtx, targetHref); err != nil {
		c.emitter.Emit(events.TargetFetchError, events.FetchFailed{Error: err.Error(), Resource: targetHref})
		return c.endScan(targetHref, newError(CodeNavigation, "navigation failed", err))
	}

	c.mu.Lock()
	loadCh, fatalCh := c.loadCh, c.fatalCh
	c.mu.Unlock()

	select {
	case <-loadCh:
	case err := <-fatalCh:
		return c.endScan(targetHref, err)
	case <-ctx.Done():
		return c.endScan(targetHref, ctx.Err())
	}

	// Late subresources keep arriving after the load event.
	time.Sleep(c.cfg.WaitFor)

	if err := c.finishTarget(targetHref); err != nil {
		return c.endScan(targetHref, err)
	}

	var outerHTML string
	if err := chromedp.Run(tabCtx, chromedp.Evaluate("document.documentElement.outerHTML", &outerHTML)); err != nil {
		return c.endScan(targetHref, newError(CodeEvalFailure, "snapshot DOM", err))
	}

	c.mu.Lock()
	doc, err := dom.Parse(outerHTML, c.finalHref)
	if err != nil {
		c.mu.Unlock()
		return c.endScan(targetHref, newError(CodeEvalFailure, "parse DOM snapshot", err))
	}
	c.document = doc
	queued := c.pendingEvents
	c.pendingEvents = nil
	c.mu.Unlock()

	// Replay everything that happened before the snapshot, in arrival order.
	for _, fn := range queued {
		fn()
	}

	c.traverse(ctx)

	time.Sleep(c.cfg.GraceDelay)
	c.emitter.Emit(events.ScanEnd, events.Scan{Resource: targetHref})
	return nil
}

// finishTarget builds and emits the exchange for the page's own document.
// The body has to wait until now: fetching it from the protocol event
// goroutine would deadlock the session.
func (c *Connector) finishTarget(targetHref string) error {
	c.mu.Lock()
	resp := c.targetResponse
	getBody := c.targetGetBody
	headers := c.targetReqHeaders
	errored := c.pageErrored
	c.mu.Unlock()

	if resp == nil {
		if errored {
			return newError(CodeTargetFailed, "target document failed to load", nil)
		}
		return newError(CodeTargetFailed, "no response observed for the target document", nil)
	}

	c.mu.Lock()
	hops := c.tracker.Calculate(resp.URL)
	c.mu.Unlock()

	data := buildNetworkData(nil, headers, targetHref, resp, hops, getBody)

	c.mu.Lock()
	c.targetData = &data
	c.mu.Unlock()

	c.emitter.Emit(events.TargetFetchEnd, events.Fetch{
		Request:  data.Request,
		Resource: targetHref,
		Response: data.Response,
	})
	return nil
}

func (c *Connector) endScan(targetHref string, err error) error {
	c.emitter.Emit(events.ScanEnd, events.Scan{Resource: targetHref})
	return err
}

// dispatch routes protocol events from the tab session to the capture
// handlers.
func (c *Connector) dispatch(tabCtx context.Context) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			c.onRequestWillBeSent(e)
		case *network.EventResponseReceived:
			reqID := e.RequestID
			getBody := func(context.Context) ([]byte, error) {
				bodyCtx, cancel := context.WithTimeout(tabCtx, bodyTimeout)
				defer cancel()

				var body []byte
				err := chromedp.Run(bodyCtx, chromedp.ActionFunc(func(ctx context.Context) error {
					var err error
					body, err = network.GetResponseBody(reqID).Do(ctx)
					return err
				}))
				return body, err
			}
			c.onResponseReceived(e, getBody)
		case *network.EventLoadingFailed:
			c.onLoadingFailed(e)
		case *page.EventLoadEventFired:
			c.mu.Lock()
			if !c.loadFired {
				c.loadFired = true
				close(c.loadCh)
			}
			c.mu.Unlock()
		}
	}
}

// acquireTab attaches to a page target, retrying with linear backoff. A
// freshly launched browser contributes its initial tab; a reused browser
// gets a new one so existing tabs stay untouched.
func (c *Connector) acquireTab(ctx context.Context, inst browser.Instance) (context.Context, context.CancelFunc, error) {
	var lastErr error
	for attempt := 1; attempt <= attachRetries; attempt++ {
		tabCtx, cancel, err := c.tryAttach(ctx, inst)
		if err == nil {
			return tabCtx, cancel, nil
		}
		lastErr = err
		slog.Warn("tab attach failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * attachBackoff):
		}
	}
	return nil, nil, lastErr
}

func (c *Connector) tryAttach(ctx context.Context, inst browser.Instance) (context.Context, context.CancelFunc, error) {
	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()

	if err := chromedp.Run(tempCtx); err != nil {
		return nil, nil, fmt.Errorf("connect to browser: %w", err)
	}

	var targetID target.ID
	created := false
	if inst.IsNew {
		targets, err := chromedp.Targets(tempCtx)
		if err != nil {
			return nil, nil, fmt.Errorf("enumerate targets: %w", err)
		}
		for _, t := range targets {
			if t.Type == "page" && !strings.HasPrefix(t.URL, "chrome-extension://") {
				targetID = t.TargetID
				break
			}
		}
		if targetID == "" {
			return nil, nil, fmt.Errorf("no page target in freshly launched browser")
		}
	} else {
		createURL := "about:blank"
		if c.cfg.UseTabURL {
			createURL = c.cfg.TabURL
		}
		err := chromedp.Run(tempCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			targetID, err = target.CreateTarget(createURL).Do(ctx)
			return err
		}))
		if err != nil {
			return nil, nil, fmt.Errorf("create tab: %w", err)
		}
		created = true
	}

	tabCtx, cancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("attach to tab %s: %w", targetID, err)
	}

	c.trackTab(targetID, created)
	slog.Info("attached to tab", "target_id", targetID, "created", created)
	return tabCtx, cancel, nil
}

// trackTab records the active tab. Tabs the connector created itself are
// remembered in creation order so Close can shut each of them, including
// tabs left over from earlier collections against a reused browser.
func (c *Connector) trackTab(id target.ID, created bool) {
	c.tabTargetID = id
	if created {
		c.createdTabs = append(c.createdTabs, id)
	}
}

// releaseSession drops the protocol session from a previous collection. The
// browser-side tabs stay open until Close.
func (c *Connector) releaseSession() {
	if c.tabCancel != nil {
		c.tabCancel()
		c.tabCancel = nil
		c.tabCtx = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
	}
}

// Close tears the session down: every tab the connector created is closed
// best-effort, the raw debug socket and the allocator are released, and a
// launched browser is stopped.
func (c *Connector) Close() error {
	if c.tabCtx != nil && len(c.createdTabs) > 0 {
		closeCtx, cancel := context.WithTimeout(c.tabCtx, closeTabWithin)
		for _, id := range c.createdTabs {
			err := chromedp.Run(closeCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				return target.CloseTarget(id).Do(ctx)
			}))
			if err != nil {
				slog.Debug("close tab", "target_id", id, "error", err)
			}
		}
		cancel()
		c.createdTabs = nil
	}
	if c.raw != nil {
		c.raw.close()
	}
	if c.tabCancel != nil {
		c.tabCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	if c.launcher != nil && c.launcher.Running() {
		c.launcher.Stop()
	}
	time.Sleep(c.cfg.CloseDelay)
	slog.Info("connector closed")
	return nil
}

func (c *Connector) resetLocked(targetHref string) {
	c.loadFired = false
	c.loadCh = make(chan struct{})
	c.fatalCh = make(chan error, 1)
	c.targetHref = targetHref
	c.finalHref = targetHref
	c.targetRequestID = ""
	c.targetResponse = nil
	c.targetGetBody = nil
	c.targetReqHeaders = nil
	c.targetData = nil
	c.requests = make(map[network.RequestID]*requestRecord)
	c.pendingEvents = nil
	c.document = nil
	c.tracker = redirects.NewTracker()
	c.manifestSeen = false
	c.faviconSeen = false
	c.pageErrored = false
}

func (c *Connector) signalFatalLocked(err error) {
	select {
	case c.fatalCh <- err:
	default:
	}
}

func navigate(tabCtx context.Context, targetHref string) error {
	return chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, _, err := page.Navigate(targetHref).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("%s", errText)
		}
		return nil
	}))
}

// normalizeTarget validates the target URL and strips the fragment, which
// never reaches the network.
func normalizeTarget(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	u.Fragment = ""
	return u.String(), nil
}

func toNetworkHeaders(h map[string]string) network.Headers {
	out := make(network.Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
