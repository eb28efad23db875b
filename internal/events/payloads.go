package events

import (
	"context"
	"net/http"

	"github.com/iansealy/sonarwhal/internal/dom"
)

// Request describes the outgoing half of a network exchange.
type Request struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ResponseBody carries the fetched body in decoded and raw form. RawResponse
// re-fetches the undecoded bytes on demand; it returns an empty slice when
// the underlying connection is no longer able to serve them.
type ResponseBody struct {
	Content     string                                `json:"content"`
	RawContent  []byte                                `json:"-"`
	RawResponse func(context.Context) ([]byte, error) `json:"-"`
}

// Response describes the incoming half of a network exchange, after the
// content-type resolver has run. Hops is the ordered redirect chain that led
// to URL, oldest first, empty when the resource was served directly.
type Response struct {
	URL        string       `json:"url"`
	StatusCode int          `json:"statusCode"`
	Headers    http.Header  `json:"headers"`
	Hops       []string     `json:"hops,omitempty"`
	Body       ResponseBody `json:"body"`
	MediaType  string       `json:"mediaType,omitempty"`
	Charset    string       `json:"charset,omitempty"`
}

// NetworkData is one complete request/response pair. The pair for the page's
// own root document is retained as the collection's target network data.
type NetworkData struct {
	Request  Request  `json:"request"`
	Response Response `json:"response"`
}

// Scan is the payload of scan::start, scan::end, fetch::start and the
// traverse boundary events.
type Scan struct {
	Resource string `json:"resource"`
}

// Fetch is the payload of fetch::end, targetfetch::end and manifestfetch::end.
// Element is nil when no DOM node could be attributed to the request.
type Fetch struct {
	Element  *dom.Element `json:"element"`
	Request  Request      `json:"request"`
	Resource string       `json:"resource"`
	Response Response     `json:"response"`
}

// FetchFailed is the payload of fetch::error, targetfetch::error and
// manifestfetch::error.
type FetchFailed struct {
	Element  *dom.Element `json:"element"`
	Error    string       `json:"error"`
	Hops     []string     `json:"hops,omitempty"`
	Resource string       `json:"resource"`
}

// ElementVisit is the payload of element::<tagname> events.
type ElementVisit struct {
	Element  *dom.Element `json:"element"`
	Resource string       `json:"resource"`
}
