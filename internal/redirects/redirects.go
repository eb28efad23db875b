// Package redirects records the hop chains resources traverse before
// reaching their final URL.
package redirects

import (
	"errors"
	"fmt"
)

// MaxRedirects bounds the length of any accepted chain. A request whose
// chain would grow past this is dropped from further redirect processing.
const MaxRedirects = 10

// ErrRedirectLoop is returned when a URL redirects to itself.
var ErrRedirectLoop = errors.New("infinite redirect loop")

// Tracker maps a final URL to the ordered list of URLs that redirected to
// it, oldest first. Chains are append-only for the lifetime of one
// collection; they are never pruned mid-scan. The connector serializes all
// access, so Tracker itself carries no lock.
type Tracker struct {
	chains map[string][]string
}

func NewTracker() *Tracker {
	return &Tracker{chains: make(map[string][]string)}
}

// Add records that originalURL redirected to finalURL. The chain already
// accumulated for originalURL, if any, is carried forward. A self-redirect
// is rejected as a loop and nothing is recorded; the caller must treat that
// as fatal for the request. A chain that would exceed MaxRedirects is
// likewise rejected without being extended.
func (t *Tracker) Add(originalURL, finalURL string) error {
	if originalURL == finalURL {
		return fmt.Errorf("%w: %s redirects to itself", ErrRedirectLoop, originalURL)
	}
	prior := t.chains[originalURL]
	if len(prior)+1 >= MaxRedirects {
		return fmt.Errorf("more than %d redirects for %s", MaxRedirects, finalURL)
	}
	chain := make([]string, 0, len(prior)+1)
	chain = append(chain, prior...)
	chain = append(chain, originalURL)
	t.chains[finalURL] = chain
	return nil
}

// Calculate returns the ordered hop list ending at url, oldest first, or nil
// when url was never the target of a redirect.
func (t *Tracker) Calculate(url string) []string {
	return t.chains[url]
}
