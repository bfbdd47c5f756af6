package servicenow

import (
	"net/url"
	"regexp"
	"strings"
)

// nextLinkRe matches the rel="next" entry of a Link header. ServiceNow sends
// the full relative-link set on every page:
//
//	<…first>;rel="first",<…prev>;rel="prev",<…next>;rel="next",<…last>;rel="last"
//
// The optional "(.*,)" prefix also accepts headers where next is the first
// (or only) entry.
var nextLinkRe = regexp.MustCompile(`^(?:.*,)?\s*<([^>]*)>\s*;\s*rel="next"`)

// nextPageURL returns the URL of the next page named by a Link header, or ""
// when there is none. A missing, empty or unparseable header means the last
// page was reached; it is never an error. Relative links are resolved
// against the URL of the page that carried the header.
func nextPageURL(linkHeader string, current *url.URL) string {
	linkHeader = strings.TrimSpace(linkHeader)
	if linkHeader == "" {
		return ""
	}

	m := nextLinkRe.FindStringSubmatch(linkHeader)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return ""
	}
	next := strings.TrimSpace(m[1])

	ref, err := url.Parse(next)
	if err != nil {
		return ""
	}
	if ref.IsAbs() || current == nil {
		return next
	}
	return current.ResolveReference(ref).String()
}
