package forge

import (
	"net/http"
	"slices"
	"strings"

	"github.com/tomnomnom/linkheader"
)

// nextLink returns the rel="next" target of the Link headers, or "".
func nextLink(h http.Header) string {
	for _, l := range linkheader.ParseMultiple(h.Values("Link")) {
		if slices.Contains(strings.Fields(l.Rel), "next") {
			return l.URL
		}
	}
	return ""
}
