package track

import (
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Query parameters that never change what a URI points at.
var ignoredParams = map[string]bool{
	"si":         true,
	"feature":    true,
	"t":          true,
	"list":       true,
	"index":      true,
	"pp":         true,
	"context":    true,
	"ab_channel": true,
}

var folder = cases.Fold()

// NormalizeText folds case and compatibility forms and trims whitespace.
func NormalizeText(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	return folder.String(s)
}

// NormalizeURI canonicalises a source URI for duplicate detection.
// Non-URL input is treated as text.
func NormalizeURI(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NormalizeText(raw)
	}

	host := folder.String(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	host = strings.TrimPrefix(host, "music.")

	path := strings.TrimRight(u.Path, "/")
	query := u.Query()

	// youtu.be/<id> and youtube.com/watch?v=<id> point at the same video
	if host == "youtu.be" && path != "" {
		query.Set("v", strings.TrimPrefix(path, "/"))
		host = "youtube.com"
		path = "/watch"
	}

	// open.spotify.com/intl-xx/track/<id>
	if host == "open.spotify.com" {
		if idx := strings.Index(path, "/track/"); idx >= 0 {
			path = path[idx:]
		}
	}

	for key := range query {
		if ignoredParams[key] || strings.HasPrefix(key, "utm_") {
			query.Del(key)
		}
	}

	out := host + path
	if encoded := query.Encode(); encoded != "" {
		out += "?" + encoded
	}
	return out
}
