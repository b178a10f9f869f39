// Package rooms normalizes room URLs into canonical keys shared by the
// runner, the admin queues, and the KV state layer.
package rooms

import (
	"net/url"
	"strings"
)

// CanonicalOptions controls optional normalization steps.
type CanonicalOptions struct {
	// LowercasePath folds the URL path to lower case. Some deployments issue
	// mixed-case room names; enabling this makes pre-spawn queue keys match.
	LowercasePath bool
}

// Canonicalize produces a stable key for a room URL: scheme and host are
// lowercased, default ports stripped, and the trailing slash removed. The
// result is idempotent: Canonicalize(Canonicalize(u)) == Canonicalize(u).
func Canonicalize(raw string, opts CanonicalOptions) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Not a URL; treat as an opaque room name.
		key := strings.TrimSuffix(raw, "/")
		if opts.LowercasePath {
			key = strings.ToLower(key)
		}
		return key
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "wss" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case scheme == "ws" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")
	if opts.LowercasePath {
		path = strings.ToLower(path)
	}

	return scheme + "://" + host + path
}

// Name extracts the short room name (last path segment) from a room URL.
func Name(roomURL string) string {
	roomURL = strings.TrimSuffix(strings.TrimSpace(roomURL), "/")
	if roomURL == "" {
		return ""
	}
	if u, err := url.Parse(roomURL); err == nil && u.Host != "" {
		roomURL = strings.TrimSuffix(u.EscapedPath(), "/")
	}
	if idx := strings.LastIndex(roomURL, "/"); idx >= 0 {
		return roomURL[idx+1:]
	}
	return roomURL
}
