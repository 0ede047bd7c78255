package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpproxy"
)

// DefaultServerURL is used when only a session name is given.
const DefaultServerURL = "wss://remote-ws-proxy.onrender.com"

// ResolveEndpoint interprets the positional arguments of the lan and
// proxy commands. The first argument is either a bare session name or
// a full server URL carrying the session as its trailing path segment;
// the optional second argument is the server URL. http(s) schemes are
// accepted as aliases of ws(s).
func ResolveEndpoint(sessionOrURL, serverURL string) (*url.URL, string, error) {
	if sessionOrURL == "" {
		return nil, "", errors.New("missing session")
	}

	if strings.Contains(sessionOrURL, "://") {
		base, session, err := splitServerURL(sessionOrURL)
		if err != nil {
			return nil, "", err
		}
		if session == "" {
			return nil, "", fmt.Errorf("server url %q carries no session path segment", sessionOrURL)
		}
		return base, session, nil
	}

	session := sessionOrURL
	raw := serverURL
	if raw == "" {
		raw = DefaultServerURL
	}
	base, trailing, err := splitServerURL(raw)
	if err != nil {
		return nil, "", err
	}
	if trailing != "" && trailing != session {
		return nil, "", fmt.Errorf("session %q conflicts with server url path %q", session, trailing)
	}
	return base, session, nil
}

// splitServerURL normalizes the scheme to ws(s) and peels off the last
// non-empty path segment as the session name.
func splitServerURL(raw string) (*url.URL, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, "", errors.New("server url missing host")
	}

	session := ""
	if trimmed := strings.Trim(u.Path, "/"); trimmed != "" {
		segments := strings.Split(trimmed, "/")
		session = segments[len(segments)-1]
	}
	u.Path = ""
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, session, nil
}

// HTTPBaseURL converts the ws(s) server URL into its http(s)
// equivalent for the long-poll endpoints.
func HTTPBaseURL(u *url.URL) *url.URL {
	out := *u
	if out.Scheme == "wss" {
		out.Scheme = "https"
	} else {
		out.Scheme = "http"
	}
	return &out
}

// proxyFunc builds the server-reach proxy resolver: an explicit URL
// wins, otherwise HTTPS_PROXY / HTTP_PROXY from the environment apply.
func proxyFunc(explicit *url.URL) func(*http.Request) (*url.URL, error) {
	if explicit != nil {
		return http.ProxyURL(explicit)
	}
	envCfg := httpproxy.FromEnvironment()
	return func(r *http.Request) (*url.URL, error) {
		return envCfg.ProxyFunc()(r.URL)
	}
}
