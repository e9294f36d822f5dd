package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Upstream defines a single proxy target.
type Upstream struct {
	Name   string // display name (e.g. "ctl-api")
	Prefix string // URL path prefix to match (e.g. "/api"); use "/" for catch-all
	Target string // target base URL (e.g. "http://localhost:8081")
	// Host, when set, restricts the upstream to requests for that host.
	Host string
	// StripPrefix removes Prefix from the path before forwarding.
	StripPrefix bool
	parsed      *url.URL
}

// Router routes incoming requests to upstreams based on host and path
// prefix. Host-bound upstreams are tried first, then longer prefixes.
type Router struct {
	upstreams []Upstream
}

// NewRouter validates and prepares the given upstreams for routing.
func NewRouter(upstreams []Upstream) (*Router, error) {
	r := &Router{}
	for _, u := range upstreams {
		if u.Prefix == "" {
			u.Prefix = "/"
		}
		parsed, err := url.Parse(u.Target)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q for upstream %q: %w", u.Target, u.Name, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid target %q for upstream %q: need scheme and host", u.Target, u.Name)
		}
		u.parsed = parsed
		u.Host = strings.ToLower(u.Host)
		r.upstreams = append(r.upstreams, u)
	}
	sort.SliceStable(r.upstreams, func(i, j int) bool {
		a, b := r.upstreams[i], r.upstreams[j]
		if (a.Host != "") != (b.Host != "") {
			return a.Host != ""
		}
		return len(a.Prefix) > len(b.Prefix)
	})
	return r, nil
}

// Match returns the best-matching upstream for the given request, or nil.
func (r *Router) Match(req *http.Request) *Upstream {
	path := req.URL.Path
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for i := range r.upstreams {
		u := &r.upstreams[i]
		if u.Host != "" && u.Host != host {
			continue
		}
		if u.Prefix == "/" || strings.HasPrefix(path, u.Prefix) {
			return u
		}
	}
	return nil
}

// Upstreams returns a read-only copy of the configured upstreams.
func (r *Router) Upstreams() []Upstream {
	cp := make([]Upstream, len(r.upstreams))
	copy(cp, r.upstreams)
	return cp
}

// Director returns an http.Request director for use with httputil.ReverseProxy.
// It rewrites the outgoing request URL to point at the upstream target.
// ReverseProxy appends the client address to X-Forwarded-For itself.
func Director(upstream *Upstream) func(*http.Request) {
	target := upstream.parsed
	return func(req *http.Request) {
		if req.Header.Get("X-Forwarded-Host") == "" && req.Host != "" {
			req.Header.Set("X-Forwarded-Host", req.Host)
		}

		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host

		if upstream.StripPrefix && upstream.Prefix != "/" {
			req.URL.Path = "/" + strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, upstream.Prefix), "/")
			req.URL.RawPath = ""
		}
		// Prepend the target's base path if it has one.
		if p := target.Path; p != "" && p != "/" {
			req.URL.Path = strings.TrimSuffix(p, "/") + req.URL.Path
		}

		req.Host = target.Host
	}
}
