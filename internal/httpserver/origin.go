package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// originMiddleware enforces the browser origin policy on every route,
// including the WebSocket upgrades. Requests without an Origin header
// (curl, server-to-server probes) pass through untouched.
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			normalized, originHost, ok := normalizeOrigin(originHeader)
			if !ok || !s.originAllowed(normalized, originHost, r.Host) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
				if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed applies the allowlist when configured; otherwise only
// same-host origins pass. Scheme is deliberately not compared against the
// request: behind a TLS-terminating proxy the server sees HTTP while the
// browser Origin says HTTPS.
func (s *Server) originAllowed(normalized, originHost, requestHost string) bool {
	if allowed := s.cfg.AllowedOrigins; len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}
	if originHost == "" {
		// "null" origins never match a host-based default policy.
		return false
	}
	scheme := normalized[:strings.Index(normalized, ":")]
	return originHost == canonicalHost(requestHost, scheme)
}

// normalizeOrigin validates a browser Origin header and returns it in
// canonical scheme://host[:port] form, with default ports stripped. The
// special value "null" is passed through.
func normalizeOrigin(raw string) (normalized, host string, ok bool) {
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host = canonicalHost(u.Host, scheme)
	if host == "" {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases a host[:port] authority and strips the scheme's
// default port. Bracketed IPv6 literals keep their brackets.
func canonicalHost(rawHost, scheme string) string {
	host := strings.ToLower(strings.TrimSpace(rawHost))
	if host == "" {
		return ""
	}
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}
