package httpserver

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// CheckOrigin builds the upgrade origin check shared by the data-plane and
// telemetry WebSocket routes.
//
// Requests without an Origin header (non-browser clients) are always allowed.
// With a non-empty allowlist, each entry must be "*" or a normalized origin
// (scheme://host[:port]). With an empty allowlist the policy is same-host:
// the Origin host must match the request's Host header.
func CheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			return true
		}

		normalized, host, ok := normalizeOrigin(originHeader)
		if !ok {
			return false
		}

		if len(allowedOrigins) > 0 {
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == normalized {
					return true
				}
			}
			return false
		}

		// Scheme is deliberately not compared: behind a TLS-terminating proxy
		// the request looks like HTTP while the browser Origin is HTTPS.
		return host != "" && host == normalizeHost(r.Host)
	}
}

// normalizeOrigin validates a browser Origin header and returns the
// normalized origin (scheme://host[:port], default ports stripped) plus the
// host[:port] portion for same-host comparison.
func normalizeOrigin(originHeader string) (normalized, host string, ok bool) {
	if originHeader == "null" {
		return "null", "", true
	}

	u, err := url.Parse(originHeader)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host = normalizeHost(u.Host)
	if host == "" {
		return "", "", false
	}
	// A default port for either scheme is equivalent to no port.
	if (scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndexByte(host, ':')]
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lowercases a host[:port] and validates the port if present.
func normalizeHost(raw string) string {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return ""
	}

	hostname, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		// No port.
		return trimmed
	}
	n, perr := strconv.ParseUint(port, 10, 16)
	if perr != nil || n == 0 {
		return ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	return hostname + ":" + port
}
