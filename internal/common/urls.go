package common

import (
	"fmt"
	"net/url"
	"strings"
)

// testHosts are hostnames only reachable in development setups. Catalog
// and API URLs pointing at them are rejected in production.
var testHosts = map[string]bool{
	"localhost":            true,
	"127.0.0.1":            true,
	"0.0.0.0":              true,
	"host.docker.internal": true,
}

// IsTestURL reports whether the URL points at a local development host.
func IsTestURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	return testHosts[host] || strings.HasSuffix(host, ".local")
}

// ValidateSourceURL checks that a configured source URL is absolute,
// http(s), and permitted in the current environment.
func ValidateSourceURL(raw string, allowTestURLs bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q in %q", parsed.Scheme, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	if !allowTestURLs && IsTestURL(raw) {
		return fmt.Errorf("test URL %q not allowed in production", raw)
	}
	return nil
}

// ResolveURL resolves a possibly-relative href against a base page URL.
// Returns an empty string when either side is unusable.
func ResolveURL(base, href string) string {
	if href == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	resolved := baseURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}
