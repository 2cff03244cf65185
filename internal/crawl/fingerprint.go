package crawl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh request identifier.
func NewID() string {
	return uuid.NewString()
}

// Fingerprint derives the stable dedup key for a request from its defining
// attributes. Two requests with equal fingerprints are the same unit of work.
func Fingerprint(method, normalizedURL string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(method) + " " + normalizedURL))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL standardizes a URL so trivial spelling differences do not
// defeat deduplication: lowercased scheme and host, default ports stripped,
// fragment removed, query parameters sorted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}
