package scrape

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a URL for dedup comparison: lowercased, the
// path stripped of its trailing slash, query preserved, fragment dropped.
func NormalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	normalized := fmt.Sprintf("%s://%s%s", parsed.Scheme, parsed.Host, strings.TrimRight(parsed.Path, "/"))
	if parsed.RawQuery != "" {
		normalized += "?" + parsed.RawQuery
	}
	return strings.ToLower(normalized)
}

// ValidateURL rejects anything that is not an absolute http(s) URL.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: parse url %q: %v", ErrValidation, raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: url %q must use http or https", ErrValidation, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: url %q has no host", ErrValidation, raw)
	}
	return nil
}
