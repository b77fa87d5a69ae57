package run

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidURL marks a submission whose URL list cannot be audited.
var ErrInvalidURL = errors.New("invalid url")

// ValidateURLs requires at least one absolute http(s) URL and no others.
func ValidateURLs(urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("%w: at least one url is required", ErrInvalidURL)
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidURL, raw)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: %q must use http or https", ErrInvalidURL, raw)
		}
	}
	return nil
}
