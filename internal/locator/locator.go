// Package locator turns script locators into the identifiers used for load-once bookkeeping.
package locator

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Identifier is the normalized key of a locator: its final path segment.
// Two locators with the same file name are the same module.
type Identifier string

var (
	// ErrEmptyLocator is returned for an empty locator.
	ErrEmptyLocator = errors.New("empty locator")
	// ErrNoFileName is returned when a locator ends with a path separator.
	ErrNoFileName = errors.New("locator has no file name")
)

// CrossOriginError reports a locator carrying a scheme prefix.
// Scripts are only ever loaded from the document's own origin.
type CrossOriginError struct {
	Locator string
}

func (e *CrossOriginError) Error() string {
	return fmt.Sprintf("scripts must be on same origin as document: %s", e.Locator)
}

// Normalize returns the identifier for loc.
// Any text before the first ':' marks a scheme and is rejected, as is a
// leading "//", which names another host.
func Normalize(loc string) (Identifier, error) {
	if loc == "" {
		return "", ErrEmptyLocator
	}
	if i := strings.Index(loc, ":"); i > 0 || strings.HasPrefix(loc, "//") {
		return "", &CrossOriginError{Locator: loc}
	}
	name := loc[strings.LastIndex(loc, "/")+1:]
	if name == "" {
		return "", fmt.Errorf("%w: %s", ErrNoFileName, loc)
	}
	return Identifier(name), nil
}

// Resolve joins a same-origin locator onto origin, producing the URL to fetch.
// Relative locators resolve against the origin's path like a browser would.
func Resolve(origin *url.URL, loc string) (string, error) {
	if origin == nil {
		return "", fmt.Errorf("no origin configured for %s", loc)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("invalid locator %s: %w", loc, err)
	}
	if ref.Scheme != "" || ref.Host != "" {
		return "", &CrossOriginError{Locator: loc}
	}
	return origin.ResolveReference(ref).String(), nil
}

// ParseOrigin parses and checks a document origin such as "http://127.0.0.1:8080/".
func ParseOrigin(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin %q must be an http or https URL", base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin %q has no host", base)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
