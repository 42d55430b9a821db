package crawl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// CanonicalURL normalizes a URL for dedup purposes. The same page
// reached through trivially different spellings must map to one visited
// entry. The transform is idempotent.
func CanonicalURL(rawURL string, ignoreQuery bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "" {
		u, err = url.Parse("https://" + strings.TrimSpace(rawURL))
		if err != nil {
			return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimPrefix(u.Host, "www.")
	u.Fragment = ""
	if ignoreQuery {
		u.RawQuery = ""
	}
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", rawURL)
	}
	return u.String(), nil
}

// SameSite reports whether candidate belongs to the crawl origin's
// site under the given scope options.
func SameSite(origin, candidate *url.URL, allowSubdomains bool) bool {
	originHost := strings.TrimPrefix(strings.ToLower(origin.Hostname()), "www.")
	candHost := strings.TrimPrefix(strings.ToLower(candidate.Hostname()), "www.")
	if candHost == originHost {
		return true
	}
	if allowSubdomains && strings.HasSuffix(candHost, "."+originHost) {
		return true
	}
	return false
}

// PathFilters holds the compiled include/exclude patterns of a crawl.
// Patterns are compiled once at submission time so that a bad regex is
// rejected with a 400 instead of failing every discovered link.
type PathFilters struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	fullURL bool
}

// CompilePathFilters compiles the crawl's include/exclude patterns.
func CompilePathFilters(include, exclude []string, onFullURL bool) (*PathFilters, error) {
	f := &PathFilters{fullURL: onFullURL}
	for _, pat := range include {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid includePaths pattern %q: %w", pat, err)
		}
		f.include = append(f.include, re)
	}
	for _, pat := range exclude {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid excludePaths pattern %q: %w", pat, err)
		}
		f.exclude = append(f.exclude, re)
	}
	return f, nil
}

// Allows reports whether the URL passes the include/exclude policy.
// An empty include list admits everything; excludes always win.
func (f *PathFilters) Allows(u *url.URL) bool {
	subject := u.Path
	if f.fullURL {
		subject = u.String()
	}
	if len(f.include) > 0 {
		matched := false
		for _, re := range f.include {
			if re.MatchString(subject) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, re := range f.exclude {
		if re.MatchString(subject) {
			return false
		}
	}
	return true
}
