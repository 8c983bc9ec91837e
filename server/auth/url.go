package auth

import (
	"errors"
	"net/url"
	"strings"
)

// NormalizeURL brings a server base URL to its canonical form: surrounding
// whitespace and trailing slashes removed, re-serialized through net/url.
// Normalizing an already normalized URL returns it unchanged.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	if s == "" {
		return "", errors.New("auth: empty URL")
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("auth: not an absolute URL '" + s + "'")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// AllowList is a set of normalized server base URLs.
type AllowList map[string]struct{}

// ParseAllowList parses a semicolon-delimited list of URLs. Empty entries are skipped.
func ParseAllowList(list string) (AllowList, error) {
	allowed := AllowList{}
	for _, entry := range strings.Split(list, ";") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		norm, err := NormalizeURL(entry)
		if err != nil {
			return nil, err
		}
		allowed[norm] = struct{}{}
	}
	return allowed, nil
}

// Contains checks membership of an already normalized URL.
func (a AllowList) Contains(normalized string) bool {
	_, ok := a[normalized]
	return ok
}
