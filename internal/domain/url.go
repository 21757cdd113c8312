package domain

import (
	"net/netip"
	"net/url"
	"strings"
)

const (
	pathChars     = "-%_.~+/"
	queryChars    = ";&%_.~+=-"
	fragmentChars = "-_"
)

// ValidLocator reports whether s is a syntactically well-formed image
// locator: optional http(s) scheme, a hostname or IPv4 address, then an
// optional port, path, query and fragment. No network access is done.
func ValidLocator(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}

	raw := s
	if i := strings.Index(s, "://"); i >= 0 {
		switch strings.ToLower(s[:i]) {
		case "http", "https":
		default:
			return false
		}
	} else {
		raw = "http://" + s
	}

	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" || u.User != nil {
		return false
	}
	if strings.HasSuffix(u.Host, ":") || !validHost(u.Hostname()) {
		return false
	}

	return onlyChars(u.EscapedPath(), pathChars) &&
		onlyChars(u.RawQuery, queryChars) &&
		onlyChars(u.EscapedFragment(), fragmentChars)
}

// ValidLocatorList reports whether every comma-separated element of s,
// after trimming whitespace, is a valid locator.
func ValidLocatorList(s string) bool {
	for _, part := range strings.Split(s, ",") {
		if !ValidLocator(strings.TrimSpace(part)) {
			return false
		}
	}
	return true
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Is4()
	}

	labels := strings.Split(host, ".")
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if !isLetter(r) {
			return false
		}
	}
	for _, label := range labels {
		if label == "" || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		if !onlyChars(label, "-") {
			return false
		}
	}
	return true
}

// onlyChars reports whether s consists of ASCII letters, digits and the
// given extra characters.
func onlyChars(s, extra string) bool {
	for _, r := range s {
		if isLetter(r) || (r >= '0' && r <= '9') || strings.ContainsRune(extra, r) {
			continue
		}
		return false
	}
	return true
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
