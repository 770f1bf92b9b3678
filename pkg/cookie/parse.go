package cookie

import (
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie is a parsed Set-Cookie line.
type Cookie struct {
	Name    string
	Value   string
	Expires time.Time // zero for a session cookie
	Domain  string
	Path    string
}

var expiresLayouts = []string{
	time.RFC1123,
	"Mon, 02-Jan-2006 15:04:05 MST",
	time.RFC850,
	time.ANSIC,
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 MST",
}

func parseExpires(v string) (time.Time, bool) {
	for _, layout := range expiresLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// domainAllowed reports whether a response from host may set a cookie for
// domain: domain must be host itself or a parent of it that is not a public
// suffix.
func domainAllowed(domain, host string) bool {
	if domain == "" {
		return false
	}
	if domain == host {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	if !strings.HasSuffix(host, "."+domain) {
		return false
	}
	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain {
		return false
	}
	return true
}

// ParseSetCookie parses the value of a Set-Cookie header received from host.
// Attributes without "=" (Secure, HttpOnly) are ignored. An expired cookie
// is returned with an empty value so that storing it deletes it.
func ParseSetCookie(line, host string, now time.Time) (Cookie, bool) {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	c := Cookie{Domain: host, Path: "/"}
	haveMaxAge := false

	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if c.Name == "" {
			if k == "" {
				return Cookie{}, false
			}
			c.Name, c.Value = k, v
			continue
		}

		switch strings.ToLower(k) {
		case "expires":
			if haveMaxAge {
				continue
			}
			if t, ok := parseExpires(v); ok {
				c.Expires = t
			}
		case "max-age":
			secs, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			haveMaxAge = true
			c.Expires = now.Add(time.Duration(secs) * time.Second)
		case "domain":
			d := strings.TrimPrefix(strings.ToLower(v), ".")
			if domainAllowed(d, host) {
				c.Domain = d
			}
		case "path":
			if strings.HasPrefix(v, "/") {
				c.Path = v
			}
		}
	}

	if c.Name == "" {
		return Cookie{}, false
	}
	if !c.Expires.IsZero() && !c.Expires.After(now) {
		c.Value = ""
	}
	return c, true
}

// Store saves c into the jar under its own domain and path.
func (j *Jar) Store(c Cookie) {
	j.SetRaw(c.Name, c.Value, c.Expires, c.Domain, c.Path)
}
