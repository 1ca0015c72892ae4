package model

import (
	"net/http"
	"strings"
	"time"
)

// Cookie is one session cookie as exported from the browser extension.
// Expires is unix milliseconds; zero marks a session cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HttpOnly bool   `json:"httpOnly,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}

var sameSiteNames = map[http.SameSite]string{
	http.SameSiteLaxMode:    "lax",
	http.SameSiteStrictMode: "strict",
	http.SameSiteNoneMode:   "none",
}

// ParseCookieHeader turns a raw "a=1; b=2" header copied from a browser into
// cookies scoped to domain.
func ParseCookieHeader(header, domain string) []Cookie {
	parsed, err := http.ParseCookie(strings.TrimSpace(header))
	if err != nil {
		return nil
	}
	out := make([]Cookie, 0, len(parsed))
	for _, c := range parsed {
		var expires int64
		if !c.Expires.IsZero() {
			expires = c.Expires.UnixMilli()
		}
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     "/",
			Domain:   domain,
			Expires:  expires,
			Secure:   true,
			HttpOnly: c.HttpOnly,
			SameSite: sameSiteNames[c.SameSite],
		})
	}
	return out
}

// EarliestExpiry returns the soonest non-session cookie expiry, zero when
// every cookie is a session cookie.
func EarliestExpiry(in []Cookie) time.Time {
	var earliest int64
	for _, c := range in {
		if c.Expires <= 0 {
			continue
		}
		if earliest == 0 || c.Expires < earliest {
			earliest = c.Expires
		}
	}
	if earliest == 0 {
		return time.Time{}
	}
	return time.UnixMilli(earliest)
}
