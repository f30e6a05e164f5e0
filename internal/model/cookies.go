package model

import (
	"net/url"
	"strings"
)

type Cookie struct {
	Name     string `json:"name" bson:"name"`
	Value    string `json:"value" bson:"value"`
	Path     string `json:"path,omitempty" bson:"path,omitempty"`
	Domain   string `json:"domain,omitempty" bson:"domain,omitempty"`
	Expires  int64  `json:"expires,omitempty" bson:"expires,omitempty"`
	Secure   bool   `json:"secure,omitempty" bson:"secure,omitempty"`
	HttpOnly bool   `json:"httpOnly,omitempty" bson:"httpOnly,omitempty"`
	SameSite string `json:"sameSite,omitempty" bson:"sameSite,omitempty"`
}

// CookiesForTarget binds cookies to the target host, defaulting path to "/"
// and sameSite to Lax. Cookies without a name are dropped.
func CookiesForTarget(in []Cookie, targetURL string) []Cookie {
	host := ""
	if u, err := url.Parse(strings.TrimSpace(targetURL)); err == nil {
		host = u.Hostname()
	}
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		if strings.TrimSpace(c.Domain) == "" {
			c.Domain = host
		}
		if strings.TrimSpace(c.Path) == "" {
			c.Path = "/"
		}
		c.SameSite = normalizeSameSite(c.SameSite)
		out = append(out, c)
	}
	return out
}

func normalizeSameSite(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return "Strict"
	case "none", "no_restriction":
		return "None"
	default:
		return "Lax"
	}
}
