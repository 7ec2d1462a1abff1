package server

import (
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may reach the cookie-authenticated
// endpoints. Same-origin requests and requests without an Origin header are
// always allowed.
type originPolicy struct {
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		normalized := normalizeOrigin(origin)
		if normalized == "" {
			continue
		}
		allowed[normalized] = struct{}{}
	}
	return originPolicy{allowed: allowed}
}

// allows reports whether origin is on the configured list.
func (p originPolicy) allows(origin string) bool {
	normalized := normalizeOrigin(origin)
	if normalized == "" {
		return false
	}
	_, ok := p.allowed[normalized]
	return ok
}

// checkRequest gates websocket upgrades.
func (p originPolicy) checkRequest(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	return p.allows(origin)
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(origin), "/"))
}
