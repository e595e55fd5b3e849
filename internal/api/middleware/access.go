package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/abutsfit/cncbridge/internal/log"
)

// HeaderBridgeSecret carries the shared secret.
const HeaderBridgeSecret = "X-Bridge-Secret"

// AccessConfig restricts who may call the API. Empty fields disable the
// corresponding check.
type AccessConfig struct {
	AllowIPs     []string
	SharedSecret string
	// Exempt paths skip both checks.
	Exempt []string
	// OnDeny, when set, observes refused requests.
	OnDeny func(r *http.Request, reason string)
}

type ipMatcher struct {
	ips  []net.IP
	nets []*net.IPNet
}

func newIPMatcher(entries []string) ipMatcher {
	var m ipMatcher
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if ip := net.ParseIP(e); ip != nil {
			m.ips = append(m.ips, ip)
			continue
		}
		if _, n, err := net.ParseCIDR(e); err == nil {
			m.nets = append(m.nets, n)
		}
	}
	return m
}

func (m ipMatcher) empty() bool { return len(m.ips) == 0 && len(m.nets) == 0 }

func (m ipMatcher) allows(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, a := range m.ips {
		if a.Equal(ip) {
			return true
		}
	}
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// Access enforces the IP allow-list and the shared secret header.
func Access(cfg AccessConfig) func(http.Handler) http.Handler {
	matcher := newIPMatcher(cfg.AllowIPs)
	secret := []byte(cfg.SharedSecret)
	exempt := make(map[string]bool, len(cfg.Exempt))
	for _, p := range cfg.Exempt {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			logger := log.WithComponentFromContext(r.Context(), "http")
			if !matcher.empty() && !matcher.allows(remoteIP(r)) {
				logger.Warn().Str(log.FieldEvent, "http.forbidden_ip").Str(log.FieldRemoteIP, r.RemoteAddr).Msg("caller not in allow-list")
				if cfg.OnDeny != nil {
					cfg.OnDeny(r, "ip not allowed")
				}
				deny(w, http.StatusForbidden, "forbidden")
				return
			}
			if len(secret) > 0 {
				got := []byte(r.Header.Get(HeaderBridgeSecret))
				if subtle.ConstantTimeCompare(got, secret) != 1 {
					logger.Warn().Str(log.FieldEvent, "http.bad_secret").Str(log.FieldRemoteIP, r.RemoteAddr).Msg("missing or wrong bridge secret")
					if cfg.OnDeny != nil {
						cfg.OnDeny(r, "bad secret")
					}
					deny(w, http.StatusUnauthorized, "unauthorized")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"message":"` + msg + `"}` + "\n"))
}
