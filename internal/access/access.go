// Package access decides whether a request's origin is exempt from load shedding, either
// because its client address is whitelisted or because it presents a bypass token.
package access

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

const (
	// TokenHeader carries a bypass token.
	TokenHeader = "X-Bypass-Token"
	// TokenParam is the query parameter alternative to TokenHeader.
	TokenParam = "bypass_token"

	forwardedForHeader = "X-Forwarded-For"
	mappedPrefix       = "::ffff:"
)

// Grant is the per-request classification result.
type Grant struct {
	Whitelisted bool
	BypassToken bool
	ClientIP    string
}

// Exempt reports whether the request must never be diverted.
func (g Grant) Exempt() bool {
	return g.Whitelisted || g.BypassToken
}

type lists struct {
	ips    map[string]struct{}
	tokens map[string]struct{}
}

// Control holds the exempt address and token sets. The sets are replaced atomically on
// Reload, so a classification never sees a half-updated list.
type Control struct {
	current atomic.Pointer[lists]
}

func New(ips, tokens []string) *Control {
	c := &Control{}
	c.Reload(ips, tokens)

	return c
}

// Reload replaces both exempt sets.
func (c *Control) Reload(ips, tokens []string) {
	c.current.Store(&lists{
		ips:    toSet(normalizeAll(ips)),
		tokens: toSet(tokens),
	})
}

// Classify reports the exemptions held by clientIP and token. Empty tokens never match.
func (c *Control) Classify(clientIP, token string) Grant {
	l := c.current.Load()
	ip := NormalizeIP(clientIP)

	g := Grant{ClientIP: ip}
	if _, ok := l.ips[ip]; ok && ip != "" {
		g.Whitelisted = true
	}
	if _, ok := l.tokens[token]; ok && token != "" {
		g.BypassToken = true
	}

	return g
}

// Grant classifies an inbound request.
func (c *Control) Grant(r *http.Request) Grant {
	return c.Classify(ClientIP(r), Token(r))
}

// IPs returns the sorted whitelist.
func (c *Control) IPs() []string {
	return sortedKeys(c.current.Load().ips)
}

// TokenCount returns the number of configured bypass tokens.
func (c *Control) TokenCount() int {
	return len(c.current.Load().tokens)
}

// ClientIP returns the first X-Forwarded-For entry when present, else the peer address
// without its port.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get(forwardedForHeader); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return NormalizeIP(first)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return NormalizeIP(host)
}

// Token returns the bypass token from the header, falling back to the query string.
func Token(r *http.Request) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}

	return r.URL.Query().Get(TokenParam)
}

// NormalizeIP strips IPv4-mapped IPv6 prefixes and zone-free brackets so that
// "::ffff:10.0.0.1" and "10.0.0.1" compare equal.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	ip = strings.TrimSuffix(strings.TrimPrefix(ip, "["), "]")
	if ip == "" {
		return ""
	}

	if addr, err := netip.ParseAddr(ip); err == nil {
		return addr.Unmap().String()
	}

	if len(ip) > len(mappedPrefix) && strings.EqualFold(ip[:len(mappedPrefix)], mappedPrefix) {
		return ip[len(mappedPrefix):]
	}

	return ip
}

func normalizeAll(ips []string) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if n := NormalizeIP(ip); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)

	return slices.Compact(out)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}

	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}
