// Package request defines the normalized request descriptor every protection
// stage consumes, and the authenticated principal attached to it.
package request

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/developingchet/reqshield/internal/decision"
)

// Tier is a subscription plan attached to a principal.
type Tier string

const (
	TierFree         Tier = "FREE"
	TierBasic        Tier = "BASIC"
	TierProfessional Tier = "PROFESSIONAL"
	TierEnterprise   Tier = "ENTERPRISE"
)

// Tiers lists every tier from lowest to highest.
var Tiers = []Tier{TierFree, TierBasic, TierProfessional, TierEnterprise}

// Rank orders tiers; unknown tiers rank below FREE.
func (t Tier) Rank() int {
	for i, tt := range Tiers {
		if tt == t {
			return i
		}
	}
	return -1
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if t.Rank() < 0 {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Principal is the authenticated actor behind a request.
type Principal struct {
	ID   string
	Role string
	Tier Tier
}

// Descriptor is the normalized view of an inbound request.
type Descriptor struct {
	Method    string
	Path      string
	RawQuery  string
	Headers   http.Header
	Query     url.Values
	Body      []byte
	SourceIP  string
	Principal *Principal

	// BodyTruncated is set when the body exceeded the read limit. Body then
	// holds the first limit+1 bytes.
	BodyTruncated bool
}

// Authenticated reports whether a principal is attached.
func (d *Descriptor) Authenticated() bool {
	return d.Principal != nil && d.Principal.ID != ""
}

// UserAgent returns the User-Agent header.
func (d *Descriptor) UserAgent() string {
	return d.Headers.Get("User-Agent")
}

// URL returns path plus query string as the client sent it.
func (d *Descriptor) URL() string {
	if d.RawQuery == "" {
		return d.Path
	}
	return d.Path + "?" + d.RawQuery
}

// IsSafeMethod reports whether the method never changes state.
func IsSafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// FromHTTP builds a Descriptor from r. At most bodyLimit+1 bytes of the body
// are read; r.Body is replaced so the upstream handler still sees the full
// stream. X-Forwarded-For is honoured only when the socket peer is in trusted.
func FromHTTP(r *http.Request, bodyLimit int64, trusted decision.NetList) (*Descriptor, error) {
	d := &Descriptor{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Headers:  r.Header,
		Query:    r.URL.Query(),
		SourceIP: ClientIP(r, trusted),
	}
	if r.Body == nil || r.Body == http.NoBody || bodyLimit <= 0 {
		return d, nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, bodyLimit+1))
	if err != nil {
		return d, fmt.Errorf("read body: %w", err)
	}
	d.Body = buf
	d.BodyTruncated = int64(len(buf)) > bodyLimit
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	return d, nil
}

// ClientIP resolves the originating client address. When the direct peer is a
// trusted proxy the X-Forwarded-For chain is walked right to left and the first
// untrusted hop wins.
func ClientIP(r *http.Request, trusted decision.NetList) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	peer = normalizeOr(peer)
	if len(trusted) == 0 || !trusted.Contains(peer) {
		return peer
	}
	xff := r.Header.Values("X-Forwarded-For")
	hops := make([]string, 0, 4)
	for _, h := range xff {
		for _, part := range strings.Split(h, ",") {
			if p := strings.TrimSpace(part); p != "" {
				hops = append(hops, p)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip, err := decision.NormalizeIP(hops[i])
		if err != nil {
			break
		}
		if !trusted.Contains(ip) {
			return ip
		}
		peer = ip
	}
	return peer
}

func normalizeOr(raw string) string {
	if ip, err := decision.NormalizeIP(raw); err == nil {
		return ip
	}
	return raw
}

// Headers an upstream auth proxy uses to pass the authenticated principal.
const (
	HeaderPrincipalID   = "X-Principal-Id"
	HeaderPrincipalRole = "X-Principal-Role"
	HeaderPrincipalTier = "X-Principal-Tier"
)

// PrincipalFromHeaders reads the trusted principal headers. It returns nil
// when no id is present. An unknown tier falls back to FREE.
func PrincipalFromHeaders(h http.Header) *Principal {
	id := strings.TrimSpace(h.Get(HeaderPrincipalID))
	if id == "" {
		return nil
	}
	tier, err := ParseTier(h.Get(HeaderPrincipalTier))
	if err != nil {
		tier = TierFree
	}
	return &Principal{
		ID:   id,
		Role: strings.ToLower(strings.TrimSpace(h.Get(HeaderPrincipalRole))),
		Tier: tier,
	}
}

// StripPrincipalHeaders removes client-supplied principal headers so they
// cannot be forged when the daemon does not trust them.
func StripPrincipalHeaders(h http.Header) {
	h.Del(HeaderPrincipalID)
	h.Del(HeaderPrincipalRole)
	h.Del(HeaderPrincipalTier)
}
