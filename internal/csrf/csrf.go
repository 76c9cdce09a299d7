// Package csrf issues per-principal secrets and derives short-lived tokens
// from them. Tokens are never stored: a token is the random salt followed by
// HMAC-SHA256(secret, salt), and is verified by recomputing the MAC.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/developingchet/reqshield/internal/request"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	secretPrefix = "csrf:secret:"
	secretLen    = 32
	saltLen      = 16
	tokenLen     = saltLen + sha256.Size

	// FormField is the form field checked when the header is absent.
	FormField = "_csrf"
)

var (
	ErrTokenMissing         = errors.New("csrf: token missing")
	ErrTokenInvalid         = errors.New("csrf: token invalid")
	ErrSecretExpired        = errors.New("csrf: secret expired")
	ErrDoubleSubmitMismatch = errors.New("csrf: double-submit mismatch")
	ErrUnavailable          = errors.New("csrf: secret store unavailable")
	ErrNoPrincipal          = errors.New("csrf: principal id required")
)

// DefaultExemptPaths are path prefixes that skip verification.
var DefaultExemptPaths = []string{"/healthz", "/api/auth/login", "/api/auth/register", "/api/webhooks/"}

// Options configure a Manager.
type Options struct {
	SecretTTL   time.Duration
	HeaderName  string
	CookieName  string
	ExemptPaths []string
	Clock       func() time.Time
}

// Token is an issued token and how long it stays verifiable.
type Token struct {
	Value     string
	ExpiresIn time.Duration
}

type secretRecord struct {
	PrincipalID string    `msgpack:"pid"`
	Secret      []byte    `msgpack:"secret"`
	IssuedAt    time.Time `msgpack:"issued_at"`
}

// Manager issues and verifies tokens against secrets held in the shared
// cache. A secret exists from first issuance until its TTL lapses or it is
// revoked; deleting it invalidates every token derived from it.
type Manager struct {
	store  cache.Store
	opts   Options
	exempt []string
	log    zerolog.Logger
}

// New returns a Manager.
func New(store cache.Store, opts Options, log zerolog.Logger) *Manager {
	if opts.SecretTTL <= 0 {
		opts.SecretTTL = time.Hour
	}
	if opts.HeaderName == "" {
		opts.HeaderName = "X-CSRF-Token"
	}
	if opts.CookieName == "" {
		opts.CookieName = "csrf_token"
	}
	if opts.ExemptPaths == nil {
		opts.ExemptPaths = DefaultExemptPaths
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	exempt := make([]string, 0, len(opts.ExemptPaths))
	for _, p := range opts.ExemptPaths {
		if p = strings.TrimSpace(p); p != "" {
			exempt = append(exempt, p)
		}
	}
	return &Manager{
		store:  store,
		opts:   opts,
		exempt: exempt,
		log:    log.With().Str("component", "csrf").Logger(),
	}
}

// HeaderName is the request header that carries the token.
func (m *Manager) HeaderName() string { return m.opts.HeaderName }

// CookieName is the double-submit cookie name.
func (m *Manager) CookieName() string { return m.opts.CookieName }

// Issue derives a fresh token for principalID, creating the principal's
// secret if none exists.
func (m *Manager) Issue(ctx context.Context, principalID string) (Token, error) {
	if principalID == "" {
		return Token{}, ErrNoPrincipal
	}
	rec, err := m.ensureSecret(ctx, principalID)
	if err != nil {
		return Token{}, err
	}
	ttl, err := m.store.TTL(ctx, secretPrefix+principalID)
	if err != nil || ttl <= 0 {
		// Fall back to the nominal lifetime measured from issuance.
		ttl = rec.IssuedAt.Add(m.opts.SecretTTL).Sub(m.opts.Clock())
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Token{}, fmt.Errorf("csrf salt: %w", err)
	}
	raw := make([]byte, 0, tokenLen)
	raw = append(raw, salt...)
	raw = append(raw, sign(rec.Secret, salt)...)
	metrics.CSRFTokensIssued.Inc()
	return Token{Value: base64.RawURLEncoding.EncodeToString(raw), ExpiresIn: ttl}, nil
}

// ensureSecret returns the principal's secret, creating it with SetNX so that
// concurrent first issuances agree on one secret.
func (m *Manager) ensureSecret(ctx context.Context, principalID string) (*secretRecord, error) {
	key := secretPrefix + principalID
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := m.loadSecret(ctx, principalID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrSecretExpired) {
			return nil, err
		}

		fresh := &secretRecord{PrincipalID: principalID, Secret: make([]byte, secretLen), IssuedAt: m.opts.Clock().UTC()}
		if _, err := rand.Read(fresh.Secret); err != nil {
			return nil, fmt.Errorf("csrf secret: %w", err)
		}
		raw, err := msgpack.Marshal(fresh)
		if err != nil {
			return nil, fmt.Errorf("encode csrf secret: %w", err)
		}
		created, err := m.store.SetNX(ctx, key, raw, m.opts.SecretTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if created {
			m.log.Debug().Str("principal", principalID).Msg("csrf secret created")
			return fresh, nil
		}
		// Lost the race; read the winner's secret.
	}
	return nil, fmt.Errorf("%w: secret for %s could not be established", ErrUnavailable, principalID)
}

func (m *Manager) loadSecret(ctx context.Context, principalID string) (*secretRecord, error) {
	raw, err := m.store.Get(ctx, secretPrefix+principalID)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrSecretExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var rec secretRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil || len(rec.Secret) == 0 {
		m.log.Warn().Err(err).Str("principal", principalID).Msg("undecodable csrf secret; treating as expired")
		return nil, ErrSecretExpired
	}
	return &rec, nil
}

// Verify checks token against principalID's current secret. It fails closed:
// a store failure is ErrUnavailable, never success.
func (m *Manager) Verify(ctx context.Context, principalID, token string) error {
	err := m.verify(ctx, principalID, token)
	metrics.CSRFVerifications.WithLabelValues(resultLabel(err)).Inc()
	return err
}

func (m *Manager) verify(ctx context.Context, principalID, token string) error {
	if token == "" {
		return ErrTokenMissing
	}
	if principalID == "" {
		return ErrTokenInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenLen {
		return ErrTokenInvalid
	}
	rec, err := m.loadSecret(ctx, principalID)
	if err != nil {
		return err
	}
	salt, mac := raw[:saltLen], raw[saltLen:]
	if !hmac.Equal(mac, sign(rec.Secret, salt)) {
		return ErrTokenInvalid
	}
	return nil
}

// Revoke deletes principalID's secret, invalidating all of its tokens.
func (m *Manager) Revoke(ctx context.Context, principalID string) error {
	if principalID == "" {
		return ErrNoPrincipal
	}
	if err := m.store.Delete(ctx, secretPrefix+principalID); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.log.Info().Str("principal", principalID).Msg("csrf secret revoked")
	return nil
}

// SecretCount returns the number of live secrets.
func (m *Manager) SecretCount(ctx context.Context) (int, error) {
	keys, err := m.store.Scan(ctx, secretPrefix)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return len(keys), nil
}

// Exempt reports whether a request skips verification: safe methods and the
// configured path prefixes. A prefix without a trailing slash matches itself
// and its subpaths only.
func (m *Manager) Exempt(method, path string) bool {
	if request.IsSafeMethod(method) {
		return true
	}
	for _, p := range m.exempt {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// TokenFromRequest returns the submitted token: the header first, then the
// form field of a url-encoded body.
func (m *Manager) TokenFromRequest(desc *request.Descriptor) string {
	if v := strings.TrimSpace(desc.Headers.Get(m.opts.HeaderName)); v != "" {
		return v
	}
	ct := desc.Headers.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(ct), "application/x-www-form-urlencoded") && len(desc.Body) > 0 {
		if form, err := url.ParseQuery(string(desc.Body)); err == nil {
			return form.Get(FormField)
		}
	}
	return ""
}

// CookieFromRequest returns the double-submit cookie value.
func (m *Manager) CookieFromRequest(desc *request.Descriptor) string {
	r := http.Request{Header: desc.Headers}
	c, err := r.Cookie(m.opts.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// Cookie builds the double-submit cookie for tok. It must be readable by
// client script, so it is not HttpOnly.
func (m *Manager) Cookie(tok Token, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    tok.Value,
		Path:     "/",
		MaxAge:   int(tok.ExpiresIn / time.Second),
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// VerifyDoubleSubmit checks that the cookie and the submitted token are both
// present and equal.
func VerifyDoubleSubmit(cookieValue, submitted string) error {
	err := verifyDoubleSubmit(cookieValue, submitted)
	metrics.CSRFVerifications.WithLabelValues(resultLabel(err)).Inc()
	return err
}

func verifyDoubleSubmit(cookieValue, submitted string) error {
	if cookieValue == "" || submitted == "" {
		return ErrTokenMissing
	}
	if subtle.ConstantTimeCompare([]byte(cookieValue), []byte(submitted)) != 1 {
		return ErrDoubleSubmitMismatch
	}
	return nil
}

func sign(secret, salt []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(salt)
	return h.Sum(nil)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTokenMissing):
		return "missing"
	case errors.Is(err, ErrSecretExpired):
		return "expired"
	case errors.Is(err, ErrDoubleSubmitMismatch):
		return "mismatch"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "invalid"
	}
}
