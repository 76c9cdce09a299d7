package pipeline

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/developingchet/reqshield/internal/csrf"
	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/ratelimit"
	"github.com/developingchet/reqshield/internal/request"
)

// Gauge is the shared counter the active-connection count is kept in.
type Gauge interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// FailureTracker counts upstream failures per client IP.
type FailureTracker interface {
	TrackFailedAttempt(ctx context.Context, ip string) (int64, bool, error)
}

// UsageRecorder receives per-request usage counts for external reporting.
type UsageRecorder interface {
	RecordBlocked(origin, remediationType string)
	RecordProcessed()
}

// TokenIssuer derives CSRF tokens for allowed authenticated requests.
type TokenIssuer interface {
	Issue(ctx context.Context, principalID string) (csrf.Token, error)
	Cookie(tok csrf.Token, secure bool) *http.Cookie
	HeaderName() string
}

// IssuedToken is the CSRF token handed out with the current response.
type IssuedToken struct {
	Token csrf.Token
	// CookieSet reports whether the double-submit cookie was already set.
	CookieSet bool
}

type issuedTokenKey struct{}

// IssuedTokenFrom returns the token Middleware issued for the request in ctx.
func IssuedTokenFrom(ctx context.Context) (IssuedToken, bool) {
	it, ok := ctx.Value(issuedTokenKey{}).(IssuedToken)
	return it, ok
}

// MiddlewareOptions configure Middleware. Every collaborator is optional.
type MiddlewareOptions struct {
	// BodyLimit is the most body bytes buffered for inspection.
	BodyLimit      int64
	TrustedProxies decision.NetList
	// Principal resolves the authenticated principal of a request, if any.
	Principal func(*http.Request) *request.Principal
	// Connections tracks in-flight requests for adaptive rate limiting.
	Connections Gauge
	// Failures is told about responses whose status is in FailStatusCodes.
	Failures        FailureTracker
	FailStatusCodes []int
	Recorder        UsageRecorder
	// Tokens hands a fresh CSRF token to every allowed authenticated
	// request, in the issuer's header and, with DoubleSubmitCookie, a cookie.
	Tokens             TokenIssuer
	DoubleSubmitCookie bool
	CookieSecure       bool
}

// Middleware adapts the pipeline to net/http. Denied requests receive the
// JSON rejection; allowed requests reach next with rate-limit headers set.
func (p *Pipeline) Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler {
	failStatus := make(map[int]struct{}, len(opts.FailStatusCodes))
	for _, c := range opts.FailStatusCodes {
		failStatus[c] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if opts.Connections != nil {
				p.trackConnection(ctx, opts.Connections, 1)
				defer p.trackConnection(context.WithoutCancel(ctx), opts.Connections, -1)
			}

			desc, err := request.FromHTTP(r, opts.BodyLimit, opts.TrustedProxies)
			if err != nil {
				p.log.Debug().Err(err).Str("path", r.URL.Path).Msg("request could not be read")
				writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
					Code: CodeBadRequest, Message: "The request could not be read.",
				}})
				return
			}
			if opts.Principal != nil {
				desc.Principal = opts.Principal(r)
			}

			dec := p.Evaluate(ctx, desc)
			for k, vs := range dec.Headers {
				if !dec.Allow || k != "Content-Type" {
					w.Header()[k] = vs
				}
			}
			if opts.Recorder != nil {
				opts.Recorder.RecordProcessed()
			}
			if !dec.Allow {
				if opts.Recorder != nil {
					opts.Recorder.RecordBlocked(dec.Diagnostics.origin, dec.Diagnostics.remediation)
				}
				w.WriteHeader(dec.HTTPStatus)
				_, _ = w.Write(dec.Body)
				return
			}
			if opts.Tokens != nil && desc.Principal != nil {
				r = p.issueToken(w, r, opts, desc.Principal.ID)
			}

			if opts.Failures == nil || len(failStatus) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if _, ok := failStatus[sw.status]; ok && desc.SourceIP != "" {
				n, blocked, err := opts.Failures.TrackFailedAttempt(context.WithoutCancel(ctx), desc.SourceIP)
				switch {
				case err != nil:
					p.log.Debug().Err(err).Str("ip", desc.SourceIP).Msg("failed attempt not tracked")
				case blocked:
					p.log.Info().Str("ip", desc.SourceIP).Int64("failures", n).Int("status", sw.status).
						Msg("failure threshold reached")
				}
			}
		})
	}
}

// issueToken sets a fresh token on the response. Issuance failures are logged
// and the request proceeds without one.
func (p *Pipeline) issueToken(w http.ResponseWriter, r *http.Request, opts MiddlewareOptions, principalID string) *http.Request {
	tok, err := opts.Tokens.Issue(r.Context(), principalID)
	if err != nil {
		p.log.Warn().Err(err).Str("principal", principalID).Str("path", r.URL.Path).Msg("csrf token not issued")
		return r
	}
	w.Header().Set(opts.Tokens.HeaderName(), tok.Value)
	if opts.DoubleSubmitCookie {
		http.SetCookie(w, opts.Tokens.Cookie(tok, opts.CookieSecure))
	}
	it := IssuedToken{Token: tok, CookieSet: opts.DoubleSubmitCookie}
	return r.WithContext(context.WithValue(r.Context(), issuedTokenKey{}, it))
}

func (p *Pipeline) trackConnection(ctx context.Context, g Gauge, delta int64) {
	if _, err := g.IncrBy(ctx, ratelimit.KeyActiveConnections, delta); err != nil {
		p.log.Debug().Err(err).Int64("delta", delta).Msg("active connection gauge not updated")
	}
}

// WriteError writes a rejection in the standard shape.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusWriter records the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }
