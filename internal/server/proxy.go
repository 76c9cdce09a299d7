package server

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/developingchet/reqshield/internal/pipeline"
	"github.com/developingchet/reqshield/internal/request"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// CSRFTokenPath serves fresh tokens on the protected listener.
const CSRFTokenPath = "/.reqshield/csrf-token"

// TokenIssuer mints CSRF tokens for the token endpoint and allowed responses.
type TokenIssuer = pipeline.TokenIssuer

// ProtectedOptions configure the protected listener.
type ProtectedOptions struct {
	Pipeline   *pipeline.Pipeline
	Middleware pipeline.MiddlewareOptions
	Upstream   http.Handler
	// Tokens is nil when CSRF protection is disabled.
	Tokens       TokenIssuer
	DoubleSubmit bool
	CookieSecure bool
	// TrustPrincipalHeaders honours X-Principal-* from an upstream auth proxy.
	// When false those headers are removed before anything reads them.
	TrustPrincipalHeaders bool
}

// NewUpstream returns a reverse proxy to target. Transport failures answer 502.
func NewUpstream(target string, log zerolog.Logger) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("component", "proxy").Logger()
	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("upstream request failed")
		pipeline.WriteError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "The upstream service is unavailable.")
	}
	return rp, nil
}

// NewProtectedHandler puts the pipeline in front of the upstream and the CSRF
// token endpoint.
func NewProtectedHandler(opts ProtectedOptions, log zerolog.Logger) http.Handler {
	log = log.With().Str("component", "listener").Logger()

	principal := func(*http.Request) *request.Principal { return nil }
	if opts.TrustPrincipalHeaders {
		principal = func(r *http.Request) *request.Principal { return request.PrincipalFromHeaders(r.Header) }
	}
	mw := opts.Middleware
	mw.Principal = principal
	mw.Tokens = opts.Tokens
	mw.DoubleSubmitCookie = opts.DoubleSubmit
	mw.CookieSecure = opts.CookieSecure

	r := chi.NewRouter()
	if !opts.TrustPrincipalHeaders {
		r.Use(stripPrincipal)
	}
	r.Use(opts.Pipeline.Middleware(mw))

	if opts.Tokens != nil {
		r.Get(CSRFTokenPath, csrfTokenHandler(opts.Tokens, principal, opts.CookieSecure, log))
	}
	r.Handle("/*", opts.Upstream)
	return r
}

func stripPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		request.StripPrincipalHeaders(r.Header)
		next.ServeHTTP(w, r)
	})
}

type tokenResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
	HeaderName       string `json:"headerName"`
}

func csrfTokenHandler(tokens TokenIssuer, principal func(*http.Request) *request.Principal, secure bool, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if p == nil {
			pipeline.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "CSRF tokens are issued to authenticated principals only.")
			return
		}
		issued, ok := pipeline.IssuedTokenFrom(r.Context())
		tok := issued.Token
		if !ok {
			var err error
			if tok, err = tokens.Issue(r.Context(), p.ID); err != nil {
				log.Warn().Err(err).Str("principal", p.ID).Msg("csrf token not issued")
				pipeline.WriteError(w, http.StatusServiceUnavailable, pipeline.CodeCSRFUnavailable, "CSRF tokens are temporarily unavailable.")
				return
			}
			w.Header().Set(tokens.HeaderName(), tok.Value)
		}
		if !issued.CookieSet {
			http.SetCookie(w, tokens.Cookie(tok, secure))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			Token:            tok.Value,
			ExpiresInSeconds: int64(tok.ExpiresIn / time.Second),
			HeaderName:       tokens.HeaderName(),
		})
	}
}
