package pipeline

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/reqshield/internal/csrf"
	"github.com/developingchet/reqshield/internal/ratelimit"
	"github.com/developingchet/reqshield/internal/reputation"
	"github.com/developingchet/reqshield/internal/request"
	"github.com/developingchet/reqshield/internal/waf"
	"github.com/rs/zerolog"
)

const (
	stageReputation = "reputation"
	stageRateLimit  = "ratelimit"
	stageWAF        = "waf"
	stageCSRF       = "csrf"
	stageSanitizer  = "sanitizer"
)

// Rejection codes.
const (
	CodeIPBlocked         = "IP_BLOCKED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeWAFBlocked        = "WAF_REQUEST_BLOCKED"
	CodeWAFChallenge      = "WAF_CHALLENGE_REQUIRED"
	CodeCSRFMissing       = "CSRF_TOKEN_MISSING"
	CodeCSRFInvalid       = "CSRF_TOKEN_INVALID"
	CodeCSRFExpired       = "CSRF_SECRET_EXPIRED"
	CodeCSRFMismatch      = "CSRF_DOUBLE_SUBMIT_MISMATCH"
	CodeCSRFUnavailable   = "CSRF_UNAVAILABLE"
	CodeBadRequest        = "BAD_REQUEST"
)

const (
	remediationBan      = "ban"
	remediationCaptcha  = "captcha"
	remediationThrottle = "throttle"
	remediationCSRF     = "csrf"
)

// Reputation is the blocklist consulted first.
type Reputation interface {
	IsBlocked(ctx context.Context, ip string) (bool, *reputation.BlockEntry)
}

// RateLimiter checks a request against its windows.
type RateLimiter interface {
	CheckRequest(ctx context.Context, desc *request.Descriptor, cfgs []ratelimit.Config) ratelimit.Result
}

// Firewall inspects request content.
type Firewall interface {
	Inspect(ctx context.Context, desc *request.Descriptor) waf.Verdict
	BodyLimit() int64
}

// CSRFVerifier checks tokens on state-changing requests.
type CSRFVerifier interface {
	Exempt(method, path string) bool
	TokenFromRequest(desc *request.Descriptor) string
	CookieFromRequest(desc *request.Descriptor) string
	Verify(ctx context.Context, principalID, token string) error
}

// Sanitizer cleans request fields. It never rejects.
type Sanitizer interface {
	Sanitize(ctx context.Context, desc *request.Descriptor) (SanitizeReport, error)
}

// SanitizeReport lists what a Sanitizer changed.
type SanitizeReport struct {
	ModifiedFields []string `json:"modifiedFields,omitempty"`
	Threats        []string `json:"threats,omitempty"`
}

// Components are the collaborators of the standard stage list. A nil
// component disables its stage.
type Components struct {
	Reputation   Reputation
	RateLimiter  RateLimiter
	Windows      []ratelimit.Config
	Firewall     Firewall
	CSRF         CSRFVerifier
	DoubleSubmit bool
	Sanitizer    Sanitizer
	Clock        func() time.Time
	Log          zerolog.Logger
}

// Standard builds the fixed stage order: reputation, rate limit, firewall,
// CSRF, then the sanitizer.
func Standard(c Components) []Stage {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	var stages []Stage
	if c.Reputation != nil {
		stages = append(stages, &reputationStage{rep: c.Reputation, clock: c.Clock})
	}
	if c.RateLimiter != nil && len(c.Windows) > 0 {
		stages = append(stages, &rateLimitStage{limiter: c.RateLimiter, windows: c.Windows, clock: c.Clock})
	}
	if c.Firewall != nil {
		stages = append(stages, &wafStage{fw: c.Firewall})
	}
	if c.CSRF != nil {
		stages = append(stages, &csrfStage{csrf: c.CSRF, doubleSubmit: c.DoubleSubmit})
	}
	if c.Sanitizer != nil {
		stages = append(stages, &sanitizerStage{s: c.Sanitizer, log: c.Log.With().Str("component", "sanitizer").Logger()})
	}
	return stages
}

type reputationStage struct {
	rep   Reputation
	clock func() time.Time
}

func (s *reputationStage) Name() string { return stageReputation }

func (s *reputationStage) Run(ctx context.Context, desc *request.Descriptor, d *Decision) Result {
	blocked, entry := s.rep.IsBlocked(ctx, desc.SourceIP)
	if !blocked {
		return Result{Outcome: Continue}
	}
	res := Result{
		Outcome:     Deny,
		Status:      http.StatusForbidden,
		Code:        CodeIPBlocked,
		Message:     "Access from this address is temporarily blocked.",
		Remediation: remediationBan,
		Origin:      stageReputation,
	}
	if entry != nil {
		retry := retrySeconds(entry.Remaining(s.clock()))
		res.Details = map[string]any{"retryAfterSeconds": retry}
		res.Origin = entry.Source
		d.Headers.Set("Retry-After", strconv.FormatInt(retry, 10))
		d.Diagnostics.set("block", *entry)
	}
	return res
}

type rateLimitStage struct {
	limiter RateLimiter
	windows []ratelimit.Config
	clock   func() time.Time
}

func (s *rateLimitStage) Name() string { return stageRateLimit }

func (s *rateLimitStage) Run(ctx context.Context, desc *request.Descriptor, d *Decision) Result {
	res := s.limiter.CheckRequest(ctx, desc, s.windows)
	if res.Bypassed {
		d.Diagnostics.set("rateLimitBypassed", true)
	}
	if res.FailOpen {
		d.Diagnostics.FailOpen = append(d.Diagnostics.FailOpen, stageRateLimit)
	}
	if res.Limit > 0 {
		d.Headers.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		d.Headers.Set("X-RateLimit-Remaining", strconv.FormatInt(max(res.Remaining, 0), 10))
		d.Headers.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	if res.Allowed {
		return Result{Outcome: Continue}
	}
	retry := retrySeconds(res.RetryAfter(s.clock()))
	d.Headers.Set("Retry-After", strconv.FormatInt(retry, 10))
	d.Diagnostics.set("rateLimit", map[string]any{"limiter": res.LimiterID, "count": res.Count, "limit": res.Limit})
	return Result{
		Outcome:     Deny,
		Status:      http.StatusTooManyRequests,
		Code:        CodeRateLimitExceeded,
		Message:     "Too many requests. Please slow down.",
		Details:     map[string]any{"limit": res.Limit, "window": res.LimiterID, "retryAfterSeconds": retry},
		Origin:      stageRateLimit,
		Remediation: remediationThrottle,
	}
}

type wafStage struct {
	fw Firewall
}

func (s *wafStage) Name() string { return stageWAF }

func (s *wafStage) Run(ctx context.Context, desc *request.Descriptor, d *Decision) Result {
	v := s.fw.Inspect(ctx, desc)
	if v.Oversize {
		return Result{
			Outcome:     Deny,
			Status:      http.StatusRequestEntityTooLarge,
			Code:        CodePayloadTooLarge,
			Message:     "Request body is too large.",
			Details:     map[string]any{"maxBytes": s.fw.BodyLimit()},
			Origin:      stageWAF,
			Remediation: remediationBan,
		}
	}
	if v.Triggered {
		d.Diagnostics.set("waf", v.Evaluation)
		if v.Incident != nil {
			d.Diagnostics.set("incident", v.Incident.ID)
		}
	}
	details := map[string]any{"rule": v.RuleName}
	if v.Incident != nil {
		details["incidentId"] = v.Incident.ID
	}
	switch v.Action {
	case waf.ActionBlock:
		return Result{
			Outcome:     Deny,
			Status:      http.StatusForbidden,
			Code:        CodeWAFBlocked,
			Message:     "Request blocked by security policy.",
			Details:     details,
			Origin:      stageWAF,
			Remediation: remediationBan,
		}
	case waf.ActionChallenge:
		return Result{
			Outcome:     Deny,
			Status:      http.StatusForbidden,
			Code:        CodeWAFChallenge,
			Message:     "Additional verification is required for this request.",
			Details:     details,
			Origin:      stageWAF,
			Remediation: remediationCaptcha,
		}
	}
	return Result{Outcome: Continue}
}

type csrfStage struct {
	csrf         CSRFVerifier
	doubleSubmit bool
}

func (s *csrfStage) Name() string { return stageCSRF }

// Run verifies state-changing requests from authenticated principals.
// Unauthenticated requests have no secret to verify against.
func (s *csrfStage) Run(ctx context.Context, desc *request.Descriptor, d *Decision) Result {
	if !desc.Authenticated() || s.csrf.Exempt(desc.Method, desc.Path) {
		return Result{Outcome: Continue}
	}
	token := s.csrf.TokenFromRequest(desc)
	err := s.csrf.Verify(ctx, desc.Principal.ID, token)
	if err == nil && s.doubleSubmit {
		err = csrf.VerifyDoubleSubmit(s.csrf.CookieFromRequest(desc), token)
	}
	if err == nil {
		return Result{Outcome: Continue}
	}
	d.Diagnostics.set("csrf", err.Error())
	res := Result{
		Outcome:     Deny,
		Status:      http.StatusForbidden,
		Origin:      stageCSRF,
		Remediation: remediationCSRF,
	}
	switch {
	case errors.Is(err, csrf.ErrTokenMissing):
		res.Code, res.Message = CodeCSRFMissing, "A CSRF token is required for this request."
	case errors.Is(err, csrf.ErrSecretExpired):
		res.Code, res.Message = CodeCSRFExpired, "The CSRF session has expired. Fetch a new token."
	case errors.Is(err, csrf.ErrDoubleSubmitMismatch):
		res.Code, res.Message = CodeCSRFMismatch, "The CSRF cookie and token do not match."
	case errors.Is(err, csrf.ErrUnavailable):
		res.Code, res.Message = CodeCSRFUnavailable, "The request could not be verified. Try again shortly."
	default:
		res.Code, res.Message = CodeCSRFInvalid, "The CSRF token is invalid."
	}
	return res
}

type sanitizerStage struct {
	s   Sanitizer
	log zerolog.Logger
}

func (s *sanitizerStage) Name() string { return stageSanitizer }

func (s *sanitizerStage) Run(ctx context.Context, desc *request.Descriptor, d *Decision) Result {
	rep, err := s.s.Sanitize(ctx, desc)
	if err != nil {
		d.Diagnostics.FailOpen = append(d.Diagnostics.FailOpen, stageSanitizer)
		s.log.Warn().Err(err).Str("path", desc.Path).Msg("sanitizer failed; request passed unmodified")
		return Result{Outcome: Continue}
	}
	if len(rep.ModifiedFields) > 0 || len(rep.Threats) > 0 {
		d.Diagnostics.set("sanitizer", rep)
	}
	return Result{Outcome: Continue}
}

// retrySeconds rounds up to whole seconds, at least one.
func retrySeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
