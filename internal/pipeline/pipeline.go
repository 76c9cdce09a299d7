// Package pipeline orders the protection stages and folds their results into
// one decision per request.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/developingchet/reqshield/internal/request"
	"github.com/rs/zerolog"
)

// Outcome is what a stage decided.
type Outcome int

const (
	// Continue passes the request to the next stage.
	Continue Outcome = iota
	// Allow accepts the request without running later stages.
	Allow
	// Deny rejects the request.
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "continue"
	}
}

// Result is one stage's verdict. Status, Code, Message and Details are only
// read for Deny.
type Result struct {
	Outcome Outcome
	Status  int
	Code    string
	Message string
	Details map[string]any
	// Origin attributes a denial for usage reporting, e.g. the block source.
	Origin string
	// Remediation is the usage-report remediation type: ban, captcha or throttle.
	Remediation string
}

// Stage is one protection step. Stages may add response headers and
// diagnostics to d; they must not change d.Allow.
type Stage interface {
	Name() string
	Run(ctx context.Context, desc *request.Descriptor, d *Decision) Result
}

// Diagnostics carries server-side detail about a decision. It is never
// written to the response body.
type Diagnostics struct {
	Stages   []string       `json:"stages"`
	DeniedBy string         `json:"deniedBy,omitempty"`
	Code     string         `json:"code,omitempty"`
	FailOpen []string       `json:"failOpen,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	Duration time.Duration  `json:"duration"`

	origin      string
	remediation string
}

func (dg *Diagnostics) set(key string, v any) {
	if dg.Detail == nil {
		dg.Detail = make(map[string]any)
	}
	dg.Detail[key] = v
}

// Decision is the outcome of Evaluate. On deny, HTTPStatus and Body hold the
// response to send.
type Decision struct {
	Allow       bool
	HTTPStatus  int
	Body        []byte
	Headers     http.Header
	Diagnostics Diagnostics
}

// ErrorBody is the JSON shape of every rejection.
type ErrorBody struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail is the machine-readable part of a rejection.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Pipeline runs stages in order. It holds no per-request state and is safe
// for concurrent use.
type Pipeline struct {
	stages []Stage
	clock  func() time.Time
	log    zerolog.Logger
}

// New returns a Pipeline over stages, which run in the given order.
func New(stages []Stage, clock func() time.Time, log zerolog.Logger) *Pipeline {
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		stages: stages,
		clock:  clock,
		log:    log.With().Str("component", "pipeline").Logger(),
	}
}

// StageNames lists the configured stages in evaluation order.
func (p *Pipeline) StageNames() []string {
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name()
	}
	return out
}

// Evaluate runs the stages over desc until one denies or allows. A stage that
// panics is skipped as if it had returned Continue.
func (p *Pipeline) Evaluate(ctx context.Context, desc *request.Descriptor) Decision {
	start := p.clock()
	d := Decision{Allow: true, Headers: make(http.Header)}

	for _, s := range p.stages {
		d.Diagnostics.Stages = append(d.Diagnostics.Stages, s.Name())
		res := p.run(ctx, s, desc, &d)
		switch res.Outcome {
		case Continue:
			continue
		case Allow:
			metrics.PipelineDecisions.WithLabelValues(s.Name(), "allow", "").Inc()
			p.finish(&d, desc, start)
			return d
		case Deny:
			p.deny(&d, s.Name(), res)
			metrics.PipelineDecisions.WithLabelValues(s.Name(), "deny", res.Code).Inc()
			p.finish(&d, desc, start)
			return d
		}
	}
	metrics.PipelineDecisions.WithLabelValues("pipeline", "allow", "").Inc()
	p.finish(&d, desc, start)
	return d
}

func (p *Pipeline) run(ctx context.Context, s Stage, desc *request.Descriptor, d *Decision) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			metrics.StageFailOpen.WithLabelValues(s.Name()).Inc()
			d.Diagnostics.FailOpen = append(d.Diagnostics.FailOpen, s.Name())
			p.log.Error().Str("stage", s.Name()).Str("panic", fmt.Sprint(r)).
				Str("path", desc.Path).Msg("stage panicked; continuing")
			res = Result{Outcome: Continue}
		}
	}()
	return s.Run(ctx, desc, d)
}

func (p *Pipeline) deny(d *Decision, stage string, res Result) {
	d.Allow = false
	d.HTTPStatus = res.Status
	d.Diagnostics.DeniedBy = stage
	d.Diagnostics.Code = res.Code
	d.Diagnostics.origin = res.Origin
	d.Diagnostics.remediation = res.Remediation
	body, err := json.Marshal(ErrorBody{
		Error: ErrorDetail{Code: res.Code, Message: res.Message, Details: res.Details},
	})
	if err != nil {
		// Details only ever hold plain values; fall back to the bare shape.
		body, _ = json.Marshal(ErrorBody{Error: ErrorDetail{Code: res.Code, Message: res.Message}})
	}
	d.Body = body
	d.Headers.Set("Content-Type", "application/json")
}

func (p *Pipeline) finish(d *Decision, desc *request.Descriptor, start time.Time) {
	d.Diagnostics.Duration = p.clock().Sub(start)
	metrics.PipelineDuration.Observe(d.Diagnostics.Duration.Seconds())

	var ev *zerolog.Event
	switch {
	case d.Allow:
		ev = p.log.Debug()
	case d.Diagnostics.DeniedBy == stageCSRF:
		ev = p.log.Warn()
	default:
		ev = p.log.Info()
	}
	ev = ev.Str("ip", desc.SourceIP).Str("method", desc.Method).Str("path", desc.Path)
	if desc.Principal != nil {
		ev = ev.Str("principal", desc.Principal.ID)
	}
	if d.Allow {
		ev.Strs("stages", d.Diagnostics.Stages).Msg("request allowed")
		return
	}
	ev.Str("stage", d.Diagnostics.DeniedBy).Str("code", d.Diagnostics.Code).
		Int("status", d.HTTPStatus).Msg("request denied")
}
