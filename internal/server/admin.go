package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/errs"
	"github.com/developingchet/reqshield/internal/pipeline"
	"github.com/developingchet/reqshield/internal/reputation"
	"github.com/developingchet/reqshield/internal/waf"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// RuleManager is the firewall surface exposed to operators.
type RuleManager interface {
	Rules() []waf.RuleSpec
	Rule(id string) (waf.RuleSpec, bool)
	AddRule(spec waf.RuleSpec) (*waf.Rule, error)
	RemoveRule(id string) error
	ToggleRule(id string, enabled bool) error
	SetEmergencyMode(on bool)
	EmergencyMode() bool
	BodyLimit() int64
	Stats(ctx context.Context) waf.Stats
	IncidentsFor(ip string) []waf.Incident
	Incident(ctx context.Context, id string) (*waf.Incident, error)
}

// BlockManager is the blocklist surface exposed to operators.
type BlockManager interface {
	List(ctx context.Context) ([]reputation.BlockEntry, error)
	Block(ctx context.Context, ip, reason string, d time.Duration, source string) error
	Unblock(ctx context.Context, ip string) error
}

const maxAdminBody = 64 << 10

// Admin serves rule management, statistics, the blocklist and emergency mode.
type Admin struct {
	rules  RuleManager
	blocks BlockManager
	token  []byte
	log    zerolog.Logger
}

// NewAdmin returns the admin API. rules may be nil when the firewall is
// disabled; its routes then answer 404.
func NewAdmin(rules RuleManager, blocks BlockManager, token string, log zerolog.Logger) *Admin {
	return &Admin{
		rules:  rules,
		blocks: blocks,
		token:  []byte(token),
		log:    log.With().Str("component", "admin").Logger(),
	}
}

// Handler returns the bearer-authenticated router.
func (a *Admin) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.authenticate)

	r.Get("/blocks", a.listBlocks)
	r.Post("/blocks", a.createBlock)
	r.Delete("/blocks/{ip}", a.deleteBlock)

	if a.rules != nil {
		r.Get("/rules", a.listRules)
		r.Post("/rules", a.createRule)
		r.Delete("/rules/{id}", a.deleteRule)
		r.Patch("/rules/{id}", a.patchRule)
		r.Get("/stats", a.stats)
		r.Get("/emergency", a.getEmergency)
		r.Put("/emergency", a.putEmergency)
		r.Get("/incidents/{ip}", a.incidentsFor)
		r.Get("/incident/{id}", a.incident)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		pipeline.WriteError(w, http.StatusNotFound, "NOT_FOUND", "No such resource.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		pipeline.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed.")
	})
	return r
}

func (a *Admin) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || len(a.token) == 0 || subtle.ConstantTimeCompare([]byte(got), a.token) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="reqshield"`)
			pipeline.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "A valid admin token is required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type okBody struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(okBody{Success: true, Data: data})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		pipeline.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "The request body is not valid JSON for this endpoint.")
		return false
	}
	return true
}

func (a *Admin) listRules(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, a.rules.Rules())
}

func (a *Admin) createRule(w http.ResponseWriter, r *http.Request) {
	var spec waf.RuleSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	rule, err := a.rules.AddRule(spec)
	switch {
	case errors.Is(err, waf.ErrRuleExists):
		pipeline.WriteError(w, http.StatusConflict, "RULE_EXISTS", "A rule with this id already exists.")
		return
	case err != nil:
		writeRuleError(w, err)
		return
	}
	a.log.Info().Str("rule", rule.ID).Str("action", string(rule.Action)).Msg("rule added via admin api")
	writeOK(w, http.StatusCreated, rule.Spec())
}

// writeRuleError reports which field was rejected without echoing the
// pattern or compiler output.
func writeRuleError(w http.ResponseWriter, err error) {
	var ce *errs.ConfigError
	msg := "The rule is invalid."
	if errors.As(err, &ce) {
		msg = "The rule is invalid: " + ce.Field + "."
	}
	pipeline.WriteError(w, http.StatusBadRequest, "INVALID_RULE", msg)
}

func (a *Admin) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.rules.RemoveRule(id); err != nil {
		pipeline.WriteError(w, http.StatusNotFound, "RULE_NOT_FOUND", "No rule with this id.")
		return
	}
	a.log.Info().Str("rule", id).Msg("rule removed via admin api")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) patchRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		pipeline.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Field enabled is required.")
		return
	}
	if err := a.rules.ToggleRule(id, *body.Enabled); err != nil {
		pipeline.WriteError(w, http.StatusNotFound, "RULE_NOT_FOUND", "No rule with this id.")
		return
	}
	spec, _ := a.rules.Rule(id)
	a.log.Info().Str("rule", id).Bool("enabled", *body.Enabled).Msg("rule toggled via admin api")
	writeOK(w, http.StatusOK, spec)
}

func (a *Admin) stats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, a.rules.Stats(r.Context()))
}

type emergencyState struct {
	Enabled      bool  `json:"enabled"`
	MaxBodyBytes int64 `json:"maxBodyBytes"`
}

func (a *Admin) getEmergency(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, emergencyState{Enabled: a.rules.EmergencyMode(), MaxBodyBytes: a.rules.BodyLimit()})
}

func (a *Admin) putEmergency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		pipeline.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Field enabled is required.")
		return
	}
	a.rules.SetEmergencyMode(*body.Enabled)
	a.getEmergency(w, r)
}

func (a *Admin) incidentsFor(w http.ResponseWriter, r *http.Request) {
	ip, err := decision.NormalizeIP(chi.URLParam(r, "ip"))
	if err != nil {
		pipeline.WriteError(w, http.StatusBadRequest, "INVALID_IP", "Not an IP address.")
		return
	}
	writeOK(w, http.StatusOK, a.rules.IncidentsFor(ip))
}

func (a *Admin) incident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.rules.Incident(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, cache.ErrNotFound):
		pipeline.WriteError(w, http.StatusNotFound, "INCIDENT_NOT_FOUND", "No incident with this id.")
	case err != nil:
		a.log.Warn().Err(err).Msg("incident lookup failed")
		pipeline.WriteError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "The shared cache is unavailable.")
	default:
		writeOK(w, http.StatusOK, inc)
	}
}

func (a *Admin) listBlocks(w http.ResponseWriter, r *http.Request) {
	entries, err := a.blocks.List(r.Context())
	if err != nil {
		a.log.Warn().Err(err).Msg("blocklist listing failed")
		pipeline.WriteError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "The shared cache is unavailable.")
		return
	}
	writeOK(w, http.StatusOK, entries)
}

type blockRequest struct {
	IP       string `json:"ip"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

func (a *Admin) createBlock(w http.ResponseWriter, r *http.Request) {
	var body blockRequest
	if !decodeBody(w, r, &body) {
		return
	}
	ip, err := decision.NormalizeIP(body.IP)
	if err != nil {
		pipeline.WriteError(w, http.StatusBadRequest, "INVALID_IP", "Not an IP address.")
		return
	}
	var d time.Duration
	if body.Duration != "" {
		if d, err = time.ParseDuration(body.Duration); err != nil || d <= 0 {
			pipeline.WriteError(w, http.StatusBadRequest, "INVALID_DURATION", "Duration must be a positive Go duration such as 30m.")
			return
		}
	}
	reason := body.Reason
	if reason == "" {
		reason = "blocked by operator"
	}
	err = a.blocks.Block(r.Context(), ip, reason, d, reputation.SourceManual)
	switch {
	case errors.Is(err, reputation.ErrAllowlisted):
		pipeline.WriteError(w, http.StatusConflict, "IP_ALLOWLISTED", "The address is allow-listed.")
	case err != nil:
		a.log.Warn().Err(err).Str("ip", ip).Msg("manual block not persisted")
		pipeline.WriteError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "The block applies to this instance only; the shared cache is unavailable.")
	default:
		writeOK(w, http.StatusCreated, map[string]string{"ip": ip})
	}
}

func (a *Admin) deleteBlock(w http.ResponseWriter, r *http.Request) {
	ip, err := decision.NormalizeIP(chi.URLParam(r, "ip"))
	if err != nil {
		pipeline.WriteError(w, http.StatusBadRequest, "INVALID_IP", "Not an IP address.")
		return
	}
	if err := a.blocks.Unblock(r.Context(), ip); err != nil {
		a.log.Warn().Err(err).Str("ip", ip).Msg("unblock failed")
		pipeline.WriteError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "The shared cache is unavailable.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
