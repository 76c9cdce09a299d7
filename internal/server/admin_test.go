package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/reputation"
	"github.com/developingchet/reqshield/internal/testutil"
	"github.com/developingchet/reqshield/internal/waf"
	"github.com/rs/zerolog"
)

const testToken = "admin-token-0123456789"

type adminEnv struct {
	clock  *testutil.Clock
	store  *testutil.MockStore
	rep    *reputation.Store
	engine *waf.Engine
	h      http.Handler
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	clock := testutil.NewClock()
	store := testutil.NewMockStore(clock)
	allow, err := decision.ParseNetList([]string{"192.0.2.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	rep := reputation.New(store, reputation.Options{Clock: clock.Now, Allowlist: allow}, zerolog.Nop())
	engine := waf.New(store, rep, nil, waf.Options{Clock: clock.Now}, zerolog.Nop())
	return &adminEnv{
		clock:  clock,
		store:  store,
		rep:    rep,
		engine: engine,
		h:      NewAdmin(engine, rep, testToken, zerolog.Nop()).Handler(),
	}
}

func (e *adminEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Success {
		t.Error("error body reports success")
	}
	return body.Error.Code
}

func TestAdminRequiresToken(t *testing.T) {
	e := newAdminEnv(t)
	for _, auth := range []string{"", "Bearer wrong-token", "Basic " + testToken, testToken} {
		req := httptest.NewRequest(http.MethodGet, "/rules", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		e.h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status %d, want 401", auth, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("auth %q: missing WWW-Authenticate", auth)
		}
	}
}

func TestAdminEmptyTokenRejectsEverything(t *testing.T) {
	e := newAdminEnv(t)
	h := NewAdmin(e.engine, e.rep, "", zerolog.Nop()).Handler()
	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestAdminRuleLifecycle(t *testing.T) {
	e := newAdminEnv(t)
	before := len(e.engine.Rules())

	rec := e.do(http.MethodPost, "/rules",
		`{"id":"block-admin-probe","pattern":"(?i)/phpmyadmin","target":"url","action":"block","severity":"high","priority":15}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body)
	}
	if got := len(e.engine.Rules()); got != before+1 {
		t.Errorf("rules = %d, want %d", got, before+1)
	}

	rec = e.do(http.MethodPost, "/rules",
		`{"id":"block-admin-probe","pattern":"x","target":"url","action":"block","severity":"high"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: status %d, want 409", rec.Code)
	}
	if code := decodeError(t, rec); code != "RULE_EXISTS" {
		t.Errorf("duplicate code %q", code)
	}

	rec = e.do(http.MethodPatch, "/rules/block-admin-probe", `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: status %d body %s", rec.Code, rec.Body)
	}
	spec, ok := e.engine.Rule("block-admin-probe")
	if !ok || spec.Enabled == nil || *spec.Enabled {
		t.Errorf("rule should be disabled, got %+v", spec)
	}

	rec = e.do(http.MethodDelete, "/rules/block-admin-probe", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: status %d", rec.Code)
	}
	rec = e.do(http.MethodDelete, "/rules/block-admin-probe", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", rec.Code)
	}
	rec = e.do(http.MethodPatch, "/rules/nope", `{"enabled":true}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("toggle unknown: status %d, want 404", rec.Code)
	}
}

func TestAdminInvalidRuleHidesPattern(t *testing.T) {
	e := newAdminEnv(t)
	rec := e.do(http.MethodPost, "/rules",
		`{"id":"broken","pattern":"(unclosed","target":"url","action":"block","severity":"high"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "(unclosed") || strings.Contains(body, "missing closing") {
		t.Errorf("response leaks pattern details: %s", body)
	}
	if !strings.Contains(body, "pattern") {
		t.Errorf("response should name the field: %s", body)
	}
}

func TestAdminRejectsUnknownFields(t *testing.T) {
	e := newAdminEnv(t)
	rec := e.do(http.MethodPatch, "/rules/xss-script-tag", `{"enabled":false,"extra":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
	rec = e.do(http.MethodPatch, "/rules/xss-script-tag", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing enabled: status %d, want 400", rec.Code)
	}
}

func TestAdminEmergencyMode(t *testing.T) {
	e := newAdminEnv(t)
	rec := e.do(http.MethodPut, "/emergency", `{"enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if !e.engine.EmergencyMode() {
		t.Error("emergency mode not enabled")
	}
	var body struct {
		Data emergencyState `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Data.Enabled || body.Data.MaxBodyBytes != e.engine.BodyLimit() {
		t.Errorf("unexpected state %+v", body.Data)
	}

	e.do(http.MethodPut, "/emergency", `{"enabled":false}`)
	if e.engine.EmergencyMode() {
		t.Error("emergency mode still on")
	}
}

func TestAdminBlocks(t *testing.T) {
	e := newAdminEnv(t)
	ctx := context.Background()

	rec := e.do(http.MethodPost, "/blocks", `{"ip":"203.0.113.9","reason":"abuse report","duration":"30m"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("block: status %d body %s", rec.Code, rec.Body)
	}
	blocked, entry := e.rep.IsBlocked(ctx, "203.0.113.9")
	if !blocked {
		t.Fatal("ip should be blocked")
	}
	if entry.Source != reputation.SourceManual || entry.Remaining(e.clock.Now()) != 30*time.Minute {
		t.Errorf("unexpected entry %+v", entry)
	}

	rec = e.do(http.MethodGet, "/blocks", "")
	var list struct {
		Data []reputation.BlockEntry `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].IP != "203.0.113.9" {
		t.Errorf("list = %+v", list.Data)
	}

	rec = e.do(http.MethodDelete, "/blocks/203.0.113.9", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("unblock: status %d", rec.Code)
	}
	if blocked, _ := e.rep.IsBlocked(ctx, "203.0.113.9"); blocked {
		t.Error("ip still blocked")
	}
}

func TestAdminBlockErrors(t *testing.T) {
	e := newAdminEnv(t)
	cases := []struct {
		name, body string
		status     int
		code       string
	}{
		{"allowlisted", `{"ip":"192.0.2.10"}`, http.StatusConflict, "IP_ALLOWLISTED"},
		{"bad ip", `{"ip":"not-an-ip"}`, http.StatusBadRequest, "INVALID_IP"},
		{"bad duration", `{"ip":"203.0.113.1","duration":"soon"}`, http.StatusBadRequest, "INVALID_DURATION"},
		{"negative duration", `{"ip":"203.0.113.1","duration":"-1m"}`, http.StatusBadRequest, "INVALID_DURATION"},
		{"malformed", `{"ip":`, http.StatusBadRequest, "INVALID_BODY"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/blocks", c.body)
			if rec.Code != c.status {
				t.Fatalf("status %d, want %d", rec.Code, c.status)
			}
			if code := decodeError(t, rec); code != c.code {
				t.Errorf("code %q, want %q", code, c.code)
			}
		})
	}
}

func TestAdminStoreOutage(t *testing.T) {
	e := newAdminEnv(t)
	e.store.SetDown(true)

	rec := e.do(http.MethodGet, "/blocks", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("list: status %d, want 503", rec.Code)
	}
	rec = e.do(http.MethodPost, "/blocks", `{"ip":"203.0.113.7"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("block: status %d, want 503", rec.Code)
	}
	// The local tier still enforces the block.
	if blocked, _ := e.rep.IsBlocked(context.Background(), "203.0.113.7"); !blocked {
		t.Error("block should apply locally")
	}
}

func TestAdminStatsAndIncidents(t *testing.T) {
	e := newAdminEnv(t)
	rec := e.do(http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	var stats struct {
		Data waf.Stats `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Data.TotalRules != len(waf.DefaultRuleSpecs()) {
		t.Errorf("total rules %d, want %d", stats.Data.TotalRules, len(waf.DefaultRuleSpecs()))
	}

	rec = e.do(http.MethodGet, "/incidents/203.0.113.5", "")
	if rec.Code != http.StatusOK {
		t.Errorf("incidents: status %d", rec.Code)
	}
	rec = e.do(http.MethodGet, "/incidents/garbage", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad ip: status %d, want 400", rec.Code)
	}
	rec = e.do(http.MethodGet, "/incident/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing incident: status %d, want 404", rec.Code)
	}
}

func TestAdminWithoutFirewall(t *testing.T) {
	e := newAdminEnv(t)
	h := NewAdmin(nil, e.rep, testToken, zerolog.Nop()).Handler()
	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}
