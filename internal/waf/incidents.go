package waf

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/developingchet/reqshield/internal/request"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	incidentPrefix = "waf:incident:"
	maxUserAgent   = 256
	topOffenders   = 10
)

// Incident records one request that matched at least one rule. Incidents are
// never mutated after creation.
type Incident struct {
	ID             string    `msgpack:"id" json:"id"`
	Timestamp      time.Time `msgpack:"ts" json:"timestamp"`
	IP             string    `msgpack:"ip" json:"ip"`
	UserAgent      string    `msgpack:"ua" json:"userAgent"`
	Path           string    `msgpack:"path" json:"path"`
	Method         string    `msgpack:"method" json:"method"`
	RulesTriggered []string  `msgpack:"rules" json:"rulesTriggered"`
	Action         Action    `msgpack:"action" json:"action"`
	Severity       Severity  `msgpack:"severity" json:"severity"`
	RiskScore      int       `msgpack:"risk" json:"riskScore"`
	Blocked        bool      `msgpack:"blocked" json:"blocked"`
}

func (e *Engine) recordIncident(ctx context.Context, desc *request.Descriptor, v Verdict) *Incident {
	ua := desc.UserAgent()
	if len(ua) > maxUserAgent {
		ua = ua[:maxUserAgent]
	}
	inc := &Incident{
		ID:             uuid.NewString(),
		Timestamp:      e.opts.Clock().UTC(),
		IP:             desc.SourceIP,
		UserAgent:      ua,
		Path:           desc.Path,
		Method:         desc.Method,
		RulesTriggered: make([]string, 0, len(v.Matched)),
		Action:         v.Action,
		Severity:       v.HighestSeverity,
		RiskScore:      v.RiskScore,
		Blocked:        v.Action == ActionBlock,
	}
	for _, m := range v.Matched {
		inc.RulesTriggered = append(inc.RulesTriggered, m.RuleID)
	}
	e.incidents.add(*inc)

	if e.store == nil {
		return inc
	}
	raw, err := msgpack.Marshal(inc)
	if err == nil {
		err = e.store.Set(ctx, incidentPrefix+inc.ID, raw, e.opts.IncidentRetention)
	}
	if err != nil {
		// The in-process buffer still holds the incident; only the shared copy
		// is lost. Log the first failure of each run of failures.
		if e.persistErrors.Add(1) == 1 {
			e.log.Error().Err(err).Msg("incident not persisted to shared cache")
		}
	} else {
		e.persistErrors.Store(0)
	}
	return inc
}

// Incident loads one incident from the shared cache.
func (e *Engine) Incident(ctx context.Context, id string) (*Incident, error) {
	raw, err := e.store.Get(ctx, incidentPrefix+id)
	if err != nil {
		return nil, err
	}
	var inc Incident
	if err := msgpack.Unmarshal(raw, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// IncidentsFor returns the buffered incidents for ip, newest first.
func (e *Engine) IncidentsFor(ip string) []Incident {
	return e.incidents.forIP(ip)
}

// PruneIncidents evicts buffered incidents older than the retention window.
func (e *Engine) PruneIncidents(now time.Time) int {
	n := e.incidents.prune(now.Add(-e.opts.IncidentRetention))
	if n > 0 {
		metrics.IncidentsPruned.Add(float64(n))
	}
	return n
}

// Offender is an IP with its buffered incident count.
type Offender struct {
	IP        string `json:"ip"`
	Incidents int    `json:"incidents"`
}

// Stats summarizes the rule set and recent incidents.
type Stats struct {
	TotalRules          int              `json:"totalRules"`
	EnabledRules        int              `json:"enabledRules"`
	IncidentsBySeverity map[Severity]int `json:"incidentsBySeverity"`
	TopOffendingIPs     []Offender       `json:"topOffendingIps"`
	BlockedIPs          int              `json:"blockedIps"`
	EmergencyMode       bool             `json:"emergencyMode"`
}

// Stats returns current statistics. The blocked-IP count comes from the
// blocklist; it is -1 when the blocklist cannot be read.
func (e *Engine) Stats(ctx context.Context) Stats {
	e.mu.RLock()
	total, enabled := len(e.ordered), 0
	for _, r := range e.ordered {
		if r.Enabled {
			enabled++
		}
	}
	e.mu.RUnlock()

	bySev, top := e.incidents.summary(topOffenders)
	s := Stats{
		TotalRules:          total,
		EnabledRules:        enabled,
		IncidentsBySeverity: bySev,
		TopOffendingIPs:     top,
		EmergencyMode:       e.EmergencyMode(),
	}
	if e.blocklist != nil {
		n, err := e.blocklist.Count(ctx)
		if err != nil {
			e.log.Debug().Err(err).Msg("blocked ip count unavailable")
			n = -1
		}
		s.BlockedIPs = n
	}
	return s
}

// incidentLog keeps a bounded buffer of incidents per IP.
type incidentLog struct {
	mu   sync.Mutex
	cap  int
	byIP map[string][]Incident
}

func newIncidentLog(capacity int) *incidentLog {
	return &incidentLog{cap: capacity, byIP: make(map[string][]Incident)}
}

func (l *incidentLog) add(inc Incident) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := l.byIP[inc.IP]
	if len(buf) >= l.cap {
		copy(buf, buf[1:])
		buf[len(buf)-1] = inc
	} else {
		buf = append(buf, inc)
	}
	l.byIP[inc.IP] = buf
}

func (l *incidentLog) forIP(ip string) []Incident {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := l.byIP[ip]
	out := make([]Incident, len(buf))
	for i, inc := range buf {
		out[len(buf)-1-i] = inc
	}
	return out
}

// prune drops incidents older than cutoff. Buffers are in insertion order, so
// each is trimmed from the front.
func (l *incidentLog) prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := 0
	for ip, buf := range l.byIP {
		i := 0
		for i < len(buf) && buf[i].Timestamp.Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		pruned += i
		if i == len(buf) {
			delete(l.byIP, ip)
			continue
		}
		l.byIP[ip] = append([]Incident(nil), buf[i:]...)
	}
	return pruned
}

func (l *incidentLog) summary(n int) (map[Severity]int, []Offender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bySev := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		bySev[s] = 0
	}
	offenders := make([]Offender, 0, len(l.byIP))
	for ip, buf := range l.byIP {
		for _, inc := range buf {
			bySev[inc.Severity]++
		}
		offenders = append(offenders, Offender{IP: ip, Incidents: len(buf)})
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Incidents != offenders[j].Incidents {
			return offenders[i].Incidents > offenders[j].Incidents
		}
		return offenders[i].IP < offenders[j].IP
	})
	if len(offenders) > n {
		offenders = offenders[:n]
	}
	return bySev, offenders
}
