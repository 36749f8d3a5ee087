package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"aegis/pkg/httpx"
)

// Registry counts pipeline activity in process: per-endpoint request stats,
// denials by code, security events by type, suspicious flags.
type Registry struct {
	mu        sync.RWMutex
	endpoint  map[string]*EndpointStat
	denials   map[string]int64
	events    map[string]int64
	suspects  int64
	startedAt time.Time
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Denials        map[string]int64        `json:"denials"`
	SecurityEvents map[string]int64        `json:"security_events"`
	SuspectsTotal  int64                   `json:"suspects_flagged_total"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		denials:   map[string]int64{},
		events:    map[string]int64{},
		startedAt: time.Now().UTC(),
	}
}

func (r *Registry) Observe(endpoint string, status int, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[endpoint]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[endpoint] = stat
	}
	stat.Count++
	stat.TotalMillis += ms
	if ms > stat.MaxMillis {
		stat.MaxMillis = ms
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
	if status >= 400 {
		stat.ErrorCount++
	}
}

func (r *Registry) Denial(code string) {
	if code == "" {
		return
	}
	r.mu.Lock()
	r.denials[code]++
	r.mu.Unlock()
}

func (r *Registry) SecurityEvent(eventType string) {
	if eventType == "" {
		return
	}
	r.mu.Lock()
	r.events[eventType]++
	r.mu.Unlock()
}

func (r *Registry) SuspectFlagged() {
	r.mu.Lock()
	r.suspects++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds:  int64(time.Since(r.startedAt).Seconds()),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Denials:        make(map[string]int64, len(r.denials)),
		SecurityEvents: make(map[string]int64, len(r.events)),
		SuspectsTotal:  r.suspects,
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.denials {
		snap.Denials[k] = v
	}
	for k, v := range r.events {
		snap.SecurityEvents[k] = v
	}
	return snap
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}

// PrometheusHandler renders the counters in text exposition format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		var b strings.Builder
		b.WriteString("# TYPE aegis_requests_total counter\n")
		for _, k := range sortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[k]
			fmt.Fprintf(&b, "aegis_requests_total{endpoint=%q} %d\n", k, stat.Count)
			fmt.Fprintf(&b, "aegis_request_errors_total{endpoint=%q} %d\n", k, stat.ErrorCount)
		}
		b.WriteString("# TYPE aegis_denials_total counter\n")
		for _, k := range sortedCountKeys(snap.Denials) {
			fmt.Fprintf(&b, "aegis_denials_total{code=%q} %d\n", k, snap.Denials[k])
		}
		b.WriteString("# TYPE aegis_security_events_total counter\n")
		for _, k := range sortedCountKeys(snap.SecurityEvents) {
			fmt.Fprintf(&b, "aegis_security_events_total{type=%q} %d\n", k, snap.SecurityEvents[k])
		}
		fmt.Fprintf(&b, "# TYPE aegis_suspects_flagged_total counter\naegis_suspects_flagged_total %d\n", snap.SuspectsTotal)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	}
}

// Middleware records request counts and latency per method+path.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.Observe(req.Method+" "+req.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func sortedKeys(m map[string]EndpointStat) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCountKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
