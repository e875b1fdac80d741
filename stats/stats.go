package stats

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"minidns/dns"
)

// Stats holds DNS server statistics
type Stats struct {
	mu sync.RWMutex

	// Atomic counters
	TotalQueries int64
	Suppressed   int64
	Checks       int64
	ForgedSent   int64
	ForgedFailed int64

	QueriesByType   map[dns.Type]int64
	QueriesByDomain map[string]int64
	ByStatus        map[string]int64

	// Response time tracking
	responseTimes []time.Duration
	maxTimes      int // Maximum number of times to keep

	registry *prometheus.Registry
	queries  *prometheus.CounterVec
	answers  *prometheus.CounterVec
	dropped  prometheus.Counter
	forged   *prometheus.CounterVec
	latency  prometheus.Histogram
}

// NewStats creates a new stats collector with its own Prometheus registry.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Stats{
		QueriesByType:   make(map[dns.Type]int64),
		QueriesByDomain: make(map[string]int64),
		ByStatus:        make(map[string]int64),
		responseTimes:   make([]time.Duration, 0, 1000),
		maxTimes:        1000,

		registry: reg,
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minidns_queries_total",
			Help: "Queries received, by question type.",
		}, []string{"type"}),
		answers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minidns_lookups_total",
			Help: "Zone lookups, by status and request category.",
		}, []string{"status", "category"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "minidns_suppressed_total",
			Help: "Responses deliberately not sent.",
		}),
		forged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minidns_forged_datagrams_total",
			Help: "Forged response datagrams, by outcome.",
		}, []string{"result"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "minidns_response_seconds",
			Help:    "Time to build and send a response.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// RecordQuery records a DNS query
func (s *Stats) RecordQuery(domain string, queryType dns.Type) {
	atomic.AddInt64(&s.TotalQueries, 1)
	s.queries.WithLabelValues(queryType.String()).Inc()

	s.mu.Lock()
	s.QueriesByType[queryType]++
	s.QueriesByDomain[domain]++
	s.mu.Unlock()
}

// RecordLookup records the zone lookup outcome of a query.
func (s *Stats) RecordLookup(status string, checking bool) {
	category := "normal"
	if checking {
		category = "checking"
		atomic.AddInt64(&s.Checks, 1)
	}
	s.answers.WithLabelValues(status, category).Inc()

	s.mu.Lock()
	s.ByStatus[status]++
	s.mu.Unlock()
}

// RecordSuppressed counts a response that was built but not transmitted.
func (s *Stats) RecordSuppressed() {
	atomic.AddInt64(&s.Suppressed, 1)
	s.dropped.Inc()
}

// RecordForged counts the outcome of one forged batch.
func (s *Stats) RecordForged(sent, failed int) {
	atomic.AddInt64(&s.ForgedSent, int64(sent))
	atomic.AddInt64(&s.ForgedFailed, int64(failed))
	s.forged.WithLabelValues("sent").Add(float64(sent))
	s.forged.WithLabelValues("failed").Add(float64(failed))
}

// RecordResponse records how long a response took
func (s *Stats) RecordResponse(duration time.Duration) {
	s.latency.Observe(duration.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	// Add response time
	s.responseTimes = append(s.responseTimes, duration)
	if len(s.responseTimes) > s.maxTimes {
		// Keep only the most recent times
		s.responseTimes = s.responseTimes[len(s.responseTimes)-s.maxTimes:]
	}
}

// Snapshot returns a snapshot of current statistics
type Snapshot struct {
	TotalQueries    int64             `json:"total_queries"`
	QueriesByType   map[string]int64  `json:"queries_by_type"`
	QueriesByDomain map[string]int64  `json:"queries_by_domain"`
	ByStatus        map[string]int64  `json:"by_status"`
	Checks          int64             `json:"checks"`
	Suppressed      int64             `json:"suppressed"`
	ForgedSent      int64             `json:"forged_sent"`
	ForgedFailed    int64             `json:"forged_failed"`
	ResponseTime    ResponseTimeStats `json:"response_time"`
}

// ResponseTimeStats holds response time statistics
type ResponseTimeStats struct {
	Min   string `json:"min"`
	Max   string `json:"max"`
	Avg   string `json:"avg"`
	Count int    `json:"count"`
}

const topDomains = 10

// GetSnapshot returns a snapshot of current statistics
func (s *Stats) GetSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := Snapshot{
		TotalQueries:    atomic.LoadInt64(&s.TotalQueries),
		QueriesByType:   make(map[string]int64, len(s.QueriesByType)),
		QueriesByDomain: make(map[string]int64),
		ByStatus:        make(map[string]int64, len(s.ByStatus)),
		Checks:          atomic.LoadInt64(&s.Checks),
		Suppressed:      atomic.LoadInt64(&s.Suppressed),
		ForgedSent:      atomic.LoadInt64(&s.ForgedSent),
		ForgedFailed:    atomic.LoadInt64(&s.ForgedFailed),
	}

	for k, v := range s.QueriesByType {
		snapshot.QueriesByType[k.String()] = v
	}
	for k, v := range s.ByStatus {
		snapshot.ByStatus[k] = v
	}

	// Top domains by count, ties broken by name
	type domainCount struct {
		domain string
		count  int64
	}
	counts := make([]domainCount, 0, len(s.QueriesByDomain))
	for domain, count := range s.QueriesByDomain {
		counts = append(counts, domainCount{domain, count})
	}
	slices.SortFunc(counts, func(a, b domainCount) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.domain, b.domain)
	})
	for _, dc := range counts[:min(len(counts), topDomains)] {
		snapshot.QueriesByDomain[dc.domain] = dc.count
	}

	// Calculate response time stats
	if len(s.responseTimes) > 0 {
		var sum time.Duration
		minTime := s.responseTimes[0]
		maxTime := s.responseTimes[0]

		for _, rt := range s.responseTimes {
			sum += rt
			minTime = min(minTime, rt)
			maxTime = max(maxTime, rt)
		}

		snapshot.ResponseTime.Count = len(s.responseTimes)
		snapshot.ResponseTime.Min = minTime.String()
		snapshot.ResponseTime.Max = maxTime.String()
		snapshot.ResponseTime.Avg = (sum / time.Duration(len(s.responseTimes))).String()
	}

	return snapshot
}
