// Package metrics tracks per-request performance counters and scrapes the
// active engine's own Prometheus exposition for the stats endpoint.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
)

// RequestStats describes the most recent inference request.
type RequestStats struct {
	Model         string    `json:"model"`
	Operation     string    `json:"operation"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
	Streaming     bool      `json:"streaming"`
	StatusCode    int       `json:"status_code"`
	InputBytes    int64     `json:"input_bytes"`
	ResponseBytes int64     `json:"response_bytes,omitempty"`
}

// Recorder keeps the last-request counters. Safe for concurrent use.
type Recorder struct {
	log logging.Logger

	mu   sync.Mutex
	last *RequestStats
}

// NewRecorder creates a request stats recorder.
func NewRecorder(log logging.Logger) *Recorder {
	return &Recorder{log: log}
}

// Record stores the outcome of one inference request.
func (r *Recorder) Record(stats RequestStats) {
	r.mu.Lock()
	r.last = &stats
	r.mu.Unlock()
}

// Last returns the most recent request's counters, nil when none.
func (r *Recorder) Last() *RequestStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	copied := *r.last
	return &copied
}

// ScrapeEngine fetches and flattens the engine's /metrics exposition.
// Engines without a metrics endpoint yield an empty map; scrape failures
// are reported as a debug log, not an error, since stats must stay cheap.
func ScrapeEngine(ctx context.Context, log logging.Logger, client *http.Client, baseURL string) map[string]float64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/metrics", http.NoBody)
	if err != nil {
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Debugf("engine metrics scrape failed: %v", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		log.Debugf("engine metrics are not parseable: %v", err)
		return nil
	}
	return flattenFamilies(families)
}

// flattenFamilies reduces metric families to name -> value, summing
// counters across label sets.
func flattenFamilies(families map[string]*dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64, len(families))
	for name, family := range families {
		for _, m := range family.Metric {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				out[name] += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[name] = m.GetGauge().GetValue()
			case dto.MetricType_SUMMARY:
				out[name] = m.GetSummary().GetSampleSum()
			case dto.MetricType_HISTOGRAM:
				out[name] = m.GetHistogram().GetSampleSum()
			case dto.MetricType_UNTYPED:
				out[name] = m.GetUntyped().GetValue()
			}
		}
	}
	return out
}
