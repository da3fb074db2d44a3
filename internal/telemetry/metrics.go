package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsTriggered        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_runs_triggered_total", Help: "Episode runs started by the scheduler"})
	RunTriggerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_run_trigger_failures_total", Help: "Due podcasts whose run could not be started"})
	VerificationFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_verification_failures_total", Help: "Post-creation verification calls that failed"})
	RunsResubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_runs_resubmitted_total", Help: "Stalled runs resubmitted by the failure sweep"})
	SweepFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_sweep_failures_total", Help: "Resubmissions that failed during the sweep"})
	StuckRunsGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_stuck_runs", Help: "Non-terminal runs past the staleness threshold"})
	StatusPolls          = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_status_polls_total", Help: "Episode status poll requests served"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Status polls rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsTriggered,
			RunTriggerFailures,
			VerificationFailures,
			RunsResubmitted,
			SweepFailures,
			StuckRunsGauge,
			StatusPolls,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
