package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nexo"

// Registry holds every collector exported on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// RefreshCycles counts finished refresh cycles by outcome
	// (success, empty, parse_failure, error).
	RefreshCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_cycles_total",
		Help:      "Refresh cycles by outcome.",
	}, []string{"outcome"})

	RefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "refresh_duration_seconds",
		Help:      "Wall time of a refresh cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	IssuesExtracted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "issues_extracted_total",
		Help:      "Issues returned by the extractor.",
	})

	ConnectionsExtracted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_extracted_total",
		Help:      "Connections returned by the extractor.",
	})

	// IssueResolutions counts resolver outcomes (matched, created, conflict_fallback).
	IssueResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "issue_resolutions_total",
		Help:      "Issue resolver outcomes.",
	}, []string{"outcome"})

	// AggregateRetries counts compare-and-swap retries per aggregate kind.
	AggregateRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregate_cas_retries_total",
		Help:      "Optimistic concurrency retries on aggregate rows.",
	}, []string{"kind"})

	// ContainedFailures counts errors that were logged and swallowed, by kind.
	ContainedFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contained_failures_total",
		Help:      "Non-fatal pipeline failures.",
	}, []string{"kind"})

	LLMRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_requests_total",
		Help:      "Chat completion requests by result.",
	}, []string{"result"})

	LLMRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "llm_request_duration_seconds",
		Help:      "Latency of chat completion requests.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RefreshCycles,
		RefreshDuration,
		IssuesExtracted,
		ConnectionsExtracted,
		IssueResolutions,
		AggregateRetries,
		ContainedFailures,
		LLMRequests,
		LLMRequestDuration,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
