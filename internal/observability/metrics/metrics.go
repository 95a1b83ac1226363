// Package metrics exposes prometheus instrumentation for the billing
// pipeline and its background scheduler.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels applied to every metric.
type Config struct {
	ServiceName string
	Environment string
}

// PipelineMetrics tracks the usage event lifecycle.
type PipelineMetrics struct {
	eventsIngested  *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	eventsOrphaned  prometheus.Counter
	eventsFailed    *prometheus.CounterVec
	invoicesCreated prometheus.Counter
}

var (
	pipelineOnce    sync.Once
	pipelineMetrics *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineOnce = sync.Once{}
	pipelineMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "jupiter"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	eventsIngested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "jupiter_usage_events_ingested_total",
		Help:        "Usage events accepted at the ingest boundary.",
		ConstLabels: labels,
	}, []string{"source"})

	eventsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "jupiter_usage_events_processed_total",
		Help:        "Usage events fully reconciled and priced.",
		ConstLabels: labels,
	}, []string{"pricing_strategy"})

	eventsOrphaned := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "jupiter_usage_events_orphaned_total",
		Help:        "Events rated without a resolved user, awaiting attribution.",
		ConstLabels: labels,
	})

	eventsFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "jupiter_usage_events_failed_total",
		Help:        "Events moved to the terminal failed state.",
		ConstLabels: labels,
	}, []string{"reason"})

	invoicesCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "jupiter_monthly_invoices_created_total",
		Help:        "Monthly invoices written by the aggregator.",
		ConstLabels: labels,
	})

	registerer.MustRegister(eventsIngested, eventsProcessed, eventsOrphaned, eventsFailed, invoicesCreated)

	return &PipelineMetrics{
		eventsIngested:  eventsIngested,
		eventsProcessed: eventsProcessed,
		eventsOrphaned:  eventsOrphaned,
		eventsFailed:    eventsFailed,
		invoicesCreated: invoicesCreated,
	}
}

func (m *PipelineMetrics) IncIngested(source string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(source).Inc()
}

func (m *PipelineMetrics) IncProcessed(pricingStrategy string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(pricingStrategy).Inc()
}

func (m *PipelineMetrics) IncOrphaned() {
	if m == nil {
		return
	}
	m.eventsOrphaned.Inc()
}

func (m *PipelineMetrics) IncFailed(reason string) {
	if m == nil {
		return
	}
	m.eventsFailed.WithLabelValues(reason).Inc()
}

func (m *PipelineMetrics) IncInvoiceCreated() {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
}
