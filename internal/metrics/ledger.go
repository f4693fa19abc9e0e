// Package metrics exposes Prometheus instruments for the ledger and its workers.
// Every method is safe on a nil receiver so callers never branch on configuration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "payout_ledger"

// Ledger holds the counters and histograms the services report into.
type Ledger struct {
	events       *prometheus.CounterVec
	captures     *prometheus.CounterVec
	refunds      prometheus.Counter
	lateCaptures prometheus.Counter
	payouts      *prometheus.CounterVec
	gatewayCalls *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobFailure   *prometheus.CounterVec
	parked       *prometheus.CounterVec
}

// NewLedger registers the ledger metrics on reg. A nil reg yields a no-op recorder.
func NewLedger(reg prometheus.Registerer) *Ledger {
	if reg == nil {
		return &Ledger{}
	}
	l := &Ledger{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_events_total",
			Help: "Gateway events handled by type and outcome.",
		}, []string{"type", "outcome"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "captures_total",
			Help: "Captures recorded by commission tier.",
		}, []string{"tier"}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "refunds_total",
			Help: "Refunds recorded.",
		}),
		lateCaptures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "late_captures_total",
			Help: "Captures rejected because the intent had already failed.",
		}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payout_transitions_total",
			Help: "Payout status transitions.",
		}, []string{"status"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_calls_total",
			Help: "Outbound gateway calls by kind and result.",
		}, []string{"kind", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help: "Duration of background loop cycles.", Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_failure_total",
			Help: "Failed background loop cycles.",
		}, []string{"job"}),
		parked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "parked_events_total",
			Help: "Gateway events parked after exhausting in-place retries, and their replay results.",
		}, []string{"result"}),
	}
	reg.MustRegister(l.events, l.captures, l.refunds, l.lateCaptures, l.payouts,
		l.gatewayCalls, l.jobDuration, l.jobFailure, l.parked)
	return l
}

// IncEvent counts one handled gateway event.
func (l *Ledger) IncEvent(eventType, outcome string) {
	if l == nil || l.events == nil {
		return
	}
	l.events.WithLabelValues(label(eventType), label(outcome)).Inc()
}

// IncCapture counts one recorded capture.
func (l *Ledger) IncCapture(tier string) {
	if l == nil || l.captures == nil {
		return
	}
	l.captures.WithLabelValues(label(tier)).Inc()
}

func (l *Ledger) IncRefund() {
	if l == nil || l.refunds == nil {
		return
	}
	l.refunds.Inc()
}

// IncLateCapture counts captures that arrived after the intent was swept.
func (l *Ledger) IncLateCapture() {
	if l == nil || l.lateCaptures == nil {
		return
	}
	l.lateCaptures.Inc()
}

// IncPayout counts a payout entering status.
func (l *Ledger) IncPayout(status string) {
	if l == nil || l.payouts == nil {
		return
	}
	l.payouts.WithLabelValues(label(status)).Inc()
}

// IncGatewayCall counts one outbound call.
func (l *Ledger) IncGatewayCall(kind, result string) {
	if l == nil || l.gatewayCalls == nil {
		return
	}
	l.gatewayCalls.WithLabelValues(label(kind), label(result)).Inc()
}

// IncParkedEvent counts a parked event by result.
func (l *Ledger) IncParkedEvent(result string) {
	if l == nil || l.parked == nil {
		return
	}
	l.parked.WithLabelValues(label(result)).Inc()
}

// ObserveJob records one loop cycle.
func (l *Ledger) ObserveJob(job string, d time.Duration, err error) {
	if l == nil || l.jobDuration == nil {
		return
	}
	l.jobDuration.WithLabelValues(label(job)).Observe(d.Seconds())
	if err != nil {
		l.jobFailure.WithLabelValues(label(job)).Inc()
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
