// Package metrics declares the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wcp"

// EventsAdmitted counts ledger events by kind.
var EventsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "events_admitted_total",
	Help:      "Participation events written to the ledger.",
}, []string{"kind"})

// EventsRejected counts refused emits by reason code.
var EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "events_rejected_total",
	Help:      "Emits refused by cooldown, cap or season status.",
}, []string{"reason"})

// GateDecisions counts quality gate outcomes.
var GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "gate",
	Name:      "decisions_total",
	Help:      "Quality gate decisions by reason (accepted for admissions).",
}, []string{"reason"})

// BonusPoints sums points paid through the referral cascade.
var BonusPoints = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "referral",
	Name:      "bonus_points_total",
	Help:      "Referral bonus points paid, by level.",
}, []string{"level"})

// ReferralAttaches counts attach outcomes.
var ReferralAttaches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "referral",
	Name:      "attaches_total",
	Help:      "Referral attach attempts by outcome.",
}, []string{"outcome"})

// RiskActions counts enforcement actions written by analyzers and reviews.
var RiskActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "fraud",
	Name:      "actions_total",
	Help:      "Risk flags written, by resulting action.",
}, []string{"action"})

// ConflictRetries counts admissions retried after a ConflictError.
var ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "engine",
	Name:      "conflict_retries_total",
	Help:      "Transactions retried after a concurrent guard collision.",
})

// JobDuration tracks batch job run time.
var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "duration_seconds",
	Help:      "Batch job duration.",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"job"})

// JobItemsFailed counts per-actor failures inside batch jobs.
var JobItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "items_failed_total",
	Help:      "Actors skipped after an error inside a batch job.",
}, []string{"job"})

// HTTPRequests counts API requests by route pattern and status.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP API requests.",
}, []string{"route", "code"})

// RateLimited counts requests refused by the ingress limiter.
var RateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "rate_limited_total",
	Help:      "Requests refused by the per-client rate limiter.",
})

// NotifyFailures counts notifications a publisher could not deliver.
var NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "notify_failures_total",
	Help:      "Notifications that failed to marshal or publish, by topic.",
}, []string{"topic"})

// IngestDropped counts bus messages dropped because the ingest buffer was full.
var IngestDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "ingest_dropped_total",
	Help:      "Bus messages dropped while the subscriber buffer was full, by subject.",
}, []string{"subject"})
