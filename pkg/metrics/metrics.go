// Package metrics exposes Prometheus counters and gauges for the adOPTed
// engine's session-level behavior: how many requests execute, how deep
// the premature-request queue runs, how often log GC trims a
// participant, and each user's current undo/redo availability.
//
// Metrics are package-global (no unbounded label cardinality beyond the
// document id and user id, both bounded by however many documents/users
// are actually live), registered once at package init and updated by
// pkg/server as it drives each document's ot.Algorithm.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsExecuted counts every request (Do, Undo, Redo) that has
	// completed ot.Algorithm.execute, labeled by document id and kind.
	RequestsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adopted_requests_executed_total",
		Help: "Total requests executed by the transformation engine, by document and kind",
	}, []string{"document", "kind"})

	// QueueDepth reports the number of causally premature remote
	// requests currently buffered for a document. pkg/server sets it
	// after every Do/Undo/Redo it submits; since it never calls
	// ReceiveRequest, the value it reports is always 0.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adopted_queue_depth",
		Help: "Number of premature requests awaiting causal readiness, by document",
	}, []string{"document"})

	// LogTrims counts how many times gcLogs has removed a prefix from
	// some participant's request log, by document.
	LogTrims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adopted_log_trims_total",
		Help: "Total request-log prefix trims performed by garbage collection, by document",
	}, []string{"document"})

	// UndoAvailable reports the last known can-undo bit for a local
	// participant, by document and user.
	UndoAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adopted_undo_available",
		Help: "1 if the user currently has an undoable request, 0 otherwise",
	}, []string{"document", "user"})

	// RedoAvailable mirrors UndoAvailable for redo.
	RedoAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adopted_redo_available",
		Help: "1 if the user currently has a redoable request, 0 otherwise",
	}, []string{"document", "user"})

	// ActiveDocuments reports how many documents currently have at
	// least one connected session.
	ActiveDocuments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adopted_active_documents",
		Help: "Number of documents with at least one connected client",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsExecuted,
		QueueDepth,
		LogTrims,
		UndoAvailable,
		RedoAvailable,
		ActiveDocuments,
	)
}

// boolGauge converts a bool to the 0/1 a Prometheus gauge expects.
func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveUndoRedo records the current availability bits for one user of
// one document.
func ObserveUndoRedo(document, user string, canUndo, canRedo bool) {
	UndoAvailable.WithLabelValues(document, user).Set(boolGauge(canUndo))
	RedoAvailable.WithLabelValues(document, user).Set(boolGauge(canRedo))
}

// ForgetUser removes a disconnected user's gauges so they stop reporting
// stale availability after the connection closes.
func ForgetUser(document, user string) {
	UndoAvailable.DeleteLabelValues(document, user)
	RedoAvailable.DeleteLabelValues(document, user)
}
