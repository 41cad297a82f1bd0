package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Detection ───────────────────────────────────────────────────────────────

	DetectGroupsSelected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupflow",
		Subsystem: "detect",
		Name:      "groups_selected_total",
		Help:      "Total groups whose completion ratio crossed the threshold.",
	})

	DetectUnitsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupflow",
		Subsystem: "detect",
		Name:      "units_skipped_total",
		Help:      "Total detection units excluded from clustering, labelled by reason.",
	}, []string{"reason"})

	ResultRowsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupflow",
		Subsystem: "detect",
		Name:      "result_rows_malformed_total",
		Help:      "Total capture rows dropped because a field failed to decode.",
	})

	// ─── Materializer ────────────────────────────────────────────────────────────

	SubtasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupflow",
		Subsystem: "materialize",
		Name:      "subtasks_created_total",
		Help:      "Total follow-up capture tasks persisted.",
	})

	// ─── Delivery ────────────────────────────────────────────────────────────────

	DeliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupflow",
		Subsystem: "dispatch",
		Name:      "deliveries_total",
		Help:      "Total dispatch attempts, labelled by outcome.",
	}, []string{"outcome"})

	DeliveryDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "groupflow",
		Subsystem: "dispatch",
		Name:      "delivery_duration_seconds",
		Help:      "Wall time of one webhook delivery including the sink round trip.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	LockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupflow",
		Subsystem: "dispatch",
		Name:      "lock_contention_total",
		Help:      "Total dispatch attempts skipped because another holder owned the plan lock.",
	})

	ListenerMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupflow",
		Subsystem: "listener",
		Name:      "messages_total",
		Help:      "Total task-completed messages consumed, labelled by result.",
	}, []string{"result"})

	// ─── Reconciler ──────────────────────────────────────────────────────────────

	ReconcilePlansChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupflow",
		Subsystem: "reconcile",
		Name:      "plans_checked_total",
		Help:      "Total plans examined by reconciliation sweeps, labelled by outcome.",
	}, []string{"outcome"})

	ReconcileSweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "groupflow",
		Subsystem: "reconcile",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one full reconciliation sweep.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})
)
