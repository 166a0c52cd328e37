package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssessmentsFinalized counts finalize transitions.
	AssessmentsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maturion_assessments_finalized_total",
		Help: "Number of assessments finalized.",
	})

	// MergeOutcomes counts per-item import outcomes by action.
	MergeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maturion_import_merge_outcomes_total",
		Help: "Per-item import merge outcomes.",
	}, []string{"action"})

	// AttachmentsRestored counts attachment payloads restored from archives.
	AttachmentsRestored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maturion_import_attachments_restored_total",
		Help: "Attachment payloads restored during archive import.",
	})

	// ExportsProduced counts export documents produced by format.
	ExportsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maturion_exports_produced_total",
		Help: "Export documents produced.",
	}, []string{"format"})
)
