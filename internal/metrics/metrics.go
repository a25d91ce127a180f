// Package metrics defines the Prometheus metrics exported by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Metric names.
	MetricNameBuildInfo        = "pimsm_build_info"
	MetricNameRxMessages       = "pimsm_rx_messages_total"
	MetricNameTxMessages       = "pimsm_tx_messages_total"
	MetricNameRxErrors         = "pimsm_rx_errors_total"
	MetricNamePolicyRejections = "pimsm_policy_rejections_total"
	MetricNameMribInconsistent = "pimsm_mrib_inconsistencies_total"
	MetricNameKernelMfcErrors  = "pimsm_kernel_mfc_errors_total"
	MetricNameAssemblerErrors  = "pimsm_assembler_conflicts_total"
	MetricNameNeighbors        = "pimsm_neighbors"
	MetricNameMreEntries       = "pimsm_mre_entries"
	MetricNameMfcEntries       = "pimsm_mfc_entries"

	// Labels.
	LabelVersion = "version"
	LabelCommit  = "commit"
	LabelDate    = "date"
	LabelType    = "type"
	LabelKind    = "kind"
	LabelVif     = "vif"

	// Rx error kinds.
	ErrorKindBadVersion  = "bad_version"
	ErrorKindBadChecksum = "bad_checksum"
	ErrorKindTruncated   = "truncated"
	ErrorKindBadFamily   = "bad_family"
	ErrorKindBadMaskLen  = "bad_mask_len"
	ErrorKindBadOption   = "bad_option"
	ErrorKindUnknownType = "unknown_type"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the PIM-SM daemon",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	RxMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRxMessages,
			Help: "PIM messages received, by message type",
		},
		[]string{LabelType, LabelVif},
	)

	TxMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameTxMessages,
			Help: "PIM messages transmitted, by message type",
		},
		[]string{LabelType, LabelVif},
	)

	RxErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRxErrors,
			Help: "Malformed PIM packets dropped, by error kind",
		},
		[]string{LabelKind},
	)

	PolicyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePolicyRejections,
			Help: "Messages or options ignored by local policy",
		},
		[]string{LabelKind},
	)

	MribInconsistencies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameMribInconsistent,
			Help: "RPF lookups that returned a next-hop on no local interface",
		},
	)

	KernelMfcErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameKernelMfcErrors,
			Help: "Kernel MFC programming failures",
		},
	)

	AssemblerConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameAssemblerErrors,
			Help: "Join/Prune assembler conflicting-entry rejections",
		},
	)

	Neighbors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameNeighbors,
			Help: "Current number of PIM neighbors",
		},
	)

	MreEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameMreEntries,
			Help: "Current number of multicast routing entries, by kind",
		},
		[]string{LabelKind},
	)

	MfcEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameMfcEntries,
			Help: "Current number of installed multicast forwarding cache entries",
		},
	)
)
