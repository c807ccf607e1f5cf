// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wokwi_server"

var (
	// uploadedSegments counts flash segments accepted by the simulator.
	uploadedSegments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_segments_total",
			Help:      "Total number of flash segments uploaded to the simulator",
		},
	)

	// uploadedBytes counts flash bytes accepted by the simulator.
	uploadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Total flash bytes uploaded to the simulator",
		},
	)

	// serialBytes counts serial console bytes relayed to stdout.
	serialBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_bytes_total",
			Help:      "Total serial console bytes relayed to stdout",
		},
	)

	// debugPackets counts debug protocol packets relayed, by direction.
	debugPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debug_packets_total",
			Help:      "Total debug protocol packets relayed",
		},
		[]string{"direction"}, // direction: to_target, to_debugger
	)

	// debugConnections counts accepted and rejected local debugger connections.
	debugConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debug_connections_total",
			Help:      "Total local debugger connections",
		},
		[]string{"status"}, // status: accepted, busy
	)
)

// allMetrics lists every collector for registration.
var allMetrics = []prometheus.Collector{
	uploadedSegments,
	uploadedBytes,
	serialBytes,
	debugPackets,
	debugConnections,
}

// AddUploadedSegment records one accepted flash segment of n bytes.
func AddUploadedSegment(n int) {
	uploadedSegments.Inc()
	uploadedBytes.Add(float64(n))
}

// AddSerialBytes records n serial bytes written to the local console.
func AddSerialBytes(n int) {
	serialBytes.Add(float64(n))
}

// DebugPacketToTarget records one packet forwarded to the simulated target.
func DebugPacketToTarget() {
	debugPackets.WithLabelValues("to_target").Inc()
}

// DebugPacketToDebugger records one packet written back to the local debugger.
func DebugPacketToDebugger() {
	debugPackets.WithLabelValues("to_debugger").Inc()
}

// DebugConnectionAccepted records one accepted debugger connection.
func DebugConnectionAccepted() {
	debugConnections.WithLabelValues("accepted").Inc()
}

// DebugConnectionBusy records one debugger connection rejected while busy.
func DebugConnectionBusy() {
	debugConnections.WithLabelValues("busy").Inc()
}
