/*
Package metrics provides Prometheus metrics collection and exposition
for gridctl.

Metrics are grouped by the component that produces them: the send-node
adaptive-send pipeline, the receive pipeline, management-protocol
sessions, the configuration atomic-rewrite protocol, the process
controller, and gridha leader election. Handler returns the standard
promhttp handler for mounting on an operator-facing status endpoint;
Timer is a small helper for observing histogram durations without
repeating time.Since(start).Seconds() at every call site.

# Usage

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MgmConfigFetchDuration)
*/
package metrics
