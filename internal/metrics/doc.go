/*
Package metrics exports Prometheus metrics for the remote read path.

A Collector implements the vfs.Recorder interface. It counts foreground reads
by cache result, ranged requests by connection slot and outcome, and
prefetches by class and outcome. It also counts cache bookkeeping failures
and released mappings, and tracks the number of open handles.

When enabled, Start serves three endpoints on the configured port:

	/metrics       Prometheus exposition
	/health        overall and per-file health, 503 when a remote is unavailable
	/debug/slots   per-slot fetch summary as JSON

A nil or disabled Collector accepts every call and records nothing.
*/
package metrics
