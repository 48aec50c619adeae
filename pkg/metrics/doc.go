// Package metrics exposes Prometheus instrumentation for the
// partition engine and merger: commit, snapshot, and merge counters,
// per-partition gauges for tips, loaded states, and the unsaved
// queue, and a checksum-failure counter for corrupt files.
//
// Metrics are registered with the default registry at package init;
// Handler returns the scrape endpoint to mount wherever the embedding
// application serves HTTP.
package metrics
