/*
Package metrics provides Prometheus-based metrics for the discovery
engine, covering the registry, search, embedding, cache and vector
store dimensions.

Metrics are registered through promauto, so no manual Registry
management is needed. All metrics are isolated per namespace and
grouped by labels for dashboards and alerting.

Recorded dimensions:

  - Registry: registration outcomes, unregistrations, live agent
    gauge, indexing outcomes.
  - Search: search totals, duration and result-count histograms,
    grouped by mode (semantic / exact / jaccard).
  - Embedding: request totals and duration, grouped by provider.
  - Cache: hits and misses, grouped by cache_type.
  - Vector store: operation totals and duration, grouped by
    operation and status.
*/
package metrics
