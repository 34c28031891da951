/*
Package metrics provides Prometheus instrumentation and health endpoints for
Conreg.

Metrics are package-level prometheus.Collector variables registered at
init time (see metrics.go); call sites increment/observe them directly
rather than going through an indirection layer. A Timer helper wraps the
common "start now, observe duration into a histogram on completion"
pattern used by the FSM, coordinator, and registry.

Collector (collector.go) samples gauge-shaped state — namespace/config
counts, registry instance counts by status, Raft leadership and applied
index — on a 15s ticker, since those are cheap point-in-time reads rather
than per-request increments.

health.go exposes /health, /ready, and /live HTTP handlers backed by a
small component registry: callers call RegisterComponent/UpdateComponent
as subsystems (raft, store, coordinator) come up, and GetReadiness treats
an unregistered critical component the same as an unhealthy one.

# Metric catalogue

conreg_namespaces_total, conreg_configs_total: gauges, data-model size.

conreg_instances_total{namespace,status}: gauge, registry instance counts.

conreg_raft_is_leader, conreg_raft_applied_index, conreg_raft_peers_total:
gauges, Raft state.

conreg_fsm_apply_duration_seconds{op}: histogram, FSM Apply latency.

conreg_api_requests_total{path,code}, conreg_api_request_duration_seconds{path}:
coordinator HTTP instrumentation.

conreg_longpoll_parked: gauge, currently-parked long-poll requests.

conreg_longpoll_notify_latency_seconds: histogram, how long a config
long-poll stayed parked before a change was delivered (measured from
parking, not from the change).

conreg_registry_heartbeat_duration_seconds: histogram, heartbeat handling cost.
*/
package metrics
