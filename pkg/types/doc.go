/*
Package types defines the core data structures shared across Conreg:
namespaces, config entries and their history, registry service instances,
and the cluster membership/status shapes returned by admin operations.

These are plain data types with no behavior beyond small accessors (see
ServiceInstance.Key); the packages that own a given type's lifecycle are
pkg/fsm (Namespace, ConfigEntry, ConfigHistoryEntry) and pkg/registry
(ServiceInstance).
*/
package types
