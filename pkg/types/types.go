package types

import "time"

// DefaultNamespace is the id of the default namespace. Nothing creates it
// automatically: a fresh cluster has no namespaces until a CreateNamespace
// command is applied.
const DefaultNamespace = "public"

// Namespace groups configs and service instances under a single id.
type Namespace struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConfigKey identifies a ConfigEntry within a namespace.
type ConfigKey struct {
	NamespaceID string
	ConfigID    string
}

// ConfigEntry is a single stored configuration value.
type ConfigEntry struct {
	NamespaceID string
	ConfigID    string
	Content     string
	MD5         string // hex, 32 chars, md5(Content)
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeletedMarker is the Description value written onto the history row
// produced by a DeleteConfig command.
const DeletedMarker = "__DELETED__"

// ConfigHistoryEntry is an append-only row recording one create, update,
// delete, or restore of a ConfigEntry. HistorySeq is strictly increasing
// within a (NamespaceID, ConfigID) pair.
type ConfigHistoryEntry struct {
	NamespaceID string
	ConfigID    string
	HistorySeq  uint64
	Content     string
	MD5         string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InstanceStatus is the liveness state of a ServiceInstance, derived from
// how long it has been since the last heartbeat.
type InstanceStatus string

const (
	InstanceHealthy   InstanceStatus = "HEALTHY"
	InstanceUnhealthy InstanceStatus = "UNHEALTHY"
	InstanceRemoved   InstanceStatus = "REMOVED"
)

// InstanceKey uniquely identifies a ServiceInstance within a
// (namespace, service) pair.
type InstanceKey struct {
	Address string
	Port    int
}

// ServiceInstance is one registered endpoint of a service, held in the
// registry engine's in-memory tables.
type ServiceInstance struct {
	NamespaceID    string
	ServiceID      string
	Address        string
	Port           int
	Metadata       map[string]string
	Weight         float32
	Ephemeral      bool
	LastHeartbeat  time.Time
	RegisteredAt   time.Time
	Status         InstanceStatus
	// HeartbeatTTL and RemoveTTL are carried with the instance but not
	// consulted by the registry sweep, which applies registry-wide
	// thresholds (15s to UNHEALTHY, 30s to removal) to every instance.
	HeartbeatTTL   time.Duration
	RemoveTTL      time.Duration
}

// Key returns the InstanceKey identifying this instance.
func (s *ServiceInstance) Key() InstanceKey {
	return InstanceKey{Address: s.Address, Port: s.Port}
}

// MemberRole distinguishes quorum-counting voters from catching-up learners.
type MemberRole string

const (
	RoleVoter   MemberRole = "voter"
	RoleLearner MemberRole = "learner"
)

// Member is one entry of the cluster's Membership set.
type Member struct {
	ID      string
	Address string
	Role    MemberRole
}

// ReplicationProgress reports a peer's observed log position, returned by
// the cluster status RPC.
type ReplicationProgress struct {
	ID         string
	MatchIndex uint64
	NextIndex  uint64
	RTTMillis  int64
}

// ClusterStatus is the response shape of the admin status() operation.
type ClusterStatus struct {
	NodeID        string
	Role          string
	Term          uint64
	Leader        string
	LastLogIndex  uint64
	LastApplied   uint64
	Members       []Member
	Replication   []ReplicationProgress
}
