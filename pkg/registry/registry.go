// Package registry implements Conreg's gossip-lite service registry engine
// (spec C4): per-node in-memory service instance tables, a heartbeat-TTL
// expiry sweep, subscription-based long-poll notification, and
// leader-driven anti-entropy digests.
package registry

import (
	"container/heap"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conreg/conreg/pkg/events"
	"github.com/conreg/conreg/pkg/types"
)

const (
	// DefaultUnhealthyAfter is how long without a heartbeat before an
	// instance is marked UNHEALTHY.
	DefaultUnhealthyAfter = 15 * time.Second
	// DefaultRemoveAfter is how long without a heartbeat before an
	// instance is reaped entirely.
	DefaultRemoveAfter = 30 * time.Second
	// DefaultAntiEntropyInterval is how often the leader fetches each
	// follower's full digest and pushes back the entries it found missing
	// or stale there.
	DefaultAntiEntropyInterval = 5 * time.Second
	// DefaultHandoverGrace is the window after a leader handover during
	// which all instances are held HEALTHY to avoid mass-expiry.
	DefaultHandoverGrace = 10 * time.Second
)

// instanceSet is the live table for one (namespace, service_id) pair.
type instanceSet map[types.InstanceKey]*types.ServiceInstance

// Registry holds the two-level namespace→service_id→instances map plus the
// expiry heap and subscription index described in spec §4.4. One mutex
// guards all three for the whole registry; locking is not partitioned by
// namespace, so the sweeper, heartbeat handler, and query handler all
// contend on the same lock.
type Registry struct {
	mu          sync.Mutex // guards services + subscriptions + expiry heap together
	services    map[string]map[string]instanceSet
	expiry      *expiryHeap
	subs        map[subKey]map[*watcher]struct{}
	broker      *events.Broker
	unhealthyAfter time.Duration
	removeAfter    time.Duration

	handoverUntil time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type subKey struct {
	namespaceID string
	serviceID   string
}

type watcher struct {
	ch chan struct{}
}

// New builds an empty Registry. Call Start to begin the expiry sweeper.
func New(broker *events.Broker) *Registry {
	return &Registry{
		services:       make(map[string]map[string]instanceSet),
		expiry:         newExpiryHeap(),
		subs:           make(map[subKey]map[*watcher]struct{}),
		broker:         broker,
		unhealthyAfter: DefaultUnhealthyAfter,
		removeAfter:    DefaultRemoveAfter,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the background expiry sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the expiry sweeper and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// NotifyLeaderElected starts the handover grace period (spec §4.4): for
// DefaultHandoverGrace after becoming leader, all instances are held
// HEALTHY regardless of their recorded last_heartbeat, so a failover does
// not mass-expire a registry the new leader hasn't re-seeded yet.
func (r *Registry) NotifyLeaderElected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handoverUntil = time.Now().Add(DefaultHandoverGrace)
	now := time.Now()
	for ns, svcs := range r.services {
		for svc, instances := range svcs {
			for key, inst := range instances {
				inst.LastHeartbeat = now
				heap.Push(r.expiry, &expiryItem{namespaceID: ns, serviceID: svc, key: key, lastHeartbeat: now})
			}
		}
	}
}

func (r *Registry) serviceSet(namespaceID, serviceID string) instanceSet {
	byService, ok := r.services[namespaceID]
	if !ok {
		byService = make(map[string]instanceSet)
		r.services[namespaceID] = byService
	}
	set, ok := byService[serviceID]
	if !ok {
		set = make(instanceSet)
		byService[serviceID] = set
	}
	return set
}

// Register inserts or overwrites an instance, setting it HEALTHY with
// last_heartbeat = now.
func (r *Registry) Register(namespaceID, serviceID string, inst *types.ServiceInstance) {
	r.mu.Lock()
	now := time.Now()
	inst.NamespaceID = namespaceID
	inst.ServiceID = serviceID
	inst.LastHeartbeat = now
	inst.RegisteredAt = now
	inst.Status = types.InstanceHealthy
	if inst.Weight == 0 {
		inst.Weight = 1.0
	}
	set := r.serviceSet(namespaceID, serviceID)
	set[inst.Key()] = inst
	heap.Push(r.expiry, &expiryItem{namespaceID: namespaceID, serviceID: serviceID, key: inst.Key(), lastHeartbeat: now})
	r.mu.Unlock()

	r.notify(namespaceID, serviceID)
	r.publish(events.EventInstanceRegistered, namespaceID, serviceID, inst)
}

// Deregister removes an instance.
func (r *Registry) Deregister(namespaceID, serviceID, address string, port int) {
	r.mu.Lock()
	key := types.InstanceKey{Address: address, Port: port}
	var inst *types.ServiceInstance
	if byService, ok := r.services[namespaceID]; ok {
		if set, ok := byService[serviceID]; ok {
			inst = set[key]
			delete(set, key)
		}
	}
	r.mu.Unlock()

	if inst != nil {
		r.notify(namespaceID, serviceID)
		r.publish(events.EventInstanceDeregistered, namespaceID, serviceID, inst)
	}
}

// Heartbeat refreshes last_heartbeat for an instance. If the instance was
// UNHEALTHY or REMOVED it transitions back to HEALTHY and a notification
// fires immediately; otherwise the caller may batch calls up to 1s apart
// to cut replication cost (batching itself is the caller's concern — this
// method is cheap and idempotent).
func (r *Registry) Heartbeat(namespaceID, serviceID, address string, port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byService, ok := r.services[namespaceID]
	if !ok {
		return false
	}
	set, ok := byService[serviceID]
	if !ok {
		return false
	}
	inst, ok := set[types.InstanceKey{Address: address, Port: port}]
	if !ok {
		return false
	}

	statusChanged := inst.Status != types.InstanceHealthy
	inst.LastHeartbeat = time.Now()
	inst.Status = types.InstanceHealthy
	heap.Push(r.expiry, &expiryItem{namespaceID: namespaceID, serviceID: serviceID, key: inst.Key(), lastHeartbeat: inst.LastHeartbeat})

	if statusChanged {
		go func() {
			r.notify(namespaceID, serviceID)
			r.publish(events.EventInstanceStatusChanged, namespaceID, serviceID, inst)
		}()
	}
	return true
}

// Query returns a snapshot list of instances for (namespaceID, serviceID),
// optionally filtered to HEALTHY-only.
func (r *Registry) Query(namespaceID, serviceID string, filterHealthy bool) []*types.ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.ServiceInstance
	byService, ok := r.services[namespaceID]
	if !ok {
		return out
	}
	set, ok := byService[serviceID]
	if !ok {
		return out
	}
	for _, inst := range set {
		if filterHealthy && inst.Status != types.InstanceHealthy {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Subscribe registers a long-poll watcher on (namespaceID, serviceID). The
// returned channel is closed the next time the instance set changes; the
// caller must call the returned cancel func afterward (successful fire or
// timeout) to release it.
func (r *Registry) Subscribe(namespaceID, serviceID string) (<-chan struct{}, func()) {
	w := &watcher{ch: make(chan struct{})}
	key := subKey{namespaceID: namespaceID, serviceID: serviceID}

	r.mu.Lock()
	set, ok := r.subs[key]
	if !ok {
		set = make(map[*watcher]struct{})
		r.subs[key] = set
	}
	set[w] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.subs[key]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(r.subs, key)
			}
		}
	}
	return w.ch, cancel
}

func (r *Registry) notify(namespaceID, serviceID string) {
	r.mu.Lock()
	key := subKey{namespaceID: namespaceID, serviceID: serviceID}
	set := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()

	for w := range set {
		close(w.ch)
	}
}

func (r *Registry) publish(t events.EventType, namespaceID, serviceID string, inst *types.ServiceInstance) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type: t,
		Metadata: map[string]string{
			"namespace_id": namespaceID,
			"service_id":   serviceID,
			"address":      inst.Address,
		},
	})
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	now := time.Now()
	inGrace := now.Before(r.handoverUntil)
	var toRemove []expiryItem
	var changed []*types.ServiceInstance
	var requeue []*expiryItem

	for r.expiry.Len() > 0 {
		item := r.expiry.Peek()
		inst := r.lookup(item.namespaceID, item.serviceID, item.key)
		if inst == nil || inst.LastHeartbeat.After(item.lastHeartbeat) {
			// stale heap entry (instance removed or heartbeat updated since push)
			heap.Pop(r.expiry)
			continue
		}
		age := now.Sub(inst.LastHeartbeat)
		if inGrace {
			break
		}
		if age >= r.removeAfter {
			heap.Pop(r.expiry)
			toRemove = append(toRemove, *item)
			continue
		}
		if age >= r.unhealthyAfter {
			// set aside so the instances behind it are inspected too; it
			// goes back on the heap below for its later removal check
			heap.Pop(r.expiry)
			requeue = append(requeue, item)
			if inst.Status == types.InstanceHealthy {
				inst.Status = types.InstanceUnhealthy
				changed = append(changed, inst)
			}
			continue
		}
		break
	}
	for _, item := range requeue {
		heap.Push(r.expiry, item)
	}

	for _, item := range toRemove {
		if byService, ok := r.services[item.namespaceID]; ok {
			if set, ok := byService[item.serviceID]; ok {
				delete(set, item.key)
			}
		}
	}
	r.mu.Unlock()

	for _, item := range toRemove {
		r.notify(item.namespaceID, item.serviceID)
	}
	for _, inst := range changed {
		r.notify(inst.NamespaceID, inst.ServiceID)
		r.publish(events.EventInstanceStatusChanged, inst.NamespaceID, inst.ServiceID, inst)
	}
}

func (r *Registry) lookup(namespaceID, serviceID string, key types.InstanceKey) *types.ServiceInstance {
	byService, ok := r.services[namespaceID]
	if !ok {
		return nil
	}
	set, ok := byService[serviceID]
	if !ok {
		return nil
	}
	return set[key]
}

// CountByNamespaceAndStatus returns the number of instances per
// (namespace, status), used by the metrics collector to populate
// conreg_instances_total.
func (r *Registry) CountByNamespaceAndStatus() map[string]map[types.InstanceStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[types.InstanceStatus]int)
	for ns, byService := range r.services {
		counts := make(map[types.InstanceStatus]int)
		for _, set := range byService {
			for _, inst := range set {
				counts[inst.Status]++
			}
		}
		out[ns] = counts
	}
	return out
}

// Digest is the anti-entropy summary of one node's registry (spec §4.4).
// The leader fetches each follower's Digest every DefaultAntiEntropyInterval
// and diffs it with ReconcileDigest; followers never receive the leader's
// Digest.
type Digest struct {
	Entries map[string]DigestEntry `json:"entries"` // key = namespace\x00service\x00address:port
}

// DigestEntry summarizes one instance for comparison without shipping its
// full metadata.
type DigestEntry struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        types.InstanceStatus `json:"status"`
	MetadataMD5   string    `json:"metadata_md5"`
}

func digestEntriesEqual(a, b DigestEntry) bool {
	return a.Status == b.Status && a.MetadataMD5 == b.MetadataMD5 && a.LastHeartbeat.Equal(b.LastHeartbeat)
}

func digestKey(namespaceID, serviceID string, key types.InstanceKey) string {
	return namespaceID + "\x00" + serviceID + "\x00" + key.Address + "\x00" + strconv.Itoa(key.Port)
}

// BuildDigest snapshots the entire registry into a Digest, which a follower
// returns to the leader on request.
func (r *Registry) BuildDigest() Digest {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make(map[string]DigestEntry)
	for ns, byService := range r.services {
		for svc, set := range byService {
			for key, inst := range set {
				sum := md5.Sum(metadataBytes(inst.Metadata))
				entries[digestKey(ns, svc, key)] = DigestEntry{
					LastHeartbeat: inst.LastHeartbeat,
					Status:        inst.Status,
					MetadataMD5:   hex.EncodeToString(sum[:]),
				}
			}
		}
	}
	return Digest{Entries: entries}
}

func metadataBytes(m map[string]string) []byte {
	data, _ := json.Marshal(m)
	return data
}

// Get returns a copy of the instance at (namespaceID, serviceID, key), or
// false if no such instance is registered on this node.
func (r *Registry) Get(namespaceID, serviceID string, key types.InstanceKey) (*types.ServiceInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.lookup(namespaceID, serviceID, key)
	if inst == nil {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// HasInstances reports whether any service in the namespace still has a
// live instance registered on this node. The coordinator calls this against
// the leader's own registry as an admission check before proposing
// DeleteNamespace (spec §3's "no configs and no services reference it"
// invariant) — it is deliberately not checked inside fsm.applyDeleteNamespace
// because registry membership is not Raft-replicated and would make Apply
// non-deterministic across replicas.
func (r *Registry) HasInstances(namespaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.services[namespaceID] {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// DeltaEntry is one instance a digest reconciliation found missing or stale
// on the other side, carried over the same wire shape peer.go's
// handlePeerRegistryDelta already decodes.
type DeltaEntry struct {
	NamespaceID string
	ServiceID   string
	Instance    types.ServiceInstance
	Removed     bool
}

// ReconcileDigest compares a remote digest against this registry's own
// state (spec §4.4 anti-entropy) and returns the entries the remote side
// needs applied to converge: instances this side has that are missing or
// out of date on the remote side, plus deregistrations for keys the remote
// side still has that this side has since dropped.
func (r *Registry) ReconcileDigest(remote Digest) []DeltaEntry {
	local := r.BuildDigest()
	var out []DeltaEntry

	for key, entry := range local.Entries {
		if remoteEntry, ok := remote.Entries[key]; ok && digestEntriesEqual(remoteEntry, entry) {
			continue
		}
		ns, svc, ik, err := parseDigestKey(key)
		if err != nil {
			continue
		}
		inst, found := r.Get(ns, svc, ik)
		if !found {
			continue
		}
		out = append(out, DeltaEntry{NamespaceID: ns, ServiceID: svc, Instance: *inst})
	}

	for key := range remote.Entries {
		if _, ok := local.Entries[key]; ok {
			continue
		}
		ns, svc, ik, err := parseDigestKey(key)
		if err != nil {
			continue
		}
		out = append(out, DeltaEntry{
			NamespaceID: ns,
			ServiceID:   svc,
			Instance:    types.ServiceInstance{NamespaceID: ns, ServiceID: svc, Address: ik.Address, Port: ik.Port},
			Removed:     true,
		})
	}
	return out
}

// parseDigestKey reverses digestKey's "ns\x00service\x00address\x00port"
// encoding.
func parseDigestKey(key string) (namespaceID, serviceID string, ik types.InstanceKey, err error) {
	parts := strings.Split(key, "\x00")
	if len(parts) != 4 {
		return "", "", types.InstanceKey{}, fmt.Errorf("malformed digest key %q", key)
	}
	port, convErr := strconv.Atoi(parts[3])
	if convErr != nil {
		return "", "", types.InstanceKey{}, fmt.Errorf("malformed digest key %q: %w", key, convErr)
	}
	return parts[0], parts[1], types.InstanceKey{Address: parts[2], Port: port}, nil
}
