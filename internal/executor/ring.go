/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package executor

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultReplicas is the number of virtual nodes per instance.
const DefaultReplicas = 150

// consistentHashRing assigns tiles to instances.
type consistentHashRing struct {
	mu       sync.RWMutex
	nodes    []uint32          // sorted hash values
	nodeMap  map[uint32]string // hash -> instance ID
	replicas int
}

func newConsistentHashRing(replicas int) *consistentHashRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &consistentHashRing{
		nodeMap:  make(map[uint32]string),
		replicas: replicas,
	}
}

func vnodeKey(instanceID string, i int) string {
	return fmt.Sprintf("%s:%d:vnode", instanceID, i)
}

func (r *consistentHashRing) addNode(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.replicas; i++ {
		hash := hashKey(vnodeKey(instanceID, i))
		if _, taken := r.nodeMap[hash]; !taken {
			r.nodes = append(r.nodes, hash)
		}
		r.nodeMap[hash] = instanceID
	}
	sort.Slice(r.nodes, func(i, j int) bool { return r.nodes[i] < r.nodes[j] })
}

func (r *consistentHashRing) removeNode(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.nodes[:0]
	for _, hash := range r.nodes {
		if r.nodeMap[hash] == instanceID {
			delete(r.nodeMap, hash)
			continue
		}
		kept = append(kept, hash)
	}
	r.nodes = kept
}

// getNode returns the instance responsible for key.
func (r *consistentHashRing) getNode(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return "", false
	}

	hash := hashKey(key)
	idx := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i] >= hash })
	if idx == len(r.nodes) {
		idx = 0
	}
	return r.nodeMap[r.nodes[idx]], true
}

// hashKey computes the FNV-1a hash of a string.
func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
