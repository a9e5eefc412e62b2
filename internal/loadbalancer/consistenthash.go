package loadbalancer

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/registry"
)

const (
	defaultReplicas = 160
	ringCacheSize   = 256

	// maxRingWeight bounds the virtual nodes per instance at
	// replicas*maxRingWeight. Larger weights are scaled down proportionally.
	maxRingWeight = 16
)

// ConsistentHash maps a caller (user id, or client IP for anonymous calls)
// onto a weighted hash ring so the same caller keeps reaching the same
// instance while the candidate set is unchanged.
type ConsistentHash struct {
	replicas int
	rings    *lru.Cache[string, []ringEntry]
}

type ringEntry struct {
	hash uint64
	inst *registry.Instance
}

// NewConsistentHash creates a ring picker with replicas virtual nodes per
// unit of weight.
func NewConsistentHash(replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	rings, _ := lru.New[string, []ringEntry](ringCacheSize)
	return &ConsistentHash{replicas: replicas, rings: rings}
}

// Pick implements Picker. Callers without a key get the first ring entry.
func (ch *ConsistentHash) Pick(serviceID string, candidates []*registry.Instance, gc gray.Context) *registry.Instance {
	if len(candidates) == 0 {
		return nil
	}
	ring := ch.ring(serviceID, candidates)

	key := gc.UserID
	if key == "" {
		key = gc.ClientIP
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx >= len(ring) {
		idx = 0
	}
	return ring[idx].inst
}

// ring returns the cached ring for this exact candidate set, building it on
// first use.
func (ch *ConsistentHash) ring(serviceID string, candidates []*registry.Instance) []ringEntry {
	var fp strings.Builder
	fp.WriteString(serviceID)
	for _, inst := range candidates {
		fp.WriteByte('|')
		fp.WriteString(inst.ID)
		fp.WriteByte('@')
		fp.WriteString(inst.Metadata[registry.MetaWeight])
	}
	fingerprint := fp.String()
	if ring, ok := ch.rings.Get(fingerprint); ok {
		return ring
	}

	weights := make([]int, len(candidates))
	total, heaviest := 0, 0
	for i, inst := range candidates {
		weights[i] = weightOf(inst)
		total += weights[i]
		heaviest = max(heaviest, weights[i])
	}
	if heaviest > maxRingWeight {
		for i, w := range weights {
			if w > 0 {
				weights[i] = max(1, w*maxRingWeight/heaviest)
			}
		}
	}

	var ring []ringEntry
	var buf [8]byte
	for i, inst := range candidates {
		w := weights[i]
		if total == 0 {
			w = 1
		}
		for v := 0; v < ch.replicas*w; v++ {
			d := xxhash.New()
			d.WriteString(inst.ID)
			binary.LittleEndian.PutUint64(buf[:], uint64(v))
			d.Write(buf[:])
			ring = append(ring, ringEntry{hash: d.Sum64(), inst: inst})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	ch.rings.Add(fingerprint, ring)
	return ring
}
