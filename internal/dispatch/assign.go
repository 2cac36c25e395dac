package dispatch

import (
	"hash/fnv"
	"strconv"

	"github.com/serialx/hashring"

	"firestige.xyz/mediacore/internal/packet"
)

// Assigner maps entities onto workers with a consistent hash ring, so
// changing the worker count moves as few calls as possible.
type Assigner struct {
	ring  *hashring.HashRing
	index map[string]int
}

// NewAssigner builds the ring for n workers.
func NewAssigner(n int) *Assigner {
	nodes := make([]string, n)
	index := make(map[string]int, n)
	for i := range nodes {
		nodes[i] = "worker-" + strconv.Itoa(i)
		index[nodes[i]] = i
	}
	return &Assigner{ring: hashring.New(nodes), index: index}
}

// Assign returns the worker for entity id.
func (a *Assigner) Assign(id string) int {
	node, ok := a.ring.GetNode(id)
	if !ok {
		return 0
	}
	return a.index[node]
}

// linkWorker spreads jobs without an entity by their link key, so both
// directions of a flow share a worker.
func linkWorker(key packet.LinkKey, n int) int {
	h := fnv.New32a()
	for _, ep := range [2]packet.Endpoint{key.Hi, key.Lo} {
		b := ep.Addr.As16()
		h.Write(b[:])
		h.Write([]byte{byte(ep.Port >> 8), byte(ep.Port)})
	}
	return int(h.Sum32() % uint32(n))
}
