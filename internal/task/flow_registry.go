// Package task wires a capture replay into the distribution backbone and
// manages its lifecycle.
package task

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/mediacore/internal/dispatch"
	"firestige.xyz/mediacore/internal/media"
	"firestige.xyz/mediacore/internal/packet"
)

// StreamSpec declares the media endpoints of one call leg pair.
type StreamSpec struct {
	CallID  string
	Caller  packet.Endpoint
	Callee  packet.Endpoint
	Media   dispatch.MediaFlags
	Persist bool
	// Static streams never expire.
	Static bool
}

// stream is one registered link.
type stream struct {
	call    *media.Call
	caller  packet.Endpoint
	media   dispatch.MediaFlags
	persist bool
	static  bool
}

// FlowRegistry maps canonical link keys to the calls they carry media
// for. It is shared across all pipelines of a task and is thread-safe.
// Idle streams expire after the registry TTL.
type FlowRegistry struct {
	streams *cache.Cache // LinkKey.String() -> *stream
	ttl     time.Duration
	assign  func(id string) int

	mu    sync.Mutex
	calls map[string]*media.Call
}

// NewFlowRegistry creates a registry whose dynamic streams expire after
// ttl without traffic. assign pins new calls to a worker.
func NewFlowRegistry(ttl time.Duration, assign func(id string) int) *FlowRegistry {
	r := &FlowRegistry{
		streams: cache.New(ttl, ttl/2),
		ttl:     ttl,
		assign:  assign,
		calls:   make(map[string]*media.Call),
	}
	r.streams.OnEvicted(func(key string, v any) {
		if s, ok := v.(*stream); ok {
			slog.Debug("media stream expired", "link", key, "call", s.call.ID())
		}
	})
	return r
}

// Register records the RTP link of spec and, unless rtcp-mux is set, the
// RTCP link one port above. It returns the call the streams belong to.
func (r *FlowRegistry) Register(spec StreamSpec) *media.Call {
	call := r.call(spec.CallID)

	exp := cache.DefaultExpiration
	if spec.Static {
		exp = cache.NoExpiration
	}

	s := &stream{call: call, caller: spec.Caller, media: spec.Media, persist: spec.Persist, static: spec.Static}
	r.streams.Set(packet.NewLinkKey(spec.Caller, spec.Callee).String(), s, exp)

	if !spec.Media.Has(dispatch.MediaRTCPMux) {
		caller, callee := nextPort(spec.Caller), nextPort(spec.Callee)
		rtcp := *s
		rtcp.caller = caller
		r.streams.Set(packet.NewLinkKey(caller, callee).String(), &rtcp, exp)
	}

	slog.Debug("media stream registered",
		"call", spec.CallID,
		"caller", spec.Caller.String(),
		"callee", spec.Callee.String(),
		"static", spec.Static)
	return call
}

func (r *FlowRegistry) call(id string) *media.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		c = media.NewCall(id, r.assign(id))
		r.calls[id] = c
	}
	return c
}

func nextPort(e packet.Endpoint) packet.Endpoint {
	e.Port++
	return e
}

// Resolve implements pipeline.Resolver. A hit refreshes the idle timer
// once less than half of it remains.
func (r *FlowRegistry) Resolve(d *packet.Descriptor) (dispatch.Job, bool) {
	key := d.LinkKey().String()
	v, exp, ok := r.streams.GetWithExpiration(key)
	if !ok {
		return dispatch.Job{}, false
	}
	s := v.(*stream)
	if !s.static && r.ttl > 0 && time.Until(exp) < r.ttl/2 {
		r.streams.SetDefault(key, s)
	}

	side := dispatch.SideCallee
	if d.Src == s.caller {
		side = dispatch.SideCaller
	}
	return dispatch.Job{
		Entity:  s.call,
		Side:    side,
		Media:   s.media,
		Persist: s.persist,
	}, true
}

// Remove forgets every stream of a call. It returns the number removed.
func (r *FlowRegistry) Remove(callID string) int {
	n := 0
	for key, item := range r.streams.Items() {
		if s, ok := item.Object.(*stream); ok && s.call.ID() == callID {
			r.streams.Delete(key)
			n++
		}
	}
	return n
}

// Count returns the number of registered links, expired ones included
// until the janitor removes them.
func (r *FlowRegistry) Count() int {
	return r.streams.ItemCount()
}

// Calls returns a snapshot of every call seen, ordered by id.
func (r *FlowRegistry) Calls() []media.CallStats {
	r.mu.Lock()
	calls := make([]*media.Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.Unlock()

	out := make([]media.CallStats, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear removes all streams. Calls are kept for their statistics.
func (r *FlowRegistry) Clear() {
	r.streams.Flush()
}
