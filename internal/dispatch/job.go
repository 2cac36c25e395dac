// Package dispatch distributes classified packets to a fixed pool of
// worker goroutines. Each worker owns one batch ring; every packet of an
// entity goes to the same worker so per-call order is preserved.
package dispatch

import "firestige.xyz/mediacore/internal/packet"

// Side is the call leg a packet belongs to.
type Side uint8

const (
	SideCaller Side = iota
	SideCallee
)

func (s Side) String() string {
	if s == SideCallee {
		return "callee"
	}
	return "caller"
}

// MediaFlags describes the media stream a packet belongs to.
type MediaFlags uint8

const (
	MediaAudio MediaFlags = 1 << iota
	MediaVideo
	MediaApplication
	MediaRTCPMux
)

// Has reports whether every flag in f is set.
func (m MediaFlags) Has(f MediaFlags) bool { return m&f == f }

// Entity is the resolved call a job belongs to. Entities that also
// implement Worker() int are pinned to that worker.
type Entity interface {
	ID() string
}

type pinned interface {
	Entity
	Worker() int
}

// Job is one unit of work for a worker.
type Job struct {
	Entity  Entity
	Packet  *packet.Descriptor
	Side    Side
	RTCP    bool
	Media   MediaFlags
	Persist bool
}

// Release gives back the job's packet.
func (j Job) Release() {
	if j.Packet != nil {
		j.Packet.Release()
	}
}

// Handler consumes a batch of jobs on worker goroutine worker. It must
// release, or hand off, the packet of every job it receives. The slice is
// reused after Handler returns.
type Handler func(worker int, jobs []Job)
