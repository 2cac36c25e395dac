// Package file replays pcap and pcapng captures into pool-backed packet
// descriptors.
package file

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/mediacore/internal/blockpool"
	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/metrics"
	"firestige.xyz/mediacore/internal/packet"
	"firestige.xyz/mediacore/internal/spin"
)

const (
	Name = "file"

	pcapngMagic = 0x0A0D0D0A
)

// Config configures a file source.
type Config struct {
	TaskID string
	Path   string
	Filter string // tcpdump expression, empty = accept all
	// AllocTimeout bounds the wait for a free pool block. Zero waits
	// until the context is done.
	AllocTimeout time.Duration
	Backoff      spin.Backoff
}

// reader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type reader interface {
	ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source fills arena blocks with the frames of a capture file. It is
// owned by a single goroutine.
type Source struct {
	cfg   Config
	arena *blockpool.Arena

	writer *blockpool.Writer

	read     atomic.Uint64
	filtered atomic.Uint64
	oversize atomic.Uint64
}

// New creates a file source writing into arena.
func New(cfg Config, arena *blockpool.Arena) (*Source, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: source file path is required", core.ErrConfigInvalid)
	}
	if cfg.Backoff == (spin.Backoff{}) {
		cfg.Backoff = spin.DefaultBackoff
	}
	return &Source{cfg: cfg, arena: arena}, nil
}

// Name returns the source type.
func (s *Source) Name() string { return Name }

// Run reads the file to the end, sending one locked descriptor per
// accepted frame to out. It returns nil at end of file and
// core.ErrPoolExhausted when no block frees up within AllocTimeout.
// out is not closed.
func (s *Source) Run(ctx context.Context, out chan<- *packet.Descriptor) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %w", s.cfg.Path, err)
	}
	defer f.Close()
	defer s.closeWriter()

	r, err := openReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read capture header %s: %w", s.cfg.Path, err)
	}
	linkType, err := mapLinkType(r.LinkType())
	if err != nil {
		return err
	}

	var filter *Filter
	if s.cfg.Filter != "" {
		if filter, err = CompileFilter(s.cfg.Filter, r.LinkType(), s.arena.BlockSize()); err != nil {
			return err
		}
	}

	slog.Info("replaying capture", "task_id", s.cfg.TaskID, "path", s.cfg.Path, "link_type", r.LinkType().String())

	for {
		data, ci, err := r.ZeroCopyReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			metrics.SourcePacketsTotal.WithLabelValues(s.cfg.TaskID, "error").Inc()
			return fmt.Errorf("failed to read packet: %w", err)
		}
		s.read.Add(1)

		if filter != nil && !filter.Match(data) {
			s.filtered.Add(1)
			metrics.SourcePacketsTotal.WithLabelValues(s.cfg.TaskID, "filtered").Inc()
			continue
		}

		d, err := s.store(ctx, data, ci.Timestamp)
		if err != nil {
			return err
		}
		d.LinkType = linkType

		select {
		case out <- d:
			metrics.SourcePacketsTotal.WithLabelValues(s.cfg.TaskID, "accepted").Inc()
		case <-ctx.Done():
			d.Release()
			return ctx.Err()
		}
	}
}

// store copies frame into the current block, or into a private buffer
// when it is larger than any block.
func (s *Source) store(ctx context.Context, frame []byte, ts time.Time) (*packet.Descriptor, error) {
	if len(frame) > s.arena.BlockSize() {
		s.oversize.Add(1)
		slog.Debug("frame exceeds pool block, copying",
			"task_id", s.cfg.TaskID, "len", len(frame), "block_size", s.arena.BlockSize())
		return packet.FromBytes(frame, ts), nil
	}

	if s.writer == nil || s.writer.Remaining() < len(frame) {
		s.closeWriter()
		w, err := s.alloc(ctx)
		if err != nil {
			return nil, err
		}
		s.writer = w
	}

	ref, ok := s.writer.Append(frame)
	if !ok {
		return nil, fmt.Errorf("source %s: %d bytes: %w", s.cfg.Path, len(frame), core.ErrFrameTooLarge)
	}
	d := packet.FromBlock(s.arena, ref, ts)
	d.Lock(blockpool.ReasonCapture)
	return d, nil
}

// alloc takes a free block, waiting up to AllocTimeout for downstream to
// release one.
func (s *Source) alloc(ctx context.Context) (*blockpool.Writer, error) {
	if s.cfg.AllocTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AllocTimeout)
		defer cancel()
	}

	var w *blockpool.Writer
	stalled, err := s.cfg.Backoff.Wait(ctx, func() bool {
		var allocErr error
		w, allocErr = s.arena.Alloc()
		return allocErr == nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no free block after %s: %w", s.cfg.AllocTimeout, core.ErrPoolExhausted)
		}
		return nil, err
	}
	if stalled {
		slog.Debug("waited for free pool block", "task_id", s.cfg.TaskID)
	}
	return w, nil
}

func (s *Source) closeWriter() {
	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
}

// Stats reports source counters.
type Stats struct {
	Read     uint64 `json:"read"`
	Filtered uint64 `json:"filtered"`
	Oversize uint64 `json:"oversize"`
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() Stats {
	return Stats{
		Read:     s.read.Load(),
		Filtered: s.filtered.Load(),
		Oversize: s.oversize.Load(),
	}
}

// openReader picks the pcap or pcapng reader from the file magic.
func openReader(br *bufio.Reader) (reader, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

func mapLinkType(lt layers.LinkType) (core.LinkType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return core.LinkEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return core.LinkLinuxSLL, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return core.LinkRaw, nil
	default:
		return 0, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, lt)
	}
}
