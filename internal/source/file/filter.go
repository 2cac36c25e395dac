package file

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// Filter runs a classic BPF program over frames in userspace.
type Filter struct {
	vm *bpf.VM
}

// CompileFilter compiles a tcpdump expression for frames of linkType.
func CompileFilter(expr string, linkType layers.LinkType, snapLen int) (*Filter, error) {
	compiled, err := pcap.CompileBPFFilter(linkType, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter: %w", err)
	}
	raw := make([]bpf.RawInstruction, len(compiled))
	for i, ins := range compiled {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return NewFilter(raw)
}

// NewFilter loads an already assembled program, as printed by tcpdump -ddd.
func NewFilter(raw []bpf.RawInstruction) (*Filter, error) {
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("BPF program contains unknown instructions")
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF program: %w", err)
	}
	return &Filter{vm: vm}, nil
}

// Match reports whether the program accepts frame.
func (f *Filter) Match(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
