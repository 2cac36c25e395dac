package packet

import (
	"cmp"
	"net/netip"
)

// Endpoint is one side of a flow.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// EndpointFrom converts an AddrPort.
func EndpointFrom(ap netip.AddrPort) Endpoint {
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

// Compare orders endpoints by address, then port.
func (e Endpoint) Compare(o Endpoint) int {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c
	}
	return cmp.Compare(e.Port, o.Port)
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// LinkKey identifies an unordered endpoint pair. Hi is always the larger
// endpoint, so both directions of a flow share one key.
type LinkKey struct {
	Hi Endpoint
	Lo Endpoint
}

// NewLinkKey builds the canonical key of a and b.
func NewLinkKey(a, b Endpoint) LinkKey {
	if a.Compare(b) >= 0 {
		return LinkKey{Hi: a, Lo: b}
	}
	return LinkKey{Hi: b, Lo: a}
}

func (k LinkKey) String() string {
	return k.Hi.String() + "<>" + k.Lo.String()
}
