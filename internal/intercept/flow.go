package intercept

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/matst80/framerelay/internal/proto"
)

// Flow is one intercepted bidirectional TCP connection.
type Flow struct {
	ID      string
	Client  netip.AddrPort
	Server  netip.AddrPort
	Created time.Time
}

type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

// Wire is the direction string used in flow_message.
func (d Direction) Wire() string {
	if d == ServerToClient {
		return proto.DirServerToClient
	}
	return proto.DirClientToServer
}

func (d Direction) String() string {
	if d == ServerToClient {
		return "s->c"
	}
	return "c->s"
}

// Filter selects the flows whose bytes are relayed. A flow is of interest when its
// client or its server endpoint has address IP and a port in [Low, High].
// The zero Filter matches nothing.
type Filter struct {
	IP   netip.Addr
	Low  uint16
	High uint16
}

// ParseFilter builds a Filter from an address literal and an inclusive port range.
func ParseFilter(ip string, low, high uint16) (Filter, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Filter{}, fmt.Errorf("filter ip: %w", err)
	}
	if low > high {
		return Filter{}, fmt.Errorf("filter ports: low %d above high %d", low, high)
	}
	return Filter{IP: addr.Unmap(), Low: low, High: high}, nil
}

func (f Filter) Match(ap netip.AddrPort) bool {
	if !f.IP.IsValid() || !ap.IsValid() {
		return false
	}
	if ap.Addr().Unmap() != f.IP.Unmap() {
		return false
	}
	p := ap.Port()
	return p >= f.Low && p <= f.High
}

func (f Filter) Interested(fl Flow) bool {
	return f.Match(fl.Client) || f.Match(fl.Server)
}

func (f Filter) String() string {
	if !f.IP.IsValid() {
		return "none"
	}
	return fmt.Sprintf("%s:%d-%d", f.IP, f.Low, f.High)
}
