package tap

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decoded struct {
	src, dst netip.AddrPort
	seq, ack uint32
	payload  []byte
}

func readCapture(t *testing.T, path string) []decoded {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	var out []decoded
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		require.True(t, ok, "packet without tcp layer")
		var src, dst netip.Addr
		if ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
			src, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
			dst, _ = netip.AddrFromSlice(ip4.DstIP.To4())
		} else if ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
			src, _ = netip.AddrFromSlice(ip6.SrcIP)
			dst, _ = netip.AddrFromSlice(ip6.DstIP)
		}
		out = append(out, decoded{
			src:     netip.AddrPortFrom(src, uint16(tcpLayer.SrcPort)),
			dst:     netip.AddrPortFrom(dst, uint16(tcpLayer.DstPort)),
			seq:     tcpLayer.Seq,
			ack:     tcpLayer.Ack,
			payload: append([]byte(nil), tcpLayer.Payload...),
		})
	}
	return out
}

func TestWriterRecordsBothDirections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.pcap")
	w, err := Open(Config{Path: path})
	require.NoError(t, err)

	client := netip.MustParseAddrPort("192.168.1.20:51000")
	server := netip.MustParseAddrPort("10.0.0.5:25000")
	require.NoError(t, w.Record("f1", client, server, []byte("hello")))
	require.NoError(t, w.Record("f1", server, client, []byte("hi")))
	require.NoError(t, w.Record("f1", client, server, []byte("again")))
	require.NoError(t, w.Close())

	pkts := readCapture(t, path)
	require.Len(t, pkts, 3)
	assert.Equal(t, client, pkts[0].src)
	assert.Equal(t, server, pkts[0].dst)
	assert.Equal(t, []byte("hello"), pkts[0].payload)
	assert.Equal(t, uint32(0), pkts[0].seq)

	assert.Equal(t, server, pkts[1].src)
	assert.Equal(t, uint32(5), pkts[1].ack)

	assert.Equal(t, uint32(5), pkts[2].seq)
	assert.Equal(t, uint32(2), pkts[2].ack)

	written, dropped := w.Stats()
	assert.Equal(t, uint64(3), written)
	assert.Zero(t, dropped)
}

func TestWriterIPv6AndLargePayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v6.pcap")
	w, err := Open(Config{Path: path, BufferSize: 16})
	require.NoError(t, err)

	client := netip.MustParseAddrPort("[2001:db8::1]:40000")
	server := netip.MustParseAddrPort("[2001:db8::2]:25000")
	big := make([]byte, maxSegment+10)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, w.Record("f1", client, server, big))
	require.NoError(t, w.Close())

	pkts := readCapture(t, path)
	require.Len(t, pkts, 2)
	assert.Equal(t, client, pkts[0].src)
	assert.Len(t, pkts[0].payload, maxSegment)
	assert.Equal(t, uint32(maxSegment), pkts[1].seq)
	assert.Equal(t, big, append(pkts[0].payload, pkts[1].payload...))
}

func TestWriterClosed(t *testing.T) {
	w, err := Open(Config{Path: filepath.Join(t.TempDir(), "x.pcap")})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Record("f", netip.MustParseAddrPort("1.1.1.1:1"), netip.MustParseAddrPort("2.2.2.2:2"), []byte("x")), ErrClosed)

	_, err = Open(Config{})
	assert.Error(t, err)
}
