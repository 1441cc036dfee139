// Package tap records the bytes forwarded on intercepted flows as a pcap capture.
// Each chunk becomes a synthesised Ethernet/IP/TCP packet so the file opens in any
// packet analyser with the flow's real endpoints.
package tap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/matst80/framerelay/internal/obs"
)

const (
	snapLen = 65536
	// maxSegment keeps every synthesised packet under the snap length.
	maxSegment = 64000
)

var ErrClosed = errors.New("tap: writer closed")

type Config struct {
	Path         string
	BufferSize   int
	SyncInterval time.Duration
}

func DefaultConfig() Config {
	return Config{BufferSize: 1000, SyncInterval: 5 * time.Second}
}

type record struct {
	src, dst netip.AddrPort
	seq, ack uint32
	payload  []byte
	at       time.Time
}

// Writer is safe for concurrent use. Record never blocks; packets are dropped when the
// queue is full.
type Writer struct {
	out       io.Writer
	closer    io.Closer
	pw        *pcapgo.Writer
	queue     chan record
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	syncEvery time.Duration
	closed    atomic.Bool

	seqMu sync.Mutex
	seqs  map[string]uint32

	written atomic.Uint64
	dropped atomic.Uint64
}

// Open creates cfg.Path and starts the write loop.
func Open(cfg Config) (*Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("tap: file path cannot be empty")
	}
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("tap: create %s: %w", cfg.Path, err)
	}
	w, err := NewWriter(f, cfg)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	obs.Info("tap.open", obs.Fields{"file": cfg.Path, "buffer": cap(w.queue)})
	return w, nil
}

// NewWriter writes the pcap stream to out. out is closed by Close when it is an io.Closer.
func NewWriter(out io.Writer, cfg Config) (*Writer, error) {
	d := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = d.SyncInterval
	}
	pw := pcapgo.NewWriter(out)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("tap: write header: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		out:       out,
		pw:        pw,
		queue:     make(chan record, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		syncEvery: cfg.SyncInterval,
		seqs:      make(map[string]uint32),
	}
	if c, ok := out.(io.Closer); ok {
		w.closer = c
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func seqKey(flowID string, src netip.AddrPort) string {
	return flowID + "|" + src.String()
}

// Record queues payload as sent from src to dst on flowID.
func (w *Writer) Record(flowID string, src, dst netip.AddrPort, payload []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if len(payload) == 0 {
		return nil
	}
	now := time.Now()
	for len(payload) > 0 {
		n := min(len(payload), maxSegment)
		seg := append([]byte(nil), payload[:n]...)
		payload = payload[n:]

		w.seqMu.Lock()
		k := seqKey(flowID, src)
		seq := w.seqs[k]
		w.seqs[k] = seq + uint32(n)
		ack := w.seqs[seqKey(flowID, dst)]
		w.seqMu.Unlock()

		select {
		case w.queue <- record{src: src, dst: dst, seq: seq, ack: ack, payload: seg, at: now}:
		default:
			w.dropped.Add(1)
			obs.ErrorsTotal.WithLabelValues("tap_drop").Inc()
			return fmt.Errorf("tap: write buffer full")
		}
	}
	return nil
}

// Forget discards the sequence state of a finished flow.
func (w *Writer) Forget(flowID string, client, server netip.AddrPort) {
	w.seqMu.Lock()
	delete(w.seqs, seqKey(flowID, client))
	delete(w.seqs, seqKey(flowID, server))
	w.seqMu.Unlock()
}

func (w *Writer) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.syncEvery)
	defer t.Stop()
	for {
		select {
		case r := <-w.queue:
			w.write(r)
		case <-t.C:
			w.syncFile()
		case <-w.ctx.Done():
			for {
				select {
				case r := <-w.queue:
					w.write(r)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(r record) {
	data, err := encode(r)
	if err != nil {
		obs.Warn("tap.encode", obs.Fields{"err": err.Error()})
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: r.at, CaptureLength: len(data), Length: len(data)}
	if err := w.pw.WritePacket(ci, data); err != nil {
		obs.Error("tap.write", obs.Fields{"err": err.Error()})
		return
	}
	w.written.Add(1)
}

func (w *Writer) syncFile() {
	if s, ok := w.out.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func encode(r record) ([]byte, error) {
	src, dst := r.src.Addr().Unmap(), r.dst.Addr().Unmap()
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(r.src.Port()),
		DstPort: layers.TCPPort(r.dst.Port()),
		Seq:     r.seq,
		Ack:     r.ack,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var network gopacket.SerializableLayer
	if src.Is4() && dst.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		s4, d4 := src.As4(), dst.As4()
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IP(s4[:]), DstIP: net.IP(d4[:])}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		s16, d16 := src.As16(), dst.As16()
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP, SrcIP: net.IP(s16[:]), DstIP: net.IP(d16[:])}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		network = ip
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(r.payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stats reports packets written and dropped so far.
func (w *Writer) Stats() (written, dropped uint64) {
	return w.written.Load(), w.dropped.Load()
}

// Close drains queued packets and closes the output.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.cancel()
	w.wg.Wait()
	written, dropped := w.Stats()
	obs.Info("tap.close", obs.Fields{"packets": written, "dropped": dropped})
	w.syncFile()
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
