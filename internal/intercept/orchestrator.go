// Package intercept turns host flow events into relay requests and applies the verdicts
// back onto the byte stream.
package intercept

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matst80/framerelay/internal/frame"
	"github.com/matst80/framerelay/internal/obs"
	"github.com/matst80/framerelay/internal/proto"
	"github.com/matst80/framerelay/internal/relay"
)

// Relay is the control channel used by the Orchestrator. *relay.Client implements it.
type Relay interface {
	Trigger()
	Connected() bool
	Notify(v any)
	Request(ctx context.Context, msg proto.FlowMessage) (proto.Response, error)
	CancelFlow(flowID string) int
	Shutdown(ctx context.Context) error
}

// FlowObserver is told about flow lifecycle changes.
type FlowObserver interface {
	FlowStarted(f Flow, interesting bool)
	FlowEnded(f Flow)
}

type Options struct {
	Filter   Filter
	Observer FlowObserver
	// MaxPayload caps a frame's length field; larger values are treated as lost framing
	// and the stream is forwarded untouched until the next chunk. Defaults to
	// frame.DefaultMaxPayload.
	MaxPayload uint64
	// Now defaults to time.Now.
	Now func() time.Time
}

type flowState struct {
	Flow
	interesting bool
	seq         uint64
}

// Orchestrator is safe for concurrent use across flows. Calls for one flow must be
// delivered in order and not overlap.
type Orchestrator struct {
	relay    Relay
	filter   Filter
	observer FlowObserver
	now      func() time.Time
	buffers  *frame.Table

	mu    sync.Mutex
	flows map[string]*flowState
}

func New(r Relay, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxPayload == 0 {
		opts.MaxPayload = frame.DefaultMaxPayload
	}
	return &Orchestrator{
		relay:    r,
		filter:   opts.Filter,
		observer: opts.Observer,
		now:      opts.Now,
		buffers:  frame.NewTableLimit(opts.MaxPayload),
		flows:    make(map[string]*flowState),
	}
}

func (o *Orchestrator) Filter() Filter { return o.filter }

// bufferKey separates the two directions of a flow; each is its own byte stream.
func bufferKey(flowID string, dir Direction) string {
	return flowID + "/" + dir.String()
}

// OnFlowStart registers the flow and starts connecting the relay.
func (o *Orchestrator) OnFlowStart(ctx context.Context, f Flow) {
	if f.Created.IsZero() {
		f.Created = o.now()
	}
	st := &flowState{Flow: f, interesting: o.filter.Interested(f)}
	o.mu.Lock()
	if _, exists := o.flows[f.ID]; exists {
		o.mu.Unlock()
		obs.Warn("flow.start.duplicate", obs.Fields{"flow": f.ID})
		return
	}
	o.flows[f.ID] = st
	o.mu.Unlock()
	o.start(st)
}

func (o *Orchestrator) start(st *flowState) {
	obs.ActiveFlows.Inc()
	if st.interesting {
		obs.InterestingFlows.Inc()
		o.buffers.Open(bufferKey(st.ID, ClientToServer))
		o.buffers.Open(bufferKey(st.ID, ServerToClient))
	}
	obs.Info("flow.start", obs.Fields{
		"flow":        st.ID,
		"client":      st.Client.String(),
		"server":      st.Server.String(),
		"interesting": st.interesting,
	})
	if o.observer != nil {
		o.observer.FlowStarted(st.Flow, st.interesting)
	}
	if !st.interesting {
		return
	}
	o.relay.Trigger()
	o.relay.Notify(proto.FlowStart{
		Event:         proto.EventFlowStart,
		FlowID:        st.ID,
		ClientAddress: proto.Endpoint(st.Client),
		ServerAddress: proto.Endpoint(st.Server),
		Timestamp:     st.Created.UnixMilli(),
	})
}

// lookup returns the flow, starting it with zero endpoints when it was never announced.
func (o *Orchestrator) lookup(flowID string) *flowState {
	o.mu.Lock()
	st, ok := o.flows[flowID]
	if !ok {
		st = &flowState{Flow: Flow{ID: flowID, Created: o.now()}}
		o.flows[flowID] = st
	}
	o.mu.Unlock()
	if !ok {
		obs.Debug("flow.start.implicit", obs.Fields{"flow": flowID})
		o.start(st)
	}
	return st
}

// OnFlowData returns the bytes to forward in place of data. It never fails: every relay
// problem degrades to forwarding the bytes that were received.
func (o *Orchestrator) OnFlowData(ctx context.Context, flowID string, dir Direction, data []byte) []byte {
	st := o.lookup(flowID)
	if !st.interesting || len(data) == 0 {
		return data
	}
	seq := st.seq
	st.seq++
	key := bufferKey(flowID, dir)

	if !o.relay.Connected() {
		o.relay.Trigger()
		obs.RelayRequestsTotal.WithLabelValues(relay.Outcome(relay.ErrNotConnected)).Inc()
		out, err := o.buffers.Forward(key, data)
		o.trackBuffered()
		if err != nil {
			o.parseFailed(flowID, dir, err)
		}
		return out
	}

	batch, err := o.buffers.Feed(key, data)
	o.trackBuffered()
	if err != nil {
		o.parseFailed(flowID, dir, err)
	}
	if len(batch.Frames) == 0 {
		if len(batch.Passthrough) > 0 {
			return batch.Passthrough
		}
		obs.Debug("flow.data.buffered", obs.Fields{"flow": flowID, "dir": dir.String(), "bytes": len(data), "buffered": o.buffers.Buffered(key)})
		return []byte{}
	}
	verdict := o.decide(ctx, flowID, seq, dir, batch.Frames)
	if len(batch.Passthrough) == 0 {
		return verdict
	}
	out := make([]byte, 0, len(batch.Passthrough)+len(verdict))
	out = append(out, batch.Passthrough...)
	return append(out, verdict...)
}

func (o *Orchestrator) parseFailed(flowID string, dir Direction, err error) {
	obs.ErrorsTotal.WithLabelValues("frame_parse").Inc()
	obs.Warn("frame.parse", obs.Fields{"flow": flowID, "dir": dir.String(), "err": err.Error()})
}

// decide asks the relay about frames and returns the bytes to forward for them.
func (o *Orchestrator) decide(ctx context.Context, flowID string, seq uint64, dir Direction, frames [][]byte) []byte {
	original := frame.Join(frames)
	msg := proto.FlowMessage{
		Event:     proto.EventFlowMessage,
		MessageID: proto.MessageID(flowID, seq),
		FlowID:    flowID,
		Direction: dir.Wire(),
		Segments:  proto.EncodeSegments(frames),
		Timestamp: o.now().UnixMilli(),
	}
	obs.FramesRelayedTotal.Add(float64(len(frames)))
	resp, err := o.relay.Request(ctx, msg)
	outcome := relay.Outcome(err)
	var rerr *relay.ResponseError
	switch {
	case err == nil:
	case errors.As(err, &rerr):
		obs.RelayRequestsTotal.WithLabelValues(outcome).Inc()
		obs.Warn("relay.response.error", obs.Fields{"id": msg.MessageID, "err": rerr.Message})
		return original
	default:
		obs.RelayRequestsTotal.WithLabelValues(outcome).Inc()
		obs.Warn("relay.request.failed", obs.Fields{"id": msg.MessageID, "outcome": outcome, "err": err.Error()})
		return original
	}

	payload, replaced, err := resp.Replacement()
	if err != nil {
		obs.RelayRequestsTotal.WithLabelValues("invalid").Inc()
		obs.ErrorsTotal.WithLabelValues("segment_decode").Inc()
		obs.Warn("relay.response.invalid", obs.Fields{"id": msg.MessageID, "err": err.Error()})
		return original
	}
	if !replaced {
		obs.RelayRequestsTotal.WithLabelValues("passthrough").Inc()
		return original
	}
	obs.RelayRequestsTotal.WithLabelValues("modified").Inc()
	var opcode uint16
	if h, _, err := frame.Parse(frames[0]); err == nil {
		opcode = h.Opcode
	}
	obs.Debug("flow.data.modified", obs.Fields{"id": msg.MessageID, "opcode": opcode, "frames": len(frames), "in": len(original), "out": len(payload)})
	return payload
}

// OnFlowEnd purges the flow's buffers and waiters and tells the relay, without waiting.
func (o *Orchestrator) OnFlowEnd(ctx context.Context, flowID string) {
	o.mu.Lock()
	st, ok := o.flows[flowID]
	delete(o.flows, flowID)
	o.mu.Unlock()

	dropped := o.buffers.Drop(bufferKey(flowID, ClientToServer)) + o.buffers.Drop(bufferKey(flowID, ServerToClient))
	o.trackBuffered()
	cancelled := o.relay.CancelFlow(flowID)
	if !ok {
		return
	}
	obs.ActiveFlows.Dec()
	dur := o.now().Sub(st.Created)
	obs.FlowDurationSeconds.Observe(dur.Seconds())
	obs.Info("flow.end", obs.Fields{
		"flow":      flowID,
		"duration":  dur.String(),
		"messages":  st.seq,
		"dropped":   dropped,
		"cancelled": cancelled,
	})
	if o.observer != nil {
		o.observer.FlowEnded(st.Flow)
	}
	if st.interesting {
		obs.InterestingFlows.Dec()
		o.relay.Notify(proto.FlowEnd{Event: proto.EventFlowEnd, FlowID: flowID})
	}
}

// Shutdown closes the relay connection for good.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.relay.Shutdown(ctx)
}

// Stats is a point-in-time view for the status endpoints.
type Stats struct {
	Active      int `json:"active"`
	Interesting int `json:"interesting"`
	Buffered    int `json:"buffered_bytes"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	s := Stats{Active: len(o.flows)}
	for _, st := range o.flows {
		if st.interesting {
			s.Interesting++
		}
	}
	o.mu.Unlock()
	s.Buffered = o.buffers.TotalBuffered()
	return s
}

// Buffered reports the bytes held for one direction of a flow.
func (o *Orchestrator) Buffered(flowID string, dir Direction) int {
	return o.buffers.Buffered(bufferKey(flowID, dir))
}

// HasBuffer reports whether any buffer entry for the flow exists.
func (o *Orchestrator) HasBuffer(flowID string) bool {
	return o.buffers.Has(bufferKey(flowID, ClientToServer)) || o.buffers.Has(bufferKey(flowID, ServerToClient))
}

func (o *Orchestrator) trackBuffered() {
	obs.BufferedBytes.Set(float64(o.buffers.TotalBuffered()))
}
