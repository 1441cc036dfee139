package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/matst80/framerelay/internal/obs"
	"github.com/matst80/framerelay/internal/proto"
)

// Mode selects how flow messages are answered.
type Mode string

const (
	ModePassthrough Mode = "passthrough" // no segments, forward original bytes
	ModeEcho        Mode = "echo"        // return the received segments unchanged
	ModeDrop        Mode = "drop"        // one empty segment, swallow the chunk
	ModeError       Mode = "error"       // report an error, proxy fails open
)

func parseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePassthrough, ModeEcho, ModeDrop, ModeError:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want passthrough, echo, drop or error)", s)
}

// server is a minimal decision service for exercising framerelay locally.
type server struct {
	mode     Mode
	upgrader websocket.Upgrader

	flows    atomic.Int64
	messages atomic.Int64
}

func newServer(mode Mode) *server {
	return &server{
		mode: mode,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Warn("echorelay.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		return
	}
	defer conn.Close()
	obs.Info("echorelay.connected", obs.Fields{"remote": r.RemoteAddr})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			obs.Info("echorelay.disconnected", obs.Fields{"remote": r.RemoteAddr, "err": err.Error()})
			return
		}
		resp, ok := s.handle(data)
		if !ok {
			continue
		}
		if err := conn.WriteJSON(resp); err != nil {
			obs.Warn("echorelay.write", obs.Fields{"err": err.Error()})
			return
		}
	}
}

// handle decodes one inbound message. ok reports whether a reply is due.
func (s *server) handle(data []byte) (proto.Response, bool) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		obs.Warn("echorelay.invalid", obs.Fields{"err": err.Error()})
		return proto.Response{}, false
	}
	switch env.Event {
	case proto.EventFlowStart:
		var fs proto.FlowStart
		if err := json.Unmarshal(data, &fs); err != nil {
			obs.Warn("echorelay.invalid", obs.Fields{"event": env.Event, "err": err.Error()})
			return proto.Response{}, false
		}
		s.flows.Add(1)
		obs.Info("echorelay.flow_start", obs.Fields{"flow": fs.FlowID, "client": netip.AddrPort(fs.ClientAddress).String(), "server": netip.AddrPort(fs.ServerAddress).String()})
	case proto.EventFlowEnd:
		obs.Info("echorelay.flow_end", obs.Fields{"flow": env.FlowID})
	case proto.EventFlowMessage:
		var msg proto.FlowMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			obs.Warn("echorelay.invalid", obs.Fields{"err": err.Error()})
			return proto.Response{}, false
		}
		s.messages.Add(1)
		obs.Debug("echorelay.flow_message", obs.Fields{"id": msg.MessageID, "dir": msg.Direction, "segments": len(msg.Segments)})
		return s.respond(msg), true
	default:
		obs.Debug("echorelay.unknown_event", obs.Fields{"event": env.Event})
	}
	return proto.Response{}, false
}

func (s *server) respond(msg proto.FlowMessage) proto.Response {
	resp := proto.Response{MessageID: msg.MessageID}
	switch s.mode {
	case ModeEcho:
		resp.ModifiedSegments = msg.Segments
	case ModeDrop:
		resp.ModifiedSegments = []string{""}
	case ModeError:
		resp.Error = "rejected by echorelay"
	}
	return resp
}
