package main

import (
	"context"
	"time"

	"github.com/matst80/framerelay/internal/intercept"
	"github.com/matst80/framerelay/internal/obs"
	"github.com/matst80/framerelay/internal/relay"
)

// app bundles what the status endpoints read from.
type app struct {
	cfg   *Config
	relay *relay.Client
	orch  *intercept.Orchestrator
	store FlowStore
}

// Stats represents current proxy state for dashboards & API.
type Stats struct {
	Instance       string          `json:"instance"`
	RelayURL       string          `json:"relay_url"`
	RelayState     string          `json:"relay_state"`
	RelayConnected bool            `json:"relay_connected"`
	RelayUptime    string          `json:"relay_uptime,omitempty"`
	Pending        int             `json:"pending"`
	Filter         string          `json:"filter"`
	Flows          intercept.Stats `json:"flows"`
	Registry       []FlowRecord    `json:"registry"`
	Now            string          `json:"now"`
}

func collectStats(ctx context.Context, a *app) Stats {
	st := Stats{
		Instance:   a.cfg.Instance,
		RelayURL:   a.relay.Config().URL,
		RelayState: a.relay.State().String(),
		Pending:    a.relay.Pending().Len(),
		Filter:     a.orch.Filter().String(),
		Flows:      a.orch.Stats(),
		Now:        time.Now().UTC().Format(time.RFC3339),
	}
	if since, ok := a.relay.ConnectedSince(); ok {
		st.RelayConnected = true
		st.RelayUptime = time.Since(since).Truncate(time.Second).String()
	}
	recs, err := a.store.list(ctx)
	if err != nil {
		obs.Error("state.list", obs.Fields{"err": err.Error()})
	}
	st.Registry = recs
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"RelayURL":       s.RelayURL,
		"RelayConnected": s.RelayConnected,
		"RelayState":     s.RelayState,
		"Filter":         s.Filter,
		"Pending":        s.Pending,
		"Stats":          s.Flows,
		"Flows":          s.Registry,
	}
}
