package main

import (
	"context"
	"time"

	"github.com/matst80/framerelay/internal/intercept"
)

// FlowRecord is the registry entry of one open flow.
type FlowRecord struct {
	ID          string    `json:"id"`
	Client      string    `json:"client"`
	Server      string    `json:"server"`
	Interesting bool      `json:"interesting"`
	Instance    string    `json:"instance"`
	Started     time.Time `json:"started"`
}

func newFlowRecord(f intercept.Flow, interesting bool, instance string) FlowRecord {
	return FlowRecord{
		ID:          f.ID,
		Client:      f.Client.String(),
		Server:      f.Server.String(),
		Interesting: interesting,
		Instance:    instance,
		Started:     f.Created,
	}
}

// FlowStore records open flows so several proxy instances can share one view.
type FlowStore interface {
	intercept.FlowObserver
	// list returns open flows ordered by start time.
	list(ctx context.Context) ([]FlowRecord, error)
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	close() error
}
