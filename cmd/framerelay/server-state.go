package main

import (
	"context"
	"sort"
	"sync"

	"github.com/matst80/framerelay/internal/intercept"
)

// memoryFlowStore keeps the registry of this instance only.
type memoryFlowStore struct {
	mu       sync.Mutex
	instance string
	flows    map[string]FlowRecord
	closing  bool
	ready    bool
}

func newMemoryFlowStore(instance string) *memoryFlowStore {
	return &memoryFlowStore{instance: instance, flows: make(map[string]FlowRecord)}
}

var _ FlowStore = (*memoryFlowStore)(nil)

func (s *memoryFlowStore) FlowStarted(f intercept.Flow, interesting bool) {
	s.mu.Lock()
	s.flows[f.ID] = newFlowRecord(f, interesting, s.instance)
	s.mu.Unlock()
}

func (s *memoryFlowStore) FlowEnded(f intercept.Flow) {
	s.mu.Lock()
	delete(s.flows, f.ID)
	s.mu.Unlock()
}

func (s *memoryFlowStore) list(context.Context) ([]FlowRecord, error) {
	s.mu.Lock()
	out := make([]FlowRecord, 0, len(s.flows))
	for _, r := range s.flows {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func sortRecords(rs []FlowRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Started.Equal(rs[j].Started) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Started.Before(rs[j].Started)
	})
}

func (s *memoryFlowStore) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *memoryFlowStore) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *memoryFlowStore) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *memoryFlowStore) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }
func (s *memoryFlowStore) close() error            { return nil }
