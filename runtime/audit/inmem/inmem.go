// Package inmem implements an in-process audit.Store: a mutex-guarded,
// per-run event slice with a monotonic offset counter and callback fan-out.
package inmem

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"cadpilot.dev/cadpilot/runtime/audit"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// Store is an in-memory audit.Store. Safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	nextOffset  map[string]int64
	nextSubID   int64
	events      map[string][]audit.Event
	subscribers map[string][]*subscription
	metrics     telemetry.Metrics
}

type subscription struct {
	id       int64
	callback func(audit.Event)
}

// New constructs an empty Store. metrics may be nil.
func New(metrics telemetry.Metrics) *Store {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Store{
		nextOffset:  make(map[string]int64),
		events:      make(map[string][]audit.Event),
		subscribers: make(map[string][]*subscription),
		metrics:     metrics,
	}
}

// LogEvent appends an event and fans it out to subscribers. It never
// returns an error; a marshal failure is counted and the event is dropped.
func (s *Store) LogEvent(ctx context.Context, runID, eventType string, payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.metrics.IncCounter("audit_log_errors_total", 1, "store", "inmem")
		return ""
	}

	s.mu.Lock()
	offset := s.nextOffset[runID]
	s.nextOffset[runID] = offset + 1
	event := audit.Event{
		ID:      strconv.FormatInt(offset, 10),
		RunID:   runID,
		Type:    eventType,
		Payload: json.RawMessage(raw),
		Offset:  offset,
	}
	s.events[runID] = append(s.events[runID], event)
	subs := append([]*subscription(nil), s.subscribers[runID]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.callback(event)
	}
	return event.ID
}

// StreamEvents emits every stored event for runID, then blocks delivering
// new ones via a temporary subscription until done closes or ctx is done.
func (s *Store) StreamEvents(ctx context.Context, runID string, done <-chan struct{}) (<-chan audit.Event, error) {
	out := make(chan audit.Event, 16)

	s.mu.Lock()
	backlog := append([]audit.Event(nil), s.events[runID]...)
	s.mu.Unlock()

	live := make(chan audit.Event, 16)
	unsubscribe := s.Subscribe(runID, func(e audit.Event) {
		select {
		case live <- e:
		case <-ctx.Done():
		case <-done:
		}
	})

	go func() {
		defer close(out)
		defer unsubscribe()

		for _, e := range backlog {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}

		for {
			select {
			case e := <-live:
				select {
				case out <- e:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return out, nil
}

// Subscribe registers callback for every future event logged against runID.
func (s *Store) Subscribe(runID string, callback func(audit.Event)) func() {
	s.mu.Lock()
	s.nextSubID++
	sub := &subscription{id: s.nextSubID, callback: callback}
	s.subscribers[runID] = append(s.subscribers[runID], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[runID]
		for i, existing := range subs {
			if existing.id == sub.id {
				s.subscribers[runID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

var _ audit.Store = (*Store)(nil)
