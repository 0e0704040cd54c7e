package pulsestore

import (
	"sync"

	"cadpilot.dev/cadpilot/runtime/audit"
)

type subscription struct {
	id       int64
	callback func(audit.Event)
}

type subscriberRegistry struct {
	mu     sync.Mutex
	nextID int64
	byRun  map[string][]*subscription
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{byRun: make(map[string][]*subscription)}
}

func (r *subscriberRegistry) add(runID string, callback func(audit.Event)) func() {
	r.mu.Lock()
	r.nextID++
	sub := &subscription{id: r.nextID, callback: callback}
	r.byRun[runID] = append(r.byRun[runID], sub)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.byRun[runID]
		for i, existing := range subs {
			if existing.id == sub.id {
				r.byRun[runID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (r *subscriberRegistry) publish(runID string, event audit.Event) {
	r.mu.Lock()
	subs := append([]*subscription(nil), r.byRun[runID]...)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.callback(event)
	}
}
