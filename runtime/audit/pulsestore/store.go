package pulsestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	"cadpilot.dev/cadpilot/runtime/audit"
	"cadpilot.dev/cadpilot/runtime/telemetry"
)

// Options configures a Store.
type Options struct {
	// Client is the Pulse client used to publish and read events. Required.
	Client Client
	// ConsumerGroup names the Pulse consumer group StreamEvents subscribes
	// under. Defaults to "audit-tail".
	ConsumerGroup string
	Metrics       telemetry.Metrics
}

// Store is a Redis Streams-backed audit.Store. Each run gets its own
// stream, named "audit/<runID>", so StreamEvents can tail it directly
// without scanning unrelated runs.
type Store struct {
	client        Client
	consumerGroup string
	metrics       telemetry.Metrics
	subs          *subscriberRegistry
}

// NewStore constructs a Store. opts.Client is required.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("pulsestore: client is required")
	}
	group := opts.ConsumerGroup
	if group == "" {
		group = "audit-tail"
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Store{client: opts.Client, consumerGroup: group, metrics: metrics, subs: newSubscriberRegistry()}, nil
}

func streamName(runID string) string {
	return fmt.Sprintf("audit/%s", runID)
}

// envelope is the on-wire record written to a Pulse stream entry.
type envelope struct {
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// LogEvent never returns an error: failures are logged via the metrics
// counter and the event is dropped, so a Redis outage never fails a run.
func (s *Store) LogEvent(ctx context.Context, runID, eventType string, payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.metrics.IncCounter("audit_log_errors_total", 1, "store", "pulse", "reason", "marshal")
		return ""
	}
	env := envelope{RunID: runID, Type: eventType, Payload: raw, Timestamp: time.Now().UTC()}
	body, err := json.Marshal(env)
	if err != nil {
		s.metrics.IncCounter("audit_log_errors_total", 1, "store", "pulse", "reason", "marshal")
		return ""
	}

	stream, err := s.client.Stream(streamName(runID))
	if err != nil {
		s.metrics.IncCounter("audit_log_errors_total", 1, "store", "pulse", "reason", "stream_open")
		return ""
	}
	entryID, err := stream.Add(ctx, eventType, body)
	if err != nil {
		s.metrics.IncCounter("audit_log_errors_total", 1, "store", "pulse", "reason", "publish")
		return ""
	}

	s.subs.publish(runID, audit.Event{
		ID:        entryID,
		RunID:     runID,
		Type:      eventType,
		Payload:   raw,
		Offset:    redisEntryOffset(entryID),
		Timestamp: env.Timestamp,
	})
	return entryID
}

// StreamEvents opens a consumer group on the run's stream and forwards
// every entry, translated into audit.Event, until done closes or ctx ends.
func (s *Store) StreamEvents(ctx context.Context, runID string, done <-chan struct{}) (<-chan audit.Event, error) {
	stream, err := s.client.Stream(streamName(runID))
	if err != nil {
		return nil, fmt.Errorf("pulsestore: open stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, s.consumerGroup+"/"+runID, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("pulsestore: open sink: %w", err)
	}

	out := make(chan audit.Event, 16)
	go func() {
		defer close(out)
		defer sink.Close(context.Background())

		for {
			select {
			case raw, ok := <-sink.Subscribe():
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal(raw.Payload, &env); err != nil {
					continue
				}
				event := audit.Event{
					ID:        raw.ID,
					RunID:     runID,
					Type:      env.Type,
					Payload:   env.Payload,
					Offset:    redisEntryOffset(raw.ID),
					Timestamp: env.Timestamp,
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
				_ = sink.Ack(ctx, raw)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return out, nil
}

// Subscribe registers an in-process callback for events logged against
// runID from this point forward. It does not read from Redis; it observes
// only events this process itself publishes via LogEvent, mirroring the
// in-memory store's fan-out for callers that are colocated with the
// orchestrator.
func (s *Store) Subscribe(runID string, callback func(audit.Event)) func() {
	return s.subs.add(runID, callback)
}

// redisEntryOffset extracts the millisecond timestamp component of a Redis
// stream entry ID ("<ms>-<seq>") as a best-effort monotonic offset.
func redisEntryOffset(entryID string) int64 {
	for i := 0; i < len(entryID); i++ {
		if entryID[i] == '-' {
			ms, err := strconv.ParseInt(entryID[:i], 10, 64)
			if err != nil {
				return 0
			}
			return ms
		}
	}
	return 0
}

var _ audit.Store = (*Store)(nil)
