package pulsestore_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"cadpilot.dev/cadpilot/runtime/audit"
	"cadpilot.dev/cadpilot/runtime/audit/pulsestore"
)

// fakeStream is a minimal in-memory pulsestore.Stream double: Add appends to
// a slice, and the one fakeSink created from it replays that slice.
type fakeStream struct {
	entries []fakeEntry
}

type fakeEntry struct {
	id      string
	event   string
	payload []byte
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	id := "1-" + string(rune('0'+len(s.entries)))
	s.entries = append(s.entries, fakeEntry{id: id, event: event, payload: payload})
	return id, nil
}

func (s *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (pulsestore.Sink, error) {
	ch := make(chan *streaming.Event, len(s.entries)+1)
	for _, e := range s.entries {
		ch <- &streaming.Event{ID: e.id, EventName: e.event, Payload: e.payload}
	}
	return &fakeSink{ch: ch}, nil
}

func (s *fakeStream) Destroy(ctx context.Context) error { return nil }

type fakeSink struct {
	ch chan *streaming.Event
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }
func (s *fakeSink) Ack(context.Context, *streaming.Event) error { return nil }
func (s *fakeSink) Close(context.Context)                       { close(s.ch) }

type fakeClient struct {
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient { return &fakeClient{streams: make(map[string]*fakeStream)} }

func (c *fakeClient) Stream(name string, opts ...streamopts.Stream) (pulsestore.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func TestLogEventPublishesToNamedStream(t *testing.T) {
	client := newFakeClient()
	store, err := pulsestore.NewStore(pulsestore.Options{Client: client})
	require.NoError(t, err)

	id := store.LogEvent(context.Background(), "run-1", "plan_generated", map[string]int{"nodes": 2})
	require.NotEmpty(t, id)

	stream := client.streams["audit/run-1"]
	require.Len(t, stream.entries, 1)
	require.Equal(t, "plan_generated", stream.entries[0].event)
}

func TestLogEventAcceptsNilPayload(t *testing.T) {
	client := newFakeClient()
	store, err := pulsestore.NewStore(pulsestore.Options{Client: client})
	require.NoError(t, err)
	id := store.LogEvent(context.Background(), "run-1", "run_created", nil)
	require.NotEmpty(t, id)
}

func TestSubscribeReceivesLocallyPublishedEvents(t *testing.T) {
	client := newFakeClient()
	store, err := pulsestore.NewStore(pulsestore.Options{Client: client})
	require.NoError(t, err)

	var received []string
	unsubscribe := store.Subscribe("run-1", func(e audit.Event) {
		received = append(received, e.Type)
	})
	defer unsubscribe()

	store.LogEvent(context.Background(), "run-1", "plan_generated", nil)
	require.Equal(t, []string{"plan_generated"}, received)
}

func TestStreamEventsDecodesEnvelope(t *testing.T) {
	client := newFakeClient()
	store, err := pulsestore.NewStore(pulsestore.Options{Client: client})
	require.NoError(t, err)

	store.LogEvent(context.Background(), "run-2", "transitioned", map[string]string{"to": "PLANNING"})

	done := make(chan struct{})
	defer close(done)
	events, err := store.StreamEvents(context.Background(), "run-2", done)
	require.NoError(t, err)

	event := <-events
	require.Equal(t, "transitioned", event.Type)
	require.Equal(t, "run-2", event.RunID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	require.Equal(t, "PLANNING", payload["to"])
}
