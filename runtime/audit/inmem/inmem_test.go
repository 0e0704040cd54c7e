package inmem_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cadpilot.dev/cadpilot/runtime/audit"
	"cadpilot.dev/cadpilot/runtime/audit/inmem"
)

func TestLogEventAssignsMonotonicOffsets(t *testing.T) {
	s := inmem.New(nil)
	id0 := s.LogEvent(context.Background(), "run-1", "plan_generated", map[string]int{"nodes": 3})
	id1 := s.LogEvent(context.Background(), "run-1", "agent_call_completed", map[string]string{"agent": "generator"})
	require.Equal(t, "0", id0)
	require.Equal(t, "1", id1)
}

func TestSubscribeReceivesFutureEvents(t *testing.T) {
	s := inmem.New(nil)
	var mu sync.Mutex
	var received []string
	unsubscribe := s.Subscribe("run-1", func(e audit.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.Type)
	})

	s.LogEvent(context.Background(), "run-1", "plan_generated", nil)
	s.LogEvent(context.Background(), "run-2", "plan_generated", nil) // different run, should not fan out here
	unsubscribe()
	s.LogEvent(context.Background(), "run-1", "after_unsubscribe", nil)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"plan_generated"}, received)
}

func TestStreamEventsRepliesBacklogThenTails(t *testing.T) {
	s := inmem.New(nil)
	s.LogEvent(context.Background(), "run-1", "run_created", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})

	stream, err := s.StreamEvents(ctx, "run-1", done)
	require.NoError(t, err)

	first := <-stream
	require.Equal(t, "run_created", first.Type)

	s.LogEvent(context.Background(), "run-1", "transitioned", nil)
	second := <-stream
	require.Equal(t, "transitioned", second.Type)

	close(done)
}

func TestStreamEventsStopsWhenDoneCloses(t *testing.T) {
	s := inmem.New(nil)
	ctx := context.Background()
	done := make(chan struct{})

	stream, err := s.StreamEvents(ctx, "run-1", done)
	require.NoError(t, err)
	close(done)

	_, ok := <-stream
	require.False(t, ok)
}
