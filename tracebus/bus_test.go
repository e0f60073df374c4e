package tracebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/store"
)

func event(nodeRef string, typ model.EventType) *model.TraceEvent {
	return &model.TraceEvent{NodeRef: nodeRef, Type: typ, Level: model.LevelInfo}
}

func TestBusFanOutPreservesOrder(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe("run-1")
	defer bus.Unsubscribe("run-1", sub)

	first := event("entry", model.EventStarted)
	first.ID = 1
	second := event("entry", model.EventCompleted)
	second.ID = 2
	bus.Publish("run-1", first, second)

	got := <-sub.Events()
	assert.Equal(t, int64(1), got.ID)
	got = <-sub.Events()
	assert.Equal(t, int64(2), got.ID)
}

func TestBusEvictsSlowSubscriber(t *testing.T) {
	bus := New(nil)
	bus.buffer = 2
	slow := bus.Subscribe("run-1")
	fast := bus.Subscribe("run-1")

	var events []*model.TraceEvent
	for i := 1; i <= 3; i++ {
		ev := event("n", model.EventProgress)
		ev.ID = int64(i)
		events = append(events, ev)
	}
	// Nobody reads slow, so the third event overflows its buffer
	bus.Publish("run-1", events...)

	deadline := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-slow.Events():
		case <-deadline:
			t.Fatal("timed out draining slow subscriber")
		}
	}
	_, open := <-slow.Events()
	assert.False(t, open)
	assert.True(t, slow.Evicted())

	// The healthy subscriber is unaffected... it still gets all three
	for i := 1; i <= 3; i++ {
		select {
		case ev := <-fast.Events():
			assert.Equal(t, int64(i), ev.ID)
		case <-deadline:
			t.Fatal("timed out reading fast subscriber")
		}
	}
	assert.False(t, fast.Evicted())
	bus.Unsubscribe("run-1", fast)
}

func TestBusCloseRun(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe("run-1")
	bus.CloseRun("run-1")

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.False(t, sub.Evicted())
}

func TestRecorderAssignsIDsThenFansOut(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bus := New(nil)
	rec := NewRecorder(st, bus, nil, nil)

	sub := bus.Subscribe("run-1")
	defer rec.CloseRun("run-1")

	cursor, err := rec.Record(ctx, "run-1",
		event("entry", model.EventStarted),
		event("entry", model.EventCompleted))
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor)

	live := <-sub.Events()
	assert.Equal(t, int64(1), live.ID)
	assert.Equal(t, "run-1", live.RunID)
	live = <-sub.Events()
	assert.Equal(t, int64(2), live.ID)

	// The same events are durable in the store with the same ids
	page, err := st.ListEvents(ctx, "run-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, model.EventStarted, page.Events[0].Type)
	assert.Equal(t, model.EventCompleted, page.Events[1].Type)
}

type livePayload struct {
	channel string
	message []byte
}

type fakeLive struct {
	published []livePayload
}

func (f *fakeLive) PublishEvent(ctx context.Context, channel string, message []byte) error {
	f.published = append(f.published, livePayload{channel: channel, message: message})
	return nil
}

func TestRecorderMirrorsToLiveChannel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	live := &fakeLive{}
	rec := NewRecorder(st, New(nil), live, nil)

	_, err := rec.Record(ctx, "run-1", event("entry", model.EventStarted))
	require.NoError(t, err)

	require.Len(t, live.published, 1)
	assert.Equal(t, LiveChannel("run-1"), live.published[0].channel)
	assert.Contains(t, string(live.published[0].message), "STARTED")
}

func TestTailReplayThenLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	bus := New(nil)
	rec := NewRecorder(st, bus, nil, nil)

	// Two events already persisted before the tail attaches
	_, err := rec.Record(ctx, "run-1",
		event("entry", model.EventStarted),
		event("entry", model.EventCompleted))
	require.NoError(t, err)

	var got []int64
	done := make(chan error, 1)
	go func() {
		done <- Tail(ctx, st, bus, "run-1", 0, func(ev *model.TraceEvent) error {
			got = append(got, ev.ID)
			if len(got) == 4 {
				cancel()
			}
			return nil
		})
	}()

	// Give the tail time to finish its replay scan, then publish live
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs["run-1"]) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = rec.Record(ctx, "run-1",
		event("scan", model.EventStarted),
		event("scan", model.EventCompleted))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not finish")
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, got)
}

func TestTailReplaysFromCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	bus := New(nil)

	// Events 1..3 persisted before the tail attaches; the caller has already
	// seen up to id 2
	batch := []*model.TraceEvent{
		event("a", model.EventStarted),
		event("a", model.EventCompleted),
		event("b", model.EventStarted),
	}
	_, err := st.AppendEvents(ctx, "run-1", batch)
	require.NoError(t, err)

	var got []int64
	done := make(chan error, 1)
	go func() {
		done <- Tail(ctx, st, bus, "run-1", 2, func(ev *model.TraceEvent) error {
			got = append(got, ev.ID)
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not finish")
	}
	// Replay from cursor 2 delivers exactly event 3, no duplicate of 1..2
	assert.Equal(t, []int64{3}, got)
}
