package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBus_BroadcastsToEverySubscriber(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	e := New(TypeDeviceAdded)
	e.SlaveID = 3
	bus.Publish(e)

	assert.Equal(t, e, <-a)
	assert.Equal(t, e, <-b)
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(New(TypeTransaction))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(9), bus.Dropped())
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)
	bus.Unsubscribe(ch)
	bus.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, bus.Subscribers())
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)
	bus.Close()
	bus.Close()
	bus.Publish(New(TypeTransaction))

	_, ok := <-ch
	assert.False(t, ok)

	late := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestPump_StopsOnContextCancel(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var got []Type
	sink := SinkFunc(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := Pump(ctx, bus, sink, 8)

	require.Equal(t, 1, bus.Subscribers(), "subscribed before Pump returns")
	bus.Publish(New(TypeRegisterChanged))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, bus.Subscribers())
}

func TestPump_DrainsBufferedEventsOnClose(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32
	done := Pump(context.Background(), bus, SinkFunc(func(Event) { count.Add(1) }), 8)

	for range 5 {
		bus.Publish(New(TypeTransaction))
	}
	bus.Close()
	<-done

	assert.Equal(t, int32(5), count.Load())
	assert.Zero(t, bus.Subscribers())
}

func TestLogSink_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))

	tx := New(TypeTransaction)
	tx.SlaveID = 1
	tx.FunctionCode = 3
	sink.Consume(tx)
	sink.Consume(New(TypeFramingError))
	sink.Consume(New(TypeDeviceAdded))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
	assert.EqualValues(t, 1, entries[0].ContextMap()["slave_id"])
}
