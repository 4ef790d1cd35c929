package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_WildcardSubscriberReceivesEverything(t *testing.T) {
	b := New()
	var received []EventType
	var mu sync.Mutex

	b.Subscribe(ObserverFunc(func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.Type)
		return nil
	}))

	b.Publish(NewEvent(TaskStarted, "", nil))
	b.Publish(NewEvent(TaskCompleted, "", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{TaskStarted, TaskCompleted}, received)
}

func TestPublish_TypedSubscriberFiltersOtherTypes(t *testing.T) {
	b := New()
	var gotCompleted int32

	b.Subscribe(ObserverFunc(func(e Event) error {
		atomic.AddInt32(&gotCompleted, 1)
		return nil
	}), TaskCompleted)

	b.Publish(NewEvent(TaskStarted, "", nil))
	b.Publish(NewEvent(TaskCompleted, "", nil))

	assert.Equal(t, int32(1), atomic.LoadInt32(&gotCompleted))
}

func TestPublish_PerObserverFIFOOrdering(t *testing.T) {
	b := New()
	var order []int
	var mu sync.Mutex

	b.Subscribe(ObserverFunc(func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, e.Data["seq"].(int))
		return nil
	}))

	for i := 0; i < 20; i++ {
		b.Publish(NewEvent(TaskStarted, "", map[string]interface{}{"seq": i}))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestPublish_ObserverPanicIsIsolated(t *testing.T) {
	b := New()
	var sawSecond bool

	b.Subscribe(ObserverFunc(func(e Event) error {
		panic("boom")
	}))
	b.Subscribe(ObserverFunc(func(e Event) error {
		sawSecond = true
		return nil
	}))

	assert.NotPanics(t, func() {
		b.Publish(NewEvent(TaskStarted, "", nil))
	})
	assert.True(t, sawSecond)
}

func TestPublish_ObserverErrorIsIsolated(t *testing.T) {
	b := New()
	var calls int32

	b.Subscribe(ObserverFunc(func(e Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("handler failed")
	}))

	assert.NotPanics(t, func() {
		b.Publish(NewEvent(TaskFailed, "", nil))
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPublish_ReturnsOnlyAfterAllObserversComplete(t *testing.T) {
	b := New()
	const delay = 30 * time.Millisecond
	done := make(chan struct{}, 1)

	b.Subscribe(ObserverFunc(func(e Event) error {
		time.Sleep(delay)
		done <- struct{}{}
		return nil
	}))

	start := time.Now()
	b.Publish(NewEvent(TaskStarted, "", nil))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, delay)
	select {
	case <-done:
	default:
		t.Fatal("expected observer to have completed before Publish returned")
	}
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	b := New()
	var calls int32
	observer := ObserverFunc(func(e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	id := b.Subscribe(observer)
	b.Publish(NewEvent(TaskStarted, "", nil))
	b.Unsubscribe(id)
	b.Publish(NewEvent(TaskStarted, "", nil))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
