package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutInSubscriptionOrder(t *testing.T) {
	b := New[int]()
	var got []string
	b.Subscribe(KindMessage, func(v int) { got = append(got, "a") })
	b.Subscribe(KindMessage, func(v int) { got = append(got, "b") })
	b.Subscribe(KindClose, func(v int) { got = append(got, "close") })

	b.Publish(KindMessage, 1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := New[string]()
	calls := 0
	sub := b.Subscribe(KindMessage, func(string) { calls++ })
	b.Publish(KindMessage, "x")
	sub.Unsubscribe()
	sub.Unsubscribe()
	b.Publish(KindMessage, "y")
	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Count(KindMessage))
}

func TestUnsubscribeDuringPublishSkipsRemovedHandler(t *testing.T) {
	b := New[int]()
	var second *Subscription
	secondCalls := 0
	b.Subscribe(KindMessage, func(int) { second.Unsubscribe() })
	second = b.Subscribe(KindMessage, func(int) { secondCalls++ })

	b.Publish(KindMessage, 1)
	assert.Zero(t, secondCalls, "removed handler still invoked")
}

func TestOnceFiresSingleTime(t *testing.T) {
	b := New[int]()
	calls := 0
	b.Once(KindConnect, func(int) { calls++ })
	b.Publish(KindConnect, 1)
	b.Publish(KindConnect, 2)
	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Count(KindConnect))
}

func TestOnceRacingPublishersRemoveHandler(t *testing.T) {
	for round := 0; round < 50; round++ {
		b := New[int]()
		var calls atomic.Int32
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					b.Publish(KindMessage, j)
				}
			}()
		}
		close(start)
		b.Once(KindMessage, func(int) { calls.Add(1) })
		wg.Wait()
		b.Publish(KindMessage, -1)

		require.Equal(t, int32(1), calls.Load(), "round %d", round)
		require.Zero(t, b.Count(KindMessage), "round %d: once handler left registered", round)
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New[int]()
	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe(KindMessage, func(v int) {
				mu.Lock()
				total += v
				mu.Unlock()
			})
			b.Publish(KindMessage, 1)
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, total, 16, "every publisher reaches at least its own handler")
}

func TestNilSubscriptionUnsubscribeIsSafe(t *testing.T) {
	var sub *Subscription
	assert.NotPanics(t, func() {
		sub.Unsubscribe()
		New[int]().Subscribe(KindError, nil).Unsubscribe()
		New[int]().Once(KindError, nil).Unsubscribe()
	})
}
