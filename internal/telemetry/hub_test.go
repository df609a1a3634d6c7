package telemetry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubFanOutPreservesOrder(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()
	require.Equal(t, 2, h.SubscriberCount())

	for i := 0; i < 10; i++ {
		h.Publish(Frame{Timestamp: float64(i), Source: SourceSimulated})
	}

	for _, sub := range []*Subscriber{a, b} {
		for i := 0; i < 10; i++ {
			f := <-sub.C
			require.Equal(t, float64(i), f.Timestamp)
			require.Equal(t, SourceSimulated, f.Source)
		}
		require.Zero(t, sub.Dropped())
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	h := NewHub()
	s := h.Subscribe()

	total := subscriberQueueCap + 20
	for i := 0; i < total; i++ {
		h.Publish(Frame{Timestamp: float64(i)})
	}
	require.Equal(t, uint64(20), s.Dropped())

	// The queue holds the newest cap frames; the received sequence is a
	// subsequence of the published one, in order.
	prev := -1.0
	count := 0
	for {
		select {
		case f := <-s.C:
			require.Greater(t, f.Timestamp, prev)
			prev = f.Timestamp
			count++
			continue
		default:
		}
		break
	}
	require.Equal(t, subscriberQueueCap, count)
	require.Equal(t, float64(total-1), prev, "newest frame always kept")
}

func TestHubSlowSubscriberDoesNotStallOthers(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe()
	fast := h.Subscribe()

	for i := 0; i < subscriberQueueCap*3; i++ {
		h.Publish(Frame{Timestamp: float64(i)})
		// Keep the fast consumer drained.
		select {
		case <-fast.C:
		default:
		}
	}
	require.Zero(t, fast.Dropped())
	require.NotZero(t, slow.Dropped())
}

func TestHubUnsubscribeIdempotent(t *testing.T) {
	h := NewHub()
	s := h.Subscribe()
	h.Unsubscribe(s.ID)
	h.Unsubscribe(s.ID)
	h.Unsubscribe("no-such-id")
	require.Zero(t, h.SubscriberCount())

	_, open := <-s.C
	require.False(t, open, "queue closed on unsubscribe")

	// Publishing after unsubscribe reaches nobody and does not panic.
	h.Publish(Frame{})
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	subs := make([]*Subscriber, 5)
	for i := range subs {
		subs[i] = h.Subscribe()
	}
	h.Close()
	for _, s := range subs {
		_, open := <-s.C
		require.False(t, open)
	}
	require.Zero(t, h.SubscriberCount())

	// Hub stays safe after close.
	h.Publish(Frame{})
	s := h.Subscribe()
	_, open := <-s.C
	require.False(t, open, "post-close subscriptions are born closed")
	h.Unsubscribe(s.ID)
}

func TestHubPublishDuringUnsubscribeChurn(t *testing.T) {
	h := NewHub()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
					h.Publish(Frame{Timestamp: float64(n)})
				}
			}
		}()
	}

	// Clients connect and disconnect while the publishers run; the frame
	// fan-out must never hit a closed queue.
	for i := 0; i < 500; i++ {
		s := h.Subscribe()
		select {
		case <-s.C:
		default:
		}
		h.Unsubscribe(s.ID)
	}

	close(stop)
	wg.Wait()
	require.Zero(t, h.SubscriberCount())
}

func TestHubSubscriberIDsUnique(t *testing.T) {
	h := NewHub()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := h.Subscribe()
		require.False(t, seen[s.ID], fmt.Sprintf("duplicate id %s", s.ID))
		seen[s.ID] = true
	}
}
