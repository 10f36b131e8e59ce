package fabric

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicEvolutionMutations)
	bus.Publish(TopicEvolutionMutations, "test", "payload")

	select {
	case event := <-ch:
		assert.Equal(t, TopicEvolutionMutations, event.Topic)
		assert.Equal(t, "test", event.Source)
		assert.Equal(t, "payload", event.Payload)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	votes := bus.Subscribe(TopicConsensusVotes)
	bus.Publish(TopicConsensusResults, "test", 1)

	select {
	case event, ok := <-votes:
		if ok {
			t.Fatalf("vote subscriber received %v from another topic", event.Topic)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAtMostOncePerSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicChaosExperiments)

	// Overflow the subscriber buffer without draining. The excess must be
	// dropped, not queued or blocking.
	total := subscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			bus.Publish(TopicChaosExperiments, "test", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	received := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				t.Fatal("channel closed early")
			}
			received++
		default:
			assert.Equal(t, subscriberBuffer, received)
			assert.Equal(t, uint64(total-subscriberBuffer), bus.Stats().Dropped)
			return
		}
	}
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	const publishers = 8
	const perPublisher = 20

	var wg sync.WaitGroup
	ch := bus.Subscribe(TopicConsensusProposals)

	collected := make(chan int, 1)
	go func() {
		n := 0
		for range ch {
			n++
			if n == publishers*perPublisher {
				break
			}
		}
		collected <- n
	}()

	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(TopicConsensusProposals, "test", i)
			}
		}()
	}
	wg.Wait()

	select {
	case n := <-collected:
		require.Equal(t, publishers*perPublisher, n)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive all events")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicEvolutionDeployed)
	bus.Unsubscribe(TopicEvolutionDeployed, ch)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Stats().Subscribers)
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicConsensusResults)
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)

	// Must not panic or deliver.
	bus.Publish(TopicConsensusResults, "test", nil)
	bus.Close()
}
