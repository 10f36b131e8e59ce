// Package fabric provides the in-process event bus connecting evoforge
// components. Topics are addressed by string, delivery is at-most-once per
// subscriber per publish, and there is no ordering guarantee across topics.
package fabric

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Topic identifies a publish/subscribe channel on the bus.
type Topic string

const (
	// TopicConsensusProposals carries new consensus.Proposal values.
	TopicConsensusProposals Topic = "consensus.proposals"
	// TopicConsensusVotes carries consensus.VoteMessage values.
	TopicConsensusVotes Topic = "consensus.votes"
	// TopicConsensusResults carries consensus.Result values.
	TopicConsensusResults Topic = "consensus.results"
	// TopicEvolutionMutations carries evolution.Mutation snapshots on
	// generation and on every status change.
	TopicEvolutionMutations Topic = "evolution.mutations"
	// TopicEvolutionDeployed carries evolution.DeployedNotice values.
	TopicEvolutionDeployed Topic = "evolution.deployed"
	// TopicChaosExperiments carries chaos.Experiment snapshots.
	TopicChaosExperiments Topic = "chaos.experiments"
)

// Event is a single message on the bus. Payload is the typed value the
// publishing component emitted; subscribers assert the concrete type for
// their topic.
type Event struct {
	ID        uuid.UUID
	Seq       uint64
	Topic     Topic
	Source    string
	Timestamp time.Time
	Payload   any
}

// subscriberBuffer is the channel depth handed to each subscriber. A
// subscriber that falls further behind than this loses events (at-most-once,
// never blocking the publisher).
const subscriberBuffer = 64

// Bus is a topic-addressed in-process event bus. Publishing never blocks:
// events to a full subscriber channel are dropped and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe returns a buffered channel receiving events published to topic.
// The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Unsubscribe removes a subscriber channel from a topic and closes it.
func (b *Bus) Unsubscribe(topic Topic, ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers payload to every current subscriber of topic. Safe to
// call from any goroutine. Returns the event that was dispatched.
func (b *Bus) Publish(topic Topic, source string, payload any) Event {
	event := Event{
		ID:        uuid.New(),
		Seq:       b.seq.Add(1),
		Topic:     topic,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return event
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return event
}

// Close shuts down the bus and closes all subscriber channels. Publishes
// after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub)
		}
	}
	b.subs = nil
}

// Stats reports bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subscribers := 0
	for _, subs := range b.subs {
		subscribers += len(subs)
	}
	return BusStats{
		Subscribers: subscribers,
		Published:   b.seq.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// BusStats holds bus counters.
type BusStats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}
