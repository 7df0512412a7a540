// ABOUTME: In-memory fan-out broadcaster for dispatch settlement events
// ABOUTME: Lets browser sessions observe replies without polling the conversation store

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber
const subscriberBufferSize = 64

// EventKind classifies a settlement event
type EventKind string

const (
	// EventUserMessage fires when the optimistic user append lands (phase 1)
	EventUserMessage EventKind = "user_message"
	// EventAgentReply fires when a dispatch settles successfully (phase 2)
	EventAgentReply EventKind = "agent_reply"
	// EventAgentError fires when a dispatch settles with a failure (phase 2)
	EventAgentError EventKind = "agent_error"
)

// Event describes one settlement in an agent's conversation
type Event struct {
	Kind    EventKind `json:"kind"`
	AgentID string    `json:"agentId"`
	Message *Message  `json:"message"`
}

// Broadcaster provides in-memory pub/sub for settlement events. Subscribers
// register for an agent id and receive events as sends settle.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // agentID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given agent id.
// The subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) <-chan *Event {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan *Event)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(agentID, subID)
	}()

	return ch
}

// Publish sends an event to all subscribers of the agent.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[event.AgentID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan *Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "agent_id", event.AgentID, "kind", event.Kind)
		}
	}
}

func (b *Broadcaster) unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}
}
