// Package broadcast implements topic-based fanout: subscriber sets per
// topic, bounded per-subscriber queues, and a drop-and-disconnect policy for
// slow consumers. It is grounded on the register/unregister +
// synchronous-fanout shape of the domain stack's in-process event bus,
// adapted here for a bounded, non-blocking queue per subscriber instead of
// synchronous delivery, since publish must never block on a slow
// subscriber.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentwatch/agentwatch/internal/telemetry"
)

// Topic is a broadcaster subscription key.
type Topic string

// All is the topic every event is published to, regardless of agent.
const All Topic = "all"

// AgentTopic returns the topic for events about a single agent.
func AgentTopic(id string) Topic { return Topic("agent:" + id) }

// ProjectTopic returns the topic for events about any agent under path.
func ProjectTopic(path string) Topic { return Topic("project:" + path) }

// MessageKind distinguishes ordinary event broadcasts from control frames.
type MessageKind string

const (
	KindEvent     MessageKind = "event"
	KindTombstone MessageKind = "tombstone"
	KindPing      MessageKind = "ping"
	KindOverflow  MessageKind = "overflow"
)

// Message is one unit of fanout delivered to subscribers of a topic.
type Message struct {
	Topic     Topic
	Kind      MessageKind
	AgentID   string
	Payload   any
	Seq       uint64
	Timestamp time.Time
}

// Handle is a subscriber's connection handle: a set of subscribed topics, a
// bounded outbound queue, and a slow-consumer counter.
type Handle struct {
	id    string
	queue chan Message
	done  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	topics     map[Topic]struct{}
	slowEvents uint64
}

// ID returns the server-assigned subscriber id sent in the Welcome frame.
func (h *Handle) ID() string { return h.id }

// Queue returns the channel the transport layer should range over to
// deliver messages to the client. The channel is never closed; use Done to
// learn that the handle has been disconnected.
func (h *Handle) Queue() <-chan Message { return h.queue }

// Done closes when the handle has been disconnected, either by the client
// or by the slow-consumer policy.
func (h *Handle) Done() <-chan struct{} { return h.done }

// SlowEvents returns how many times this subscriber has been marked slow.
// A handle is closed the first time this happens, so in practice the value
// is 0 or 1, but it is tracked as a counter for observability.
func (h *Handle) SlowEvents() uint64 { return atomic.LoadUint64(&h.slowEvents) }

// Topics returns a snapshot of the handle's current subscription set.
func (h *Handle) Topics() []Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Topic, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}

// Broadcaster fans events out to subscribers, isolating slow consumers from
// the rest.
type Broadcaster struct {
	mu       sync.RWMutex
	byTopic  map[Topic]map[string]*Handle
	handles  map[string]*Handle
	queueCap int
	seq      atomic.Uint64

	// Sink, if set, additionally receives every published message for an
	// out-of-process fan-out backend (e.g. a Redis pub/sub mirror). It
	// must never block Publish.
	Sink func(ctx context.Context, msg Message)
}

// New constructs a Broadcaster whose subscriber queues hold at most
// queueCap messages before the drop-and-disconnect policy applies.
func New(queueCap int) *Broadcaster {
	return &Broadcaster{
		byTopic:  make(map[Topic]map[string]*Handle),
		handles:  make(map[string]*Handle),
		queueCap: queueCap,
	}
}

// Subscribe registers a new handle subscribed to topics and returns it.
func (b *Broadcaster) Subscribe(topics []Topic) *Handle {
	h := &Handle{
		id:     uuid.NewString(),
		queue:  make(chan Message, b.queueCap),
		done:   make(chan struct{}),
		topics: make(map[Topic]struct{}, len(topics)),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles[h.id] = h
	for _, t := range topics {
		h.topics[t] = struct{}{}
		b.addToTopicLocked(t, h)
	}
	return h
}

// Unsubscribe removes topics from h's subscription set. Removing a topic h
// is not subscribed to is a no-op.
func (b *Broadcaster) Unsubscribe(h *Handle, topics []Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h.mu.Lock()
	for _, t := range topics {
		delete(h.topics, t)
	}
	h.mu.Unlock()
	for _, t := range topics {
		b.removeFromTopicLocked(t, h)
	}
}

// AddTopics subscribes h to additional topics.
func (b *Broadcaster) AddTopics(h *Handle, topics []Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h.mu.Lock()
	for _, t := range topics {
		h.topics[t] = struct{}{}
	}
	h.mu.Unlock()
	for _, t := range topics {
		b.addToTopicLocked(t, h)
	}
}

func (b *Broadcaster) addToTopicLocked(t Topic, h *Handle) {
	set, ok := b.byTopic[t]
	if !ok {
		set = make(map[string]*Handle)
		b.byTopic[t] = set
	}
	set[h.id] = h
}

func (b *Broadcaster) removeFromTopicLocked(t Topic, h *Handle) {
	set, ok := b.byTopic[t]
	if !ok {
		return
	}
	delete(set, h.id)
	if len(set) == 0 {
		delete(b.byTopic, t)
	}
}

// CloseHandle disconnects h: it removes h from every topic and closes Done.
// Messages already in h's queue are left there; the slow-consumer path
// empties the queue itself before calling CloseHandle.
func (b *Broadcaster) CloseHandle(h *Handle) {
	topics := h.Topics()
	b.mu.Lock()
	delete(b.handles, h.id)
	for _, t := range topics {
		b.removeFromTopicLocked(t, h)
	}
	b.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

// Publish enqueues msg on every subscriber of topic. Publish never blocks:
// a subscriber whose queue is full is marked slow, flushed, sent a
// best-effort Overflow control message, and disconnected. This keeps
// Publish O(subscribers-of-topic) regardless of how slow any individual
// subscriber is.
func (b *Broadcaster) Publish(ctx context.Context, topic Topic, msg Message) {
	msg.Topic = topic
	msg.Seq = b.seq.Add(1)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	set := b.byTopic[topic]
	recipients := make([]*Handle, 0, len(set))
	for _, h := range set {
		recipients = append(recipients, h)
	}
	b.mu.RUnlock()

	depth := 0
	for _, h := range recipients {
		select {
		case h.queue <- msg:
			depth += len(h.queue)
		default:
			b.disconnectSlow(h)
		}
	}
	telemetry.BroadcastQueueDepth.Set(float64(depth))

	if b.Sink != nil {
		b.Sink(ctx, msg)
	}
}

func (b *Broadcaster) disconnectSlow(h *Handle) {
	atomic.AddUint64(&h.slowEvents, 1)
	telemetry.BroadcastSlowDisconnectsTotal.Inc()
drain:
	for {
		select {
		case <-h.queue:
		default:
			break drain
		}
	}
	overflow := Message{Kind: KindOverflow, Timestamp: time.Now().UTC()}
	select {
	case h.queue <- overflow:
	default:
	}
	b.CloseHandle(h)
}

// Count returns the number of currently connected subscribers, used by the
// /health endpoint's basic counters.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handles)
}
