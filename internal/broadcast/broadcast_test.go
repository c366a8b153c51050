package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublishDeliversToTopic(t *testing.T) {
	b := New(4)
	h := b.Subscribe([]Topic{AgentTopic("a1")})

	b.Publish(context.Background(), AgentTopic("a1"), Message{Kind: KindEvent, AgentID: "a1"})

	select {
	case msg := <-h.Queue():
		assert.Equal(t, AgentTopic("a1"), msg.Topic)
		assert.Equal(t, "a1", msg.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected message, got none")
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	b := New(4)
	h := b.Subscribe([]Topic{AgentTopic("a1")})
	b.Publish(context.Background(), AgentTopic("a2"), Message{Kind: KindEvent, AgentID: "a2"})

	select {
	case <-h.Queue():
		t.Fatal("unexpected message for unsubscribed topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeRemovesFromTopic(t *testing.T) {
	b := New(4)
	h := b.Subscribe([]Topic{All})
	b.Unsubscribe(h, []Topic{All})
	b.Publish(context.Background(), All, Message{Kind: KindEvent})

	select {
	case <-h.Queue():
		t.Fatal("unexpected message after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddTopicsSubscribesToAdditionalTopics(t *testing.T) {
	b := New(4)
	h := b.Subscribe(nil)
	b.AddTopics(h, []Topic{ProjectTopic("/repo")})
	b.Publish(context.Background(), ProjectTopic("/repo"), Message{Kind: KindEvent})

	select {
	case msg := <-h.Queue():
		assert.Equal(t, ProjectTopic("/repo"), msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected message on newly added topic")
	}
}

func TestSlowConsumerIsDisconnectedWithoutBlockingPublish(t *testing.T) {
	b := New(1)
	slow := b.Subscribe([]Topic{All})
	fast := b.Subscribe([]Topic{All})

	// Fill the slow subscriber's queue without draining it; drain the fast
	// subscriber between publishes so it never overflows.
	b.Publish(context.Background(), All, Message{Kind: KindEvent, AgentID: "1"})
	<-fast.Queue()

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), All, Message{Kind: KindEvent, AgentID: "2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("expected slow subscriber to be disconnected")
	}
	assert.Equal(t, uint64(1), slow.SlowEvents())

	select {
	case msg := <-fast.Queue():
		assert.Equal(t, "2", msg.AgentID)
	case <-time.After(time.Second):
		t.Fatal("fast subscriber received nothing")
	}
}

func TestCloseHandleIsIdempotent(t *testing.T) {
	b := New(4)
	h := b.Subscribe([]Topic{All})
	b.CloseHandle(h)
	require.NotPanics(t, func() { b.CloseHandle(h) })
}

func TestCount(t *testing.T) {
	b := New(4)
	assert.Equal(t, 0, b.Count())
	h1 := b.Subscribe(nil)
	b.Subscribe(nil)
	assert.Equal(t, 2, b.Count())
	b.CloseHandle(h1)
	assert.Equal(t, 1, b.Count())
}

func TestPublishSeqIsMonotonic(t *testing.T) {
	b := New(4)
	h := b.Subscribe([]Topic{All})
	b.Publish(context.Background(), All, Message{Kind: KindEvent})
	b.Publish(context.Background(), All, Message{Kind: KindEvent})

	first := <-h.Queue()
	second := <-h.Queue()
	assert.Less(t, first.Seq, second.Seq)
}

func TestSinkReceivesPublishedMessages(t *testing.T) {
	b := New(4)
	var got []Message
	b.Sink = func(_ context.Context, msg Message) { got = append(got, msg) }

	b.Publish(context.Background(), All, Message{Kind: KindEvent, AgentID: "a1"})
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].AgentID)
}
