package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	select {
	case event := <-sub.Ch():
		if event.Topic != "test.event" {
			t.Fatalf("topic = %q, want %q", event.Topic, "test.event")
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to "agent." prefix.
	agentSub := b.Subscribe("agent.")
	defer b.Unsubscribe(agentSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicAgentStatus, AgentStatusEvent{AgentID: "scout", OldStatus: "idle", NewStatus: "running"})
	b.Publish(TopicSchedulerFire, "ok")

	// agentSub should receive agent.status but not scheduler.fire.
	select {
	case event := <-agentSub.Ch():
		if event.Topic != TopicAgentStatus {
			t.Fatalf("topic = %q, want agent.status", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for agent event")
	}

	// agentSub should not have scheduler.fire.
	select {
	case event := <-agentSub.Ch():
		t.Fatalf("unexpected event on agentSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("test.event", i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
	if got := sub.Dropped(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("test")
	sub2 := b.Subscribe("test")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish("test.event", "shared")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicAgentRun, AgentRunEvent{AgentID: "scout"})
}

func TestBus_TypedPayload(t *testing.T) {
	b := New()
	sub := b.Subscribe("agent.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicAgentDisabled, AgentDisabledEvent{AgentID: "scout", ConsecutiveErrors: 5, LastError: "boom"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(AgentDisabledEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if payload.ConsecutiveErrors != 5 || payload.AgentID != "scout" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for disabled event")
	}
}

func TestBus_SequenceSpansTopics(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(TopicAgentRun, AgentRunEvent{AgentID: "scout"})
	b.Publish(TopicSchedulerFire, SchedulerFireEvent{Key: "reminder:1"})
	b.Publish(TopicAgentStatus, AgentStatusEvent{AgentID: "scout"})

	for want := uint64(1); want <= 3; want++ {
		ev := <-all.Ch()
		if ev.Seq != want {
			t.Fatalf("seq = %d, want %d", ev.Seq, want)
		}
		if ev.Time.IsZero() {
			t.Fatal("event time not stamped")
		}
	}
	if b.Published() != 3 {
		t.Fatalf("published = %d, want 3", b.Published())
	}
}

func TestBus_SubscribeBufferedSize(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("scheduler.", 2)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(TopicSchedulerFire, i)
	}
	// Non-matching topics never count as drops.
	b.Publish(TopicAgentRun, "other")

	if len(sub.Ch()) != 2 {
		t.Fatalf("buffered = %d, want 2", len(sub.Ch()))
	}
	if sub.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", sub.Dropped())
	}
}

func TestBus_UnsubscribeTwice(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d", b.SubscriberCount())
	}
	var nilBus *Bus
	if nilBus.SubscriberCount() != 0 || nilBus.Published() != 0 {
		t.Fatal("nil bus should report zero")
	}
}
