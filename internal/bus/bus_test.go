package bus

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestPublish_PrefixRouting(t *testing.T) {
	b := New()
	briefings := b.Subscribe("briefing.")
	all := b.Subscribe("")
	defer b.Unsubscribe(briefings)
	defer b.Unsubscribe(all)

	if n := b.Publish(TopicBriefingReady, BriefingEvent{Category: "spatial"}); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if n := b.Publish(ActivityTopic("start"), ActivityEvent{Category: "spatial"}); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}

	if ev := receive(t, briefings); ev.Topic != TopicBriefingReady {
		t.Fatalf("topic = %q", ev.Topic)
	}
	select {
	case ev := <-briefings.Ch():
		t.Fatalf("unexpected event on briefing subscription: %v", ev)
	default:
	}

	first, second := receive(t, all), receive(t, all)
	if first.Topic != TopicBriefingReady || second.Topic != "activity.start" {
		t.Fatalf("topics = %q, %q", first.Topic, second.Topic)
	}
}

func TestPublish_StampsTime(t *testing.T) {
	b := New()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicPolicyUpdated, PolicyEvent{Threshold: 3, RefreshInterval: 1})
	ev := receive(t, sub)
	if !ev.At.Equal(fixed) {
		t.Fatalf("At = %v, want %v", ev.At, fixed)
	}
	if p, ok := ev.Payload.(PolicyEvent); !ok || p.Threshold != 3 {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestPublish_FullBufferDrops(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("activity.", 2)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(ActivityTopic("failure"), i)
	}
	if got := sub.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	if got := len(sub.Ch()); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("briefing.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestClose(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Close()
	b.Close()

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after Close")
	}
	if n := b.Publish(TopicBriefingFailed, nil); n != 0 {
		t.Fatalf("delivered = %d after Close", n)
	}
	late := b.Subscribe("")
	if _, ok := <-late.Ch(); ok {
		t.Fatal("subscription on closed bus should be closed")
	}
	b.Unsubscribe(sub)
}

func TestPublish_Concurrent(t *testing.T) {
	b := New()
	const workers, perWorker = 10, 5
	sub := b.SubscribeBuffered("", workers*perWorker)
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				b.Publish(ActivityTopic("start"), ActivityEvent{TaskID: "group", Kind: "start"})
			}
		}()
	}
	wg.Wait()

	if got := len(sub.Ch()); got != workers*perWorker {
		t.Fatalf("received %d events, want %d", got, workers*perWorker)
	}
	if sub.Dropped() != 0 {
		t.Fatalf("dropped = %d", sub.Dropped())
	}
}
