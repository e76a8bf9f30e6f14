package bus

import (
	"testing"
	"time"
)

func TestActivityTopic(t *testing.T) {
	if got := ActivityTopic("failure"); got != "activity.failure" {
		t.Fatalf("topic = %q, want activity.failure", got)
	}
}

func TestBus_ActivityPrefixSubscription(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicActivityPrefix)
	defer b.Unsubscribe(sub)

	b.Publish(ActivityTopic("start"), ActivityEvent{Category: "spatial", Kind: "start"})
	b.Publish(TopicBriefingReady, BriefingEvent{Category: "spatial"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(ActivityEvent)
		if !ok || payload.Category != "spatial" {
			t.Fatalf("unexpected payload: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for activity event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("briefing event leaked into activity subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
