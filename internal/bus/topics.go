package bus

import "time"

// Operator event topics. Activity topics are TopicActivityPrefix + kind.
const (
	TopicActivityPrefix = "activity."
	TopicBriefingReady  = "briefing.ready"
	TopicBriefingFailed = "briefing.failed"
	TopicBriefingStale  = "briefing.stale"
	TopicPolicyUpdated  = "operator.policy_updated"
)

// ActivityTopic returns the topic an activity event of kind is published on.
func ActivityTopic(kind string) string {
	return TopicActivityPrefix + kind
}

// ActivityEvent is published for every recorded activity event.
type ActivityEvent struct {
	EventID  string
	TaskID   string
	Category string
	Kind     string
	Approach string
}

// BriefingEvent is published when a narrative generation finishes or a
// cached briefing goes stale.
type BriefingEvent struct {
	Category   string
	Attempts   int
	Latency    time.Duration
	ErrorClass string // empty on success
}

// PolicyEvent is published when escalation tunables change at runtime.
type PolicyEvent struct {
	Threshold       int
	RefreshInterval int
}
