package sequence

import (
	"strings"

	"sequencer/models"
)

// TriggerEvent is something that happened to a subscriber and may enroll
// them into sequences of the same owner.
type TriggerEvent struct {
	OwnerID      uint               `json:"-"`
	SubscriberID uint               `json:"subscriber_id" validate:"required"`
	Type         models.TriggerType `json:"type" validate:"required,oneof=subscription tag_added manual webhook date"`
	Tag          string             `json:"tag,omitempty"`
	Event        string             `json:"event,omitempty"`
	// SequenceID targets a single sequence; manual triggers require it.
	SequenceID uint           `json:"sequence_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Qualifies reports whether the subscriber may be enrolled in seq given the
// segments they belong to. A sequence without segment filters matches
// everyone.
func Qualifies(sub *models.Subscriber, segmentIDs []uint, seq *models.Sequence) bool {
	if sub == nil || seq == nil {
		return false
	}
	if len(seq.TriggerConfig.SegmentIDs) == 0 {
		return true
	}
	for _, want := range seq.TriggerConfig.SegmentIDs {
		for _, have := range segmentIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}

// MatchesEvent reports whether ev fires the trigger configured on seq.
func MatchesEvent(seq *models.Sequence, ev TriggerEvent) bool {
	if seq == nil || seq.TriggerType != ev.Type {
		return false
	}
	if ev.SequenceID != 0 && ev.SequenceID != seq.ID {
		return false
	}

	cfg := seq.TriggerConfig
	switch ev.Type {
	case models.TriggerSubscription:
		return true
	case models.TriggerTagAdded:
		return cfg.Tag == "" || strings.EqualFold(cfg.Tag, ev.Tag)
	case models.TriggerWebhook, models.TriggerDate:
		return cfg.Event == "" || cfg.Event == ev.Event
	case models.TriggerManual:
		return ev.SequenceID == seq.ID
	}
	return false
}
