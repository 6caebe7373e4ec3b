package models

// All lists every model the service migrates, in dependency order
func All() []any {
	return []any{
		&Segment{},
		&Subscriber{},
		&SegmentMembership{},
		&SubscriberTag{},
		&SubscriberField{},
		&Suppression{},
		&SendingProvider{},
		&Sequence{},
		&SequenceStep{},
		&Enrollment{},
		&StepExecution{},
	}
}
