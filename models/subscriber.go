package models

import (
	"time"

	"gorm.io/gorm"
)

type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
)

// Segment groups subscribers for targeting
type Segment struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Relations
	Memberships []SegmentMembership `gorm:"foreignKey:SegmentID" json:"memberships,omitempty"`
}

// Subscriber represents a single contact who can be enrolled in sequences
type Subscriber struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	Status         SubscriberStatus `gorm:"default:'active'" json:"status"`
	UnsubscribedAt *time.Time       `json:"unsubscribed_at"`
	Source         string           `json:"source"` // manual, import, api

	// Relations
	Memberships []SegmentMembership `gorm:"foreignKey:SubscriberID" json:"segments,omitempty"`
	Tags        []SubscriberTag     `gorm:"foreignKey:SubscriberID" json:"tags,omitempty"`
	Fields      []SubscriberField   `gorm:"foreignKey:SubscriberID" json:"fields,omitempty"`
}

// TagNames flattens the tag relation
func (s *Subscriber) TagNames() []string {
	names := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		names = append(names, t.Tag)
	}
	return names
}

// FieldValue returns the custom field value and whether it is set
func (s *Subscriber) FieldValue(name string) (string, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// SegmentMembership joins subscribers to segments
type SegmentMembership struct {
	gorm.Model
	SubscriberID uint `gorm:"not null;index;uniqueIndex:idx_segment_member" json:"subscriber_id"`
	SegmentID    uint `gorm:"not null;index;uniqueIndex:idx_segment_member" json:"segment_id"`
}

type SubscriberTag struct {
	gorm.Model
	SubscriberID uint   `gorm:"not null;index;uniqueIndex:idx_subscriber_tag" json:"subscriber_id"`
	Tag          string `gorm:"not null;index;uniqueIndex:idx_subscriber_tag" json:"tag"`
}

type SubscriberField struct {
	gorm.Model
	SubscriberID uint   `gorm:"not null;index;uniqueIndex:idx_subscriber_field" json:"subscriber_id"`
	Name         string `gorm:"not null;index;uniqueIndex:idx_subscriber_field" json:"name"`
	Value        string `gorm:"type:text" json:"value"`
}

// Suppression is an address that must never receive mail. A nil UserID
// suppresses the address for every owner.
type Suppression struct {
	gorm.Model
	UserID *uint  `gorm:"index" json:"user_id,omitempty"`
	Email  string `gorm:"not null;index" json:"email"`

	Reason string `json:"reason"`
	Source string `json:"source"` // unsubscribe, bounce, complaint, manual
}
