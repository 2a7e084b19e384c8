// Package models defines types shared across internal packages.
package models

import "time"

// ActionType names the kind of user action a SyncAction carries.
type ActionType string

const (
	ActionProfileUpdate          ActionType = "PROFILE_UPDATE"
	ActionRatingSubmission       ActionType = "RATING_SUBMISSION"
	ActionChatMessage            ActionType = "CHAT_MESSAGE"
	ActionLocationUpdate         ActionType = "LOCATION_UPDATE"
	ActionEmergencyContactAdd    ActionType = "EMERGENCY_CONTACT_ADD"
	ActionEmergencyContactRemove ActionType = "EMERGENCY_CONTACT_REMOVE"
)

// ActionTypes lists every known ActionType.
var ActionTypes = []ActionType{
	ActionProfileUpdate,
	ActionRatingSubmission,
	ActionChatMessage,
	ActionLocationUpdate,
	ActionEmergencyContactAdd,
	ActionEmergencyContactRemove,
}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}

	return false
}

// Status is the delivery lifecycle of a SyncAction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// SyncAction is a durably queued user action awaiting delivery.
// Only the sync engine mutates Status, RetryCount and LastError.
type SyncAction struct {
	ID         uint64     `json:"id" yaml:"id"`
	Type       ActionType `json:"type" yaml:"type"`
	Data       string     `json:"data" yaml:"data"`
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`
	RetryCount int        `json:"retry_count" yaml:"retry_count"`
	Status     Status     `json:"status" yaml:"status"`
	ClientRef  string     `json:"client_ref" yaml:"client_ref"`
	LastError  string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}
