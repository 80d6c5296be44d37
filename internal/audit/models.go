package audit

import "time"

// Event is an immutable, append-only record of an operator command.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor and ip capture are best-effort; never block a command on audit failures.

type Event struct {
	ID string `json:"id"`

	// Type indicates the operator command category.
	Type EventType `json:"type"`

	// CampaignID is the command's target, when it has one.
	CampaignID string `json:"campaign_id,omitempty"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeStartCampaign EventType = "start_campaign"
	EventTypeStopCampaign  EventType = "stop_campaign"
	EventTypeClearQueue    EventType = "clear_queue"
)
