package campaign

import (
	"time"

	"outbound-dialer/internal/pbx"
)

type State string

const (
	StateActive  State = "active"
	StateStopped State = "stopped"
)

// CallStatus tracks an in-flight outbound call's last observed state.
type CallStatus string

const (
	CallStatusDialing   CallStatus = "Dialing"
	CallStatusConnected CallStatus = "Connected"
)

// CallRecord is one in-flight (or just-finished) outbound call. At most one
// record exists per (campaign, dn); the record survives until the extension
// is reused and the outcome has been reconciled with the CRM.
type CallRecord struct {
	CustomerID   string     `json:"customer_id"`
	MemberName   string     `json:"member_name,omitempty"`
	Phone        string     `json:"phone"`
	Description  string     `json:"description,omitempty"`
	Description2 string     `json:"description2,omitempty"`
	Status       CallStatus `json:"status"`
	CampaignID   string     `json:"campaign_id"`
	DN           string     `json:"dn"`
	DialTime     time.Time  `json:"dial_time"`
}

// Campaign is the durable state of one outbound-dialing effort. The live
// controller mirrors every mutation into the registry (write-through).
type Campaign struct {
	ID           string `json:"id"`
	CallFlowID   string `json:"call_flow_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`

	State State `json:"state"`

	// AccessToken is owned by the token manager and mirrored here so a
	// revived campaign can resume without a fresh issue round trip.
	AccessToken string `json:"access_token,omitempty"`

	// Extensions is the latest snapshot fetched from the PBX. Never
	// mutated locally; replaced wholesale.
	Extensions []pbx.Extension `json:"extensions,omitempty"`

	// CallRecords holds at most one in-flight record per extension.
	CallRecords []CallRecord `json:"call_records,omitempty"`

	// Error is the last recorded failure, surfaced to the UI.
	Error string `json:"error,omitempty"`
}

// RecordFor returns the in-flight record for dn, if any.
func (c *Campaign) RecordFor(dn string) (CallRecord, bool) {
	for _, r := range c.CallRecords {
		if r.DN == dn {
			return r, true
		}
	}
	return CallRecord{}, false
}

// SetRecord replaces (or appends) the record for rec.DN and returns the
// record it displaced, if any.
func (c *Campaign) SetRecord(rec CallRecord) (CallRecord, bool) {
	for i, r := range c.CallRecords {
		if r.DN == rec.DN {
			c.CallRecords[i] = rec
			return r, true
		}
	}
	c.CallRecords = append(c.CallRecords, rec)
	return CallRecord{}, false
}

// RemoveRecord drops the record for dn, reporting whether one existed.
func (c *Campaign) RemoveRecord(dn string) bool {
	for i, r := range c.CallRecords {
		if r.DN == dn {
			c.CallRecords = append(c.CallRecords[:i], c.CallRecords[i+1:]...)
			return true
		}
	}
	return false
}

// HasActiveParticipants reports whether any extension in the last snapshot
// still shows a party on a call.
func (c *Campaign) HasActiveParticipants() bool {
	for _, ext := range c.Extensions {
		if !ext.Idle() {
			return true
		}
	}
	return false
}

// Snapshot is the broadcast-safe view of a campaign. The raw token never
// leaves the process; observers only learn whether one is held.
type Snapshot struct {
	ID          string          `json:"id"`
	CallFlowID  string          `json:"call_flow_id"`
	State       State           `json:"state"`
	HasToken    bool            `json:"has_token"`
	Extensions  []pbx.Extension `json:"extensions,omitempty"`
	CallRecords []CallRecord    `json:"call_records,omitempty"`
	QueueCount  int             `json:"queue_count"`
	Error       string          `json:"error,omitempty"`
}

func (c *Campaign) Snapshot(queueCount int) Snapshot {
	return Snapshot{
		ID:          c.ID,
		CallFlowID:  c.CallFlowID,
		State:       c.State,
		HasToken:    c.AccessToken != "",
		Extensions:  c.Extensions,
		CallRecords: c.CallRecords,
		QueueCount:  queueCount,
		Error:       c.Error,
	}
}

// ErrorPayload is the structured error envelope broadcast to observers.
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}
