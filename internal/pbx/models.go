package pbx

import "time"

// ProfileAvailable is the PBX profile name meaning an extension can take
// outbound traffic. Anything else (busy, DND, away) counts as unavailable.
const ProfileAvailable = "Available"

// Extension is a snapshot of one directory number as the PBX reports it.
// Snapshots are never mutated locally; a fresh fetch replaces the whole value.
type Extension struct {
	DN string `json:"dn"`

	// Devices registered against this DN. Calls are placed through the
	// first registered device unless a specific one is requested.
	Devices []Device `json:"devices,omitempty"`

	// Participants currently on a call through this DN. A non-empty list
	// means the extension is engaged.
	Participants []Participant `json:"participants,omitempty"`

	// CurrentProfileName is the live forwarding profile ("Available",
	// "Away", ...). Used by the availability poller.
	CurrentProfileName string `json:"current_profile_name,omitempty"`
}

// Idle reports whether the extension has no active participants.
func (e Extension) Idle() bool {
	return len(e.Participants) == 0
}

// FirstDeviceID returns the id of the first registered device, or "".
func (e Extension) FirstDeviceID() string {
	if len(e.Devices) == 0 {
		return ""
	}
	return e.Devices[0].DeviceID
}

type Device struct {
	DeviceID  string `json:"device_id"`
	UserAgent string `json:"user_agent,omitempty"`
}

type Participant struct {
	ID     int64  `json:"id"`
	Status string `json:"status,omitempty"`

	// PartyCallerID is the remote party number when known.
	PartyCallerID string `json:"party_caller_id,omitempty"`
}

// Participant status values as reported by the PBX.
const (
	ParticipantStatusDialing   = "Dialing"
	ParticipantStatusConnected = "Connected"
)

// Token is a bearer credential issued by the PBX.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`

	// ExpiresIn is the validity window in seconds at issue time.
	ExpiresIn int `json:"expires_in,omitempty"`

	IssuedAt time.Time `json:"-"`
}
