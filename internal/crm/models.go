package crm

import "time"

// Candidate status filters understood by the dial-source query.
// Pending entries have never been called; retryable entries failed before
// and are eligible for another attempt.
const (
	StatusFilterPending   = "0"
	StatusFilterRetryable = "2"
)

// Call result codes reported back after an attempt.
const (
	ResultCodeSuccess = 1
	ResultCodeFailed  = 2
)

// Candidate is one customer eligible to be dialed for a campaign.
type Candidate struct {
	CustomerID   string `json:"customer_id"`
	MemberName   string `json:"member_name,omitempty"`
	Phone        string `json:"phone"`
	Description  string `json:"description,omitempty"`
	Description2 string `json:"description2,omitempty"`
}

// Valid reports whether the candidate carries the fields dialing requires.
// Invalid candidates are discarded during replenishment, never fatal.
func (c Candidate) Valid() bool {
	return c.CustomerID != "" && c.Phone != ""
}

// VisitRecord is the contact record written after a connected call.
type VisitRecord struct {
	CampaignID string    `json:"campaign_id"`
	CustomerID string    `json:"customer_id"`
	VisitType  string    `json:"visit_type"`
	Author     string    `json:"author"`
	VisitedAt  time.Time `json:"visited_at"`
	Note       string    `json:"note,omitempty"`
	Result     string    `json:"result,omitempty"`
}
