package models

import "time"

// DispatchOutcome is the delivery state of a dispatch record.
type DispatchOutcome string

const (
	DispatchPending  DispatchOutcome = "pending"
	DispatchSending  DispatchOutcome = "sending"
	DispatchSent     DispatchOutcome = "sent"
	DispatchFailed   DispatchOutcome = "failed"
	DispatchCanceled DispatchOutcome = "canceled"
)

// DispatchSource names the component that produced a dispatch.
type DispatchSource string

const (
	SourceFlow     DispatchSource = "flow"
	SourceCampaign DispatchSource = "campaign"
)

// DispatchRecord tracks one outbound delivery and its attempts.
type DispatchRecord struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	Target     string          `json:"target"`
	Payload    Payload         `json:"payload"`
	Source     DispatchSource  `json:"source"`
	CampaignID string          `json:"campaignId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	NodeID     string          `json:"nodeId,omitempty"`
	ContactID  string          `json:"contactId,omitempty"`
	DedupeKey  string          `json:"dedupeKey,omitempty"`
	Attempts   int             `json:"attempts"`
	Outcome    DispatchOutcome `json:"outcome"`
	SendAt     time.Time       `json:"sendAt"`
	LastError  string          `json:"lastError,omitempty"`
	LockedAt   *time.Time      `json:"lockedAt,omitempty"`
	SentAt     *time.Time      `json:"sentAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
