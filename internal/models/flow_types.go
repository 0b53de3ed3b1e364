package models

import (
	"encoding/json"
	"strings"
	"time"
)

// NodeType identifies the behavior of a flow node.
type NodeType string

// Node type constants.
const (
	NodeTypeStart        NodeType = "start"
	NodeTypeMessage      NodeType = "message"
	NodeTypeMenu         NodeType = "menu"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeInterval     NodeType = "interval"
	NodeTypeRandomizer   NodeType = "randomizer"
	NodeTypeTicketRoute  NodeType = "ticketRoute"
	NodeTypeQuestion     NodeType = "question"
	NodeTypeAICompletion NodeType = "aiCompletion"
)

// Well-known edge ports.
const (
	PortNext    = "next"
	PortDefault = "default"
	PortTrue    = "true"
	PortFalse   = "false"
)

// FlowDocument is the wire form of a flow definition, as authored by the flow builder.
type FlowDocument struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenantId"`
	Name     string         `json:"name,omitempty"`
	Nodes    []NodeDocument `json:"nodes"`
	Edges    []EdgeDocument `json:"edges"`
}

// NodeDocument is one node of a FlowDocument with its type-specific data left undecoded.
type NodeDocument struct {
	ID   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EdgeDocument connects a node port to a target node.
type EdgeDocument struct {
	Source     string `json:"source"`
	SourcePort string `json:"sourcePort,omitempty"`
	Target     string `json:"target"`
}

// StoredFlow is a persisted flow document.
type StoredFlow struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Document  string    `json:"document"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MatchType controls how a phrase trigger is compared to an inbound message.
type MatchType string

const (
	// MatchExact requires the trimmed message to equal the trimmed phrase, ignoring case.
	MatchExact MatchType = "exact"
	// MatchContains requires the phrase to appear anywhere in the message, ignoring case.
	MatchContains MatchType = "contains"
)

// FlowTrigger starts a flow when an inbound message matches its phrase.
type FlowTrigger struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId" validate:"required"`
	FlowID    string    `json:"flowId" validate:"required"`
	Phrase    string    `json:"phrase" validate:"required,max=255"`
	MatchType MatchType `json:"matchType,omitempty" validate:"omitempty,oneof=exact contains"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether body satisfies the trigger phrase.
func (t FlowTrigger) Matches(body string) bool {
	phrase := strings.ToLower(strings.TrimSpace(t.Phrase))
	msg := strings.ToLower(strings.TrimSpace(body))
	if phrase == "" || msg == "" {
		return false
	}
	if t.MatchType == MatchContains {
		return strings.Contains(msg, phrase)
	}
	return msg == phrase
}

// TenantSettings holds per-tenant flow routing configuration.
type TenantSettings struct {
	TenantID      string    `json:"tenantId"`
	WelcomeFlowID string    `json:"welcomeFlowId,omitempty"`
	DefaultFlowID string    `json:"defaultFlowId,omitempty"`
	Timezone      string    `json:"timezone,omitempty" validate:"omitempty,timezone"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
