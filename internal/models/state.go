// Package models defines session state structures for FlowPipe flows.
package models

import "time"

// SessionStatus is the interpreter state of a session.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionWaitingReply SessionStatus = "waiting_reply"
	SessionWaitingTimer SessionStatus = "waiting_timer"
	SessionCompleted    SessionStatus = "completed"
	SessionAborted      SessionStatus = "aborted"
)

// IsTerminal reports whether the status ends the session.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// MaxHistoryEntries bounds the conversation history kept on a session.
const MaxHistoryEntries = 50

// HistoryRole tags the author of a history entry.
type HistoryRole string

const (
	RoleContact HistoryRole = "contact"
	RoleAgent   HistoryRole = "agent"
)

// HistoryEntry is one message of the session conversation.
type HistoryEntry struct {
	Role HistoryRole `json:"role"`
	Text string      `json:"text"`
	At   time.Time   `json:"at"`
}

// Session is one contact's execution position within a flow.
type Session struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	ContactID    string            `json:"contactId"`
	FlowID       string            `json:"flowId"`
	CurrentNode  string            `json:"currentNode"`
	Variables    map[string]string `json:"variables,omitempty"`
	WakeAt       *time.Time        `json:"wakeAt,omitempty"`
	Status       SessionStatus     `json:"status"`
	RetryCount   int               `json:"retryCount"`
	History      []HistoryEntry    `json:"history,omitempty"`
	LastError    string            `json:"lastError,omitempty"`
	LastActivity time.Time         `json:"lastActivity"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// AppendHistory records a message and drops the oldest entries beyond MaxHistoryEntries.
func (s *Session) AppendHistory(role HistoryRole, text string, at time.Time) {
	if text == "" {
		return
	}
	s.History = append(s.History, HistoryEntry{Role: role, Text: text, At: at})
	if over := len(s.History) - MaxHistoryEntries; over > 0 {
		s.History = append([]HistoryEntry(nil), s.History[over:]...)
	}
}

// Bind merges variable bindings into the session.
func (s *Session) Bind(bindings map[string]string) {
	if len(bindings) == 0 {
		return
	}
	if s.Variables == nil {
		s.Variables = make(map[string]string, len(bindings))
	}
	for k, v := range bindings {
		s.Variables[k] = v
	}
}

// TicketClosure records when a contact's ticket was last closed.
type TicketClosure struct {
	TenantID  string    `json:"tenantId"`
	ContactID string    `json:"contactId"`
	ClosedAt  time.Time `json:"closedAt"`
}

// QueueAssignment records a contact routed to a queue or connection.
type QueueAssignment struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	ContactID    string    `json:"contactId"`
	QueueID      string    `json:"queueId,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CompletionRequest is the input of the AI completion capability.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	History      []HistoryEntry
	MaxTokens    int
	Temperature  float64
}
