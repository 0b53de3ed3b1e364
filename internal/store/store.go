// Package store provides durable storage backends for FlowPipe.
//
// SQLite and PostgreSQL share one SQL implementation; the backend is chosen from the DSN.
package store

import (
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// key=value form, e.g. "host=localhost dbname=flowpipe"
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// FlowRepo persists flow documents.
type FlowRepo interface {
	SaveFlow(f models.StoredFlow) error
	GetFlow(id string) (*models.StoredFlow, error)
	ListFlows(tenantID string) ([]models.StoredFlow, error)
}

// TenantRepo persists per-tenant routing data.
type TenantRepo interface {
	SaveTenantSettings(s models.TenantSettings) error
	GetTenantSettings(tenantID string) (*models.TenantSettings, error)
	SaveTrigger(t models.FlowTrigger) error
	ListTriggers(tenantID string) ([]models.FlowTrigger, error)
	RecordTicketClosure(c models.TicketClosure) error
	GetTicketClosure(tenantID, contactID string) (*models.TicketClosure, error)
	RecordAssignment(a models.QueueAssignment) error
	ListAssignments(tenantID, contactID string) ([]models.QueueAssignment, error)
}

// SessionRepo persists interpreter sessions.
type SessionRepo interface {
	SaveSession(s *models.Session) error
	GetSession(id string) (*models.Session, error)
	// GetActiveSession returns the most recently updated non-terminal session of a contact.
	GetActiveSession(tenantID, contactID string) (*models.Session, error)
	HasSessions(tenantID, contactID string) (bool, error)
	ListSessions(tenantID, contactID string) ([]models.Session, error)
	ListTimerSessions() ([]models.Session, error)
}

// CampaignRepo persists campaigns.
type CampaignRepo interface {
	SaveCampaign(c *models.Campaign) error
	GetCampaign(id string) (*models.Campaign, error)
	ListCampaigns(statuses ...models.CampaignStatus) ([]models.Campaign, error)
}

// DispatchRepo persists dispatch records.
type DispatchRepo interface {
	// CreateDispatch inserts rec. When rec.DedupeKey is already present the existing
	// record is left untouched and created is false.
	CreateDispatch(rec *models.DispatchRecord) (created bool, err error)
	GetDispatch(id string) (*models.DispatchRecord, error)
	ClaimDueDispatches(campaignID string, now time.Time, limit int) ([]models.DispatchRecord, error)
	MarkDispatchSending(id string, now time.Time) error
	MarkDispatchSent(id string, attempts int, at time.Time) error
	MarkDispatchFailed(id string, attempts int, errMsg string) error
	CancelDispatch(id string) error
	CancelPendingDispatches(campaignID string) (int, error)
	DeleteUnsentDispatches(campaignID string) (int, error)
	CountDispatches(campaignID string, outcomes ...models.DispatchOutcome) (int, error)
	SentContacts(campaignID string) (map[string]bool, error)
	ListDispatches(campaignID string) ([]models.DispatchRecord, error)
	RequeueStaleDispatches(staleBefore time.Time) (int, error)
}

// ContactRepo backs contact-list enumeration.
type ContactRepo interface {
	ReplaceContactList(tenantID, listID string, contacts []models.Contact) error
	ListContacts(listID string) ([]models.Contact, error)
}

// Store aggregates every repository implemented by the SQL backends.
type Store interface {
	FlowRepo
	TenantRepo
	SessionRepo
	CampaignRepo
	DispatchRepo
	ContactRepo
	JobRepo
	DedupRepo
	Close() error
}

// Open creates the store selected by the DSN type.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
