package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignInactive   CampaignStatus = "inactive"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignCancelled  CampaignStatus = "cancelled"
	CampaignFinished   CampaignStatus = "finished"
)

// ShiftPolicy decides what happens to sends that land on a non-business day.
type ShiftPolicy string

const (
	ShiftNormal ShiftPolicy = "normal"
	ShiftBefore ShiftPolicy = "before"
	ShiftAfter  ShiftPolicy = "after"
)

// RecurrenceUnit is the unit of a repeating campaign interval.
type RecurrenceUnit string

const (
	UnitMinutes RecurrenceUnit = "minutes"
	UnitHours   RecurrenceUnit = "hours"
	UnitDays    RecurrenceUnit = "days"
	UnitWeeks   RecurrenceUnit = "weeks"
	UnitMonths  RecurrenceUnit = "months"
)

// Campaign limits.
const (
	MaxCampaignVariants = 5
	DefaultTimezone     = "UTC"
)

// Recurrence repeats a campaign. Either Every/Unit or Cron is used; Count caps the
// number of occurrences (0 means unbounded).
type Recurrence struct {
	Every int            `json:"every,omitempty" validate:"gte=0"`
	Unit  RecurrenceUnit `json:"unit,omitempty" validate:"omitempty,oneof=minutes hours days weeks months"`
	Cron  string         `json:"cron,omitempty"`
	Count int            `json:"count,omitempty" validate:"gte=0"`
}

// IsZero reports whether no recurrence is configured.
func (r *Recurrence) IsZero() bool {
	return r == nil || (r.Every == 0 && r.Cron == "")
}

// CampaignSchedule holds the pacing configuration of a campaign.
type CampaignSchedule struct {
	StartAt         time.Time   `json:"startAt"`
	Recurrence      *Recurrence `json:"recurrence,omitempty"`
	BaseIntervalSec int         `json:"baseIntervalSec,omitempty" validate:"gte=0"`
	MinIntervalSec  int         `json:"minIntervalSec,omitempty" validate:"gte=0"`
	MaxIntervalSec  int         `json:"maxIntervalSec,omitempty" validate:"gte=0,gtefield=MinIntervalSec"`
	NoBreak         bool        `json:"noBreak,omitempty"`
	LagEvery        int         `json:"lagEvery,omitempty" validate:"gte=0"`
	LagMinSec       int         `json:"lagMinSec,omitempty" validate:"gte=0"`
	LagMaxSec       int         `json:"lagMaxSec,omitempty" validate:"gte=0,gtefield=LagMinSec"`
	BusinessDays    ShiftPolicy `json:"businessDays,omitempty" validate:"omitempty,oneof=normal before after"`
	Timezone        string      `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Holidays        []string    `json:"holidays,omitempty" validate:"dive,datetime=2006-01-02"`
}

// Campaign is a bulk, scheduled outbound-message job over a contact list.
type Campaign struct {
	ID                   string           `json:"id"`
	TenantID             string           `json:"tenantId" validate:"required"`
	Name                 string           `json:"name" validate:"required,max=255"`
	Messages             []string         `json:"messages" validate:"required,min=1,max=5,dive,required"`
	Confirmation         bool             `json:"confirmation,omitempty"`
	ConfirmationMessages []string         `json:"confirmationMessages,omitempty" validate:"max=5,dive,required"`
	ContactListID        string           `json:"contactListId" validate:"required"`
	Schedule             CampaignSchedule `json:"schedule"`
	ConfirmationFlowID   string           `json:"confirmationFlowId,omitempty"`
	Status               CampaignStatus   `json:"status"`
	Occurrence           int              `json:"occurrence"`
	NextRunAt            *time.Time       `json:"nextRunAt,omitempty"`
	Planned              bool             `json:"planned"`
	LastError            string           `json:"lastError,omitempty"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// Variants returns the message variants used for sends, honoring the confirmation setting.
func (c *Campaign) Variants() []string {
	if c.Confirmation && len(c.ConfirmationMessages) > 0 {
		return c.ConfirmationMessages
	}
	return c.Messages
}

// Location returns the campaign timezone, falling back to UTC.
func (c *Campaign) Location() *time.Location {
	name := c.Schedule.Timezone
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the campaign definition.
func (c *Campaign) Validate() error {
	if err := Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid campaign: %w", describeValidation(err))
	}
	if c.Schedule.StartAt.IsZero() {
		return errors.New("invalid campaign: schedule.startAt is required")
	}
	if r := c.Schedule.Recurrence; r != nil && r.Every > 0 && r.Unit == "" {
		return errors.New("invalid campaign: recurrence.unit is required with recurrence.every")
	}
	return nil
}

// Validate checks the trigger definition.
func (t *FlowTrigger) Validate() error {
	if err := Validator().Struct(t); err != nil {
		return fmt.Errorf("invalid trigger: %w", describeValidation(err))
	}
	return nil
}

// Validate checks the tenant settings.
func (s *TenantSettings) Validate() error {
	if s.TenantID == "" {
		return ErrEmptyTenant
	}
	if err := Validator().Struct(s); err != nil {
		return fmt.Errorf("invalid tenant settings: %w", describeValidation(err))
	}
	return nil
}

// describeValidation flattens validator field errors into a readable message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// Contact is one entry of a contact list.
type Contact struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Number   string            `json:"number"`
	Email    string            `json:"email,omitempty"`
	OptedOut bool              `json:"optedOut,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Vars returns the template variables exposed by the contact.
func (c Contact) Vars() map[string]string {
	vars := make(map[string]string, len(c.Fields)+4)
	for k, v := range c.Fields {
		vars[k] = v
	}
	vars["name"] = c.Name
	vars["number"] = c.Number
	vars["email"] = c.Email
	first := c.Name
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	vars["firstName"] = first
	return vars
}
