package calls

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Dashboard clients do arithmetic on cost; emit JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Call is one conversation session, keyed globally by the vendor's call id.
//
// Invariants:
// - Exactly one row per VendorCallID.
// - TenantID is fixed at first insert.
// - Rows are never deleted here.
type Call struct {
	ID           string `json:"id" db:"id"`
	TenantID     string `json:"tenant_id" db:"tenant_id"`
	AgentID      string `json:"agent_id,omitempty" db:"agent_id"`
	VendorCallID string `json:"vendor_call_id" db:"vendor_call_id"`
	Status       Status `json:"status" db:"status"`

	// VendorAgentID is set on calls mapped from a vendor fetch, which have no local agent.
	VendorAgentID string `json:"vendor_agent_id,omitempty" db:"-"`

	StartedAt *time.Time `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at" db:"ended_at"`

	// DurationSeconds and Cost are nil until a completion (or fallback fetch) supplies them.
	DurationSeconds *int             `json:"duration" db:"duration_seconds"`
	Cost            *decimal.Decimal `json:"cost" db:"cost"`

	Transcript   string         `json:"transcript,omitempty" db:"transcript"`
	RecordingURL string         `json:"recording_url,omitempty" db:"recording_url"`
	Metadata     map[string]any `json:"metadata" db:"metadata"`

	// LastEventAt is the newest vendor event time applied to this row.
	LastEventAt *time.Time `json:"-" db:"last_event_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Duration returns the call duration in seconds, 0 when unknown.
func (c Call) Duration() int {
	if c.DurationSeconds == nil {
		return 0
	}
	return *c.DurationSeconds
}

// Spend returns the call cost, zero when unknown.
func (c Call) Spend() decimal.Decimal {
	if c.Cost == nil {
		return decimal.Zero
	}
	return *c.Cost
}

// OccurredAt is the timestamp used for windows and ordering.
func (c Call) OccurredAt() time.Time {
	if c.StartedAt != nil {
		return *c.StartedAt
	}
	return c.CreatedAt
}

// Patch is a partial update derived from one lifecycle event.
// Nil pointers and empty strings mean "not carried by this event".
type Patch struct {
	VendorCallID string
	TenantID     string
	AgentID      string

	Status Status

	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	Cost            *decimal.Decimal
	Transcript      *string
	RecordingURL    *string
	Metadata        map[string]any

	// DefaultStartedAt and DefaultEndedAt stand in when the payload omits the
	// timestamp. They only fill a stored null and never replace a value.
	DefaultStartedAt *time.Time
	DefaultEndedAt   *time.Time

	// EventAt is the vendor's event time, or the delivery time when the
	// payload carries none.
	EventAt *time.Time
}

// ListFilter selects a page of calls for one tenant.
type ListFilter struct {
	TenantID string
	Status   Status
	AgentID  string
	Search   string
	From     *time.Time
	To       *time.Time

	Offset int
	Limit  int
}

// Unfiltered reports whether only tenant scoping and paging apply.
func (f ListFilter) Unfiltered() bool {
	return f.Status == "" && f.AgentID == "" && f.Search == "" && f.From == nil && f.To == nil
}

// AgentTotals is the per-agent aggregate used for agent metrics.
type AgentTotals struct {
	AgentID       string
	TotalCalls    int
	SuccessCalls  int
	TotalDuration int
	TotalCost     decimal.Decimal
}
