package agents

import (
	"errors"
	"time"
)

// DefaultName is used when the vendor payload carries no assistant name.
const DefaultName = "Unnamed Agent"

// Agent is a tenant's voice assistant as known to the vendor.
// (TenantID, VendorAgentID) is unique.
type Agent struct {
	ID            string    `json:"id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	VendorAgentID string    `json:"vendor_agent_id" db:"vendor_agent_id"`
	Name          string    `json:"name" db:"name"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`

	// Populated only for agents read live from the vendor.
	Model        string `json:"model,omitempty" db:"-"`
	Voice        string `json:"voice,omitempty" db:"-"`
	SystemPrompt string `json:"system_prompt,omitempty" db:"-"`
}

var (
	ErrNotFound     = errors.New("agents: not found")
	ErrInvalidAgent = errors.New("agents: invalid agent")
)
