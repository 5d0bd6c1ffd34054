package audit

import (
	"encoding/json"
	"time"
)

// Event is an append-only record of a raw inbound webhook delivery.
//
// Invariants:
// - Events are never updated or deleted.
// - Payload is stored exactly as received (after JSON validation).
// - Recording is best-effort; ingestion never fails because of it.
type Event struct {
	ID string `json:"id" db:"id"`

	// TenantHint is the clientId query parameter, if any. It is not trusted
	// for tenancy decisions.
	TenantHint string `json:"tenant_hint,omitempty" db:"tenant_hint"`

	EventType string `json:"event_type" db:"event_type"`

	// VendorEventID is the envelope timestamp in epoch milliseconds. The
	// vendor sends no per-event id, so it is the closest stand-in.
	VendorEventID string `json:"vendor_event_id,omitempty" db:"vendor_event_id"`
	VendorCallID  string `json:"vendor_call_id,omitempty" db:"vendor_call_id"`

	Payload json.RawMessage `json:"payload" db:"payload"`

	// RemoteIP is the resolved client IP (gin's ClientIP).
	RemoteIP string `json:"remote_ip,omitempty" db:"remote_ip"`

	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}
