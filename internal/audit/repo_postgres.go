package audit

import (
	"context"

	"callboard/pkg/utils"
)

// PostgresRepo appends to webhook_events. It has no update path.
type PostgresRepo struct {
	db utils.Querier
}

func NewPostgresRepo(db utils.Querier) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO webhook_events (id, tenant_hint, event_type, vendor_event_id, vendor_call_id, payload, remote_ip, received_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		utils.NullString(e.TenantHint),
		e.EventType,
		utils.NullString(e.VendorEventID),
		utils.NullString(e.VendorCallID),
		string(e.Payload),
		utils.NullString(e.RemoteIP),
		e.ReceivedAt,
	)
	return err
}
