package agents

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"callboard/pkg/utils"

	"github.com/google/uuid"
)

type Repository interface {
	// FindByVendorID looks an agent up across tenants; the oldest match wins.
	FindByVendorID(ctx context.Context, vendorAgentID string) (Agent, error)

	// Upsert creates the agent or refreshes its name. A default name never
	// replaces a real one.
	Upsert(ctx context.Context, a Agent) (Agent, error)

	List(ctx context.Context, tenantID string) ([]Agent, error)
}

func normalize(a Agent) (Agent, error) {
	a.TenantID = strings.TrimSpace(a.TenantID)
	a.VendorAgentID = strings.TrimSpace(a.VendorAgentID)
	a.Name = strings.TrimSpace(a.Name)
	if a.TenantID == "" || a.VendorAgentID == "" {
		return Agent{}, ErrInvalidAgent
	}
	if a.Name == "" {
		a.Name = DefaultName
	}
	return a, nil
}

type PostgresRepo struct {
	db    utils.Querier
	clock func() time.Time
}

func NewPostgresRepo(db utils.Querier) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const agentColumns = `id, tenant_id, vendor_agent_id, name, created_at, updated_at`

func (r *PostgresRepo) FindByVendorID(ctx context.Context, vendorAgentID string) (Agent, error) {
	const q = `SELECT ` + agentColumns + `
FROM agents
WHERE vendor_agent_id = $1
ORDER BY created_at
LIMIT 1`
	a, err := scanAgent(r.db.QueryRowContext(ctx, q, vendorAgentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	return a, err
}

func (r *PostgresRepo) Upsert(ctx context.Context, a Agent) (Agent, error) {
	a, err := normalize(a)
	if err != nil {
		return Agent{}, err
	}
	const q = `
INSERT INTO agents (id, tenant_id, vendor_agent_id, name, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (tenant_id, vendor_agent_id)
DO UPDATE SET name = CASE WHEN EXCLUDED.name = $6 THEN agents.name ELSE EXCLUDED.name END,
              updated_at = EXCLUDED.updated_at
RETURNING ` + agentColumns
	return scanAgent(r.db.QueryRowContext(ctx, q, uuid.NewString(), a.TenantID, a.VendorAgentID, a.Name, r.clock().UTC(), DefaultName))
}

func (r *PostgresRepo) List(ctx context.Context, tenantID string) ([]Agent, error) {
	const q = `SELECT ` + agentColumns + `
FROM agents
WHERE tenant_id = $1
ORDER BY name, created_at`
	rows, err := r.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.TenantID, &a.VendorAgentID, &a.Name, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Agent{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}
