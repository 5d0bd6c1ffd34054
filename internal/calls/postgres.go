package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"callboard/pkg/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresRepo stores calls in the calls table (see internal/store/schema.sql).
type PostgresRepo struct {
	db    utils.Querier
	clock func() time.Time
}

func NewPostgresRepo(db utils.Querier) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const callColumns = `id, tenant_id, agent_id, vendor_call_id, status, started_at, ended_at,
       duration_seconds, cost, transcript, recording_url, metadata, last_event_at, created_at, updated_at`

// fillSQL keeps pickSQL for an explicit value and otherwise only fills a null
// column from the default parameter.
func fillSQL(col string, explicit, def int) string {
	return fmt.Sprintf(`CASE WHEN $%[2]d::timestamptz IS NULL THEN COALESCE(c.%[1]s, $%[3]d::timestamptz)
                ELSE %[4]s END`, col, explicit, def, pickSQL(col))
}

// newerSQL mirrors Merge's recency test.
const newerSQL = `(EXCLUDED.last_event_at IS NULL OR c.last_event_at IS NULL OR EXCLUDED.last_event_at >= c.last_event_at)`

func pickSQL(col string) string {
	return fmt.Sprintf(`CASE WHEN EXCLUDED.%[1]s IS NULL THEN c.%[1]s
                WHEN c.%[1]s IS NULL OR %[2]s THEN EXCLUDED.%[1]s
                ELSE c.%[1]s END`, col, newerSQL)
}

var upsertSQL = `
INSERT INTO calls AS c (
  id, tenant_id, agent_id, vendor_call_id, status, started_at, ended_at,
  duration_seconds, cost, transcript, recording_url, metadata, last_event_at, created_at, updated_at
) VALUES (
  $1, $2, $3, $4, COALESCE($5::text, 'unknown'), COALESCE($6::timestamptz, $15::timestamptz), COALESCE($7::timestamptz, $16::timestamptz),
  $8, $9, $10, $11, COALESCE($12::jsonb, '{}'::jsonb), $13, $14, $14
)
ON CONFLICT (vendor_call_id) DO UPDATE SET
  agent_id = COALESCE(c.agent_id, EXCLUDED.agent_id),
  status = CASE
    WHEN $5::text IS NULL THEN c.status
    WHEN ` + rankSQL("EXCLUDED.status") + ` > ` + rankSQL("c.status") + ` THEN EXCLUDED.status
    WHEN ` + rankSQL("EXCLUDED.status") + ` = ` + rankSQL("c.status") + ` AND ` + newerSQL + ` THEN EXCLUDED.status
    ELSE c.status END,
  started_at = ` + fillSQL("started_at", 6, 15) + `,
  ended_at = ` + fillSQL("ended_at", 7, 16) + `,
  duration_seconds = ` + pickSQL("duration_seconds") + `,
  cost = ` + pickSQL("cost") + `,
  transcript = ` + pickSQL("transcript") + `,
  recording_url = ` + pickSQL("recording_url") + `,
  metadata = c.metadata || EXCLUDED.metadata,
  last_event_at = GREATEST(c.last_event_at, EXCLUDED.last_event_at),
  updated_at = EXCLUDED.updated_at
RETURNING ` + callColumns

func (r *PostgresRepo) Upsert(ctx context.Context, p Patch) (Call, error) {
	if err := validatePatch(p); err != nil {
		return Call{}, err
	}

	var meta sql.NullString
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return Call{}, fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	var status sql.NullString
	if p.Status != "" {
		status = sql.NullString{String: string(p.Status), Valid: true}
	}
	var dur sql.NullInt64
	if p.DurationSeconds != nil {
		dur = sql.NullInt64{Int64: int64(*p.DurationSeconds), Valid: true}
	}
	var cost decimal.NullDecimal
	if p.Cost != nil {
		cost = decimal.NullDecimal{Decimal: *p.Cost, Valid: true}
	}

	row := r.db.QueryRowContext(ctx, upsertSQL,
		uuid.NewString(),
		p.TenantID,
		utils.NullString(p.AgentID),
		p.VendorCallID,
		status,
		utils.NullTime(p.StartedAt),
		utils.NullTime(p.EndedAt),
		dur,
		cost,
		nullStringPtr(p.Transcript),
		nullStringPtr(p.RecordingURL),
		meta,
		utils.NullTime(p.EventAt),
		r.clock().UTC(),
		utils.NullTime(p.DefaultStartedAt),
		utils.NullTime(p.DefaultEndedAt),
	)
	return scanCall(row)
}

func (r *PostgresRepo) Get(ctx context.Context, tenantID, id string) (Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE tenant_id = $1 AND (id::text = $2 OR vendor_call_id = $2)
LIMIT 1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]Call, int, error) {
	where, args := listWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM calls WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []Call{}, 0, nil
	}

	args = append(args, f.Limit, f.Offset)
	q := fmt.Sprintf(`SELECT %s
FROM calls
WHERE %s
ORDER BY started_at DESC NULLS LAST, created_at DESC, id
LIMIT $%d OFFSET $%d`, callColumns, where, len(args)-1, len(args))

	out, err := r.queryCalls(ctx, q, args...)
	return out, total, err
}

func (r *PostgresRepo) ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE tenant_id = $1 AND COALESCE(started_at, created_at) >= $2 AND COALESCE(started_at, created_at) < $3
ORDER BY COALESCE(started_at, created_at)`
	return r.queryCalls(ctx, q, tenantID, from.UTC(), to.UTC())
}

func (r *PostgresRepo) AgentTotals(ctx context.Context, tenantID string) ([]AgentTotals, error) {
	q := `SELECT agent_id::text,
       count(*),
       count(*) FILTER (WHERE status IN (` + successStatusList + `)),
       COALESCE(sum(duration_seconds), 0),
       COALESCE(sum(cost), 0)
FROM calls
WHERE tenant_id = $1 AND agent_id IS NOT NULL
GROUP BY agent_id`
	rows, err := r.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentTotals
	for rows.Next() {
		var t AgentTotals
		if err := rows.Scan(&t.AgentID, &t.TotalCalls, &t.SuccessCalls, &t.TotalDuration, &t.TotalCost); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func listWhere(f ListFilter) (string, []any) {
	conds := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.AgentID != "" {
		add("agent_id::text = $%d", f.AgentID)
	}
	if f.Search != "" {
		args = append(args, "%"+escapeLike(f.Search)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(transcript ILIKE $%d OR status ILIKE $%d)", n, n))
	}
	if f.From != nil {
		add("COALESCE(started_at, created_at) >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("COALESCE(started_at, created_at) < $%d", f.To.UTC())
	}
	return strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *PostgresRepo) queryCalls(ctx context.Context, q string, args ...any) ([]Call, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c          Call
		agentID    sql.NullString
		startedAt  sql.NullTime
		endedAt    sql.NullTime
		duration   sql.NullInt64
		cost       decimal.NullDecimal
		transcript sql.NullString
		recording  sql.NullString
		metadata   []byte
		lastEvent  sql.NullTime
	)
	if err := row.Scan(
		&c.ID,
		&c.TenantID,
		&agentID,
		&c.VendorCallID,
		&c.Status,
		&startedAt,
		&endedAt,
		&duration,
		&cost,
		&transcript,
		&recording,
		&metadata,
		&lastEvent,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}

	c.AgentID = agentID.String
	c.StartedAt = utils.TimePtr(startedAt)
	c.EndedAt = utils.TimePtr(endedAt)
	c.LastEventAt = utils.TimePtr(lastEvent)
	if duration.Valid {
		d := int(duration.Int64)
		c.DurationSeconds = &d
	}
	if cost.Valid {
		v := cost.Decimal
		c.Cost = &v
	}
	c.Transcript = transcript.String
	c.RecordingURL = recording.String
	c.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return Call{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return utils.NullString(*s)
}
