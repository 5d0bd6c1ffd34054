package calls

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func completedPatch() Patch {
	return Patch{
		VendorCallID:    "c1",
		TenantID:        "t1",
		Status:          StatusCompleted,
		EndedAt:         ptr(t0.Add(2 * time.Minute)),
		DurationSeconds: ptr(120),
		Cost:            ptr(decimal.RequireFromString("0.5")),
		Transcript:      ptr("agent: hi"),
	}
}

func TestMerge_InsertDefaults(t *testing.T) {
	c := Merge(nil, Patch{VendorCallID: "c1", TenantID: "t1"}, t0)
	assert.Equal(t, StatusUnknown, c.Status)
	assert.NotNil(t, c.Metadata)
	assert.Nil(t, c.DurationSeconds)
	assert.Equal(t, t0, c.CreatedAt)
}

func TestMerge_ReplayIsIdempotent(t *testing.T) {
	started := Merge(nil, Patch{VendorCallID: "c1", TenantID: "t1", Status: StatusStarted, StartedAt: ptr(t0)}, t0)
	once := Merge(&started, completedPatch(), t0)
	twice := Merge(&once, completedPatch(), t0)
	assert.Equal(t, once, twice)
}

func TestMerge_TranscriptKeepsOtherFields(t *testing.T) {
	done := Merge(nil, completedPatch(), t0)
	after := Merge(&done, Patch{VendorCallID: "c1", TenantID: "t1", Transcript: ptr("user: bye")}, t0)

	assert.Equal(t, StatusCompleted, after.Status)
	require.NotNil(t, after.DurationSeconds)
	assert.Equal(t, 120, *after.DurationSeconds)
	assert.True(t, after.Spend().Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, "user: bye", after.Transcript)
}

func TestMerge_TerminalStatusNeverRegresses(t *testing.T) {
	done := Merge(nil, completedPatch(), t0)
	late := Merge(&done, Patch{VendorCallID: "c1", TenantID: "t1", Status: StatusStarted, StartedAt: ptr(t0)}, t0)
	assert.Equal(t, StatusCompleted, late.Status)
	// the start time is still learned
	require.NotNil(t, late.StartedAt)
	assert.Equal(t, t0, *late.StartedAt)
}

func TestMerge_OlderEventDoesNotOverwriteNewerValues(t *testing.T) {
	newer := completedPatch()
	newer.EventAt = ptr(t0.Add(3 * time.Minute))
	c := Merge(nil, newer, t0)

	stale := Patch{VendorCallID: "c1", TenantID: "t1", Transcript: ptr("stale"), RecordingURL: ptr("https://r/1"), EventAt: ptr(t0.Add(time.Minute))}
	c = Merge(&c, stale, t0)

	assert.Equal(t, "agent: hi", c.Transcript, "stale event must not replace a set field")
	assert.Equal(t, "https://r/1", c.RecordingURL, "stale event may fill an unset field")
	assert.Equal(t, t0.Add(3*time.Minute), *c.LastEventAt)
}

func TestMerge_FailedMergesMetadata(t *testing.T) {
	c := Merge(nil, Patch{VendorCallID: "c1", TenantID: "t1", Status: StatusStarted, Metadata: map[string]any{"campaign": "x"}}, t0)
	c = Merge(&c, Patch{VendorCallID: "c1", TenantID: "t1", Status: StatusFailed, Metadata: map[string]any{"error": "busy"}}, t0)

	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, map[string]any{"campaign": "x", "error": "busy"}, c.Metadata)
}

func TestMerge_TenantFixedAgentFilled(t *testing.T) {
	c := Merge(nil, Patch{VendorCallID: "c1", TenantID: "t1"}, t0)
	c = Merge(&c, Patch{VendorCallID: "c1", TenantID: "t2", AgentID: "a1"}, t0)
	c = Merge(&c, Patch{VendorCallID: "c1", TenantID: "t2", AgentID: "a2"}, t0)
	assert.Equal(t, "t1", c.TenantID)
	assert.Equal(t, "a1", c.AgentID)
}

func TestMerge_DefaultTimesOnlyFillNulls(t *testing.T) {
	late := t0.Add(time.Hour)
	c := Merge(nil, Patch{VendorCallID: "c1", TenantID: "t1", Status: StatusCompleted, DefaultEndedAt: ptr(t0.Add(time.Minute)), EventAt: ptr(t0.Add(time.Minute))}, t0)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, t0.Add(time.Minute), *c.EndedAt)
	assert.Nil(t, c.StartedAt)

	c = Merge(&c, Patch{Status: StatusStarted, DefaultStartedAt: ptr(late), DefaultEndedAt: ptr(late), EventAt: ptr(late)}, late)
	require.NotNil(t, c.StartedAt)
	assert.Equal(t, late, *c.StartedAt, "null start is filled")
	assert.Equal(t, t0.Add(time.Minute), *c.EndedAt, "stored end is kept")
	assert.Equal(t, StatusCompleted, c.Status)

	c = Merge(&c, Patch{StartedAt: ptr(t0), EventAt: ptr(late)}, late)
	assert.Equal(t, t0, *c.StartedAt, "explicit value still replaces")
}

func TestStatusRank(t *testing.T) {
	assert.Equal(t, 0, StatusUnknown.Rank())
	assert.Equal(t, 1, StatusStarted.Rank())
	assert.Equal(t, 1, Status("in-progress").Rank())
	assert.Equal(t, 2, StatusEnded.Rank())
	assert.True(t, StatusSuccess.IsSuccess())
	assert.False(t, StatusFailed.IsSuccess())
	assert.Equal(t, StatusUnknown, NormalizeStatus("  "))
	assert.Equal(t, StatusCompleted, NormalizeStatus("Completed"))
}

func TestUpsertSQL_UsesConflictTarget(t *testing.T) {
	assert.Contains(t, upsertSQL, "ON CONFLICT (vendor_call_id) DO UPDATE")
	assert.Contains(t, upsertSQL, "metadata = c.metadata || EXCLUDED.metadata")
	assert.Contains(t, upsertSQL, "COALESCE(c.started_at, $15::timestamptz)")
	assert.Contains(t, upsertSQL, "COALESCE(c.ended_at, $16::timestamptz)")
	assert.Contains(t, rankSQL("x"), "'completed','failed','ended','success'")
}

func TestListWhere(t *testing.T) {
	from := t0
	where, args := listWhere(ListFilter{TenantID: "t1", Status: StatusFailed, Search: "50%", From: &from})
	assert.Equal(t, "tenant_id = $1 AND status = $2 AND (transcript ILIKE $3 OR status ILIKE $3) AND COALESCE(started_at, created_at) >= $4", where)
	require.Len(t, args, 4)
	assert.Equal(t, `%50\%%`, args[2])
}
