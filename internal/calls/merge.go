package calls

import "time"

// Merge applies p to existing (nil on first sight) and returns the resulting row.
// It is the in-process definition of the upsert; PostgresRepo.Upsert encodes the
// same rules in SQL.
//
// Rules:
//   - status moves only to an equal or higher Rank; equal ranks follow recency.
//   - a carried scalar replaces the stored one when the stored one is unset,
//     or when the event is not older than LastEventAt. Events without a time
//     are treated as newest.
//   - DefaultStartedAt/DefaultEndedAt apply only when nothing is stored.
//   - metadata keys merge, incoming keys win.
//   - tenant never changes; agent is only filled in.
func Merge(existing *Call, p Patch, now time.Time) Call {
	now = now.UTC()
	if existing == nil {
		c := Call{
			TenantID:        p.TenantID,
			AgentID:         p.AgentID,
			VendorCallID:    p.VendorCallID,
			Status:          StatusUnknown,
			StartedAt:       utcPtr(orDefault(p.StartedAt, p.DefaultStartedAt)),
			EndedAt:         utcPtr(orDefault(p.EndedAt, p.DefaultEndedAt)),
			DurationSeconds: p.DurationSeconds,
			Cost:            p.Cost,
			Metadata:        mergeMetadata(nil, p.Metadata),
			LastEventAt:     utcPtr(p.EventAt),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if p.Status != "" {
			c.Status = p.Status
		}
		if p.Transcript != nil {
			c.Transcript = *p.Transcript
		}
		if p.RecordingURL != nil {
			c.RecordingURL = *p.RecordingURL
		}
		return c
	}

	c := *existing
	newer := p.EventAt == nil || c.LastEventAt == nil || !p.EventAt.Before(*c.LastEventAt)

	if c.AgentID == "" {
		c.AgentID = p.AgentID
	}
	if p.Status != "" {
		nr, or := p.Status.Rank(), c.Status.Rank()
		if nr > or || (nr == or && newer) {
			c.Status = p.Status
		}
	}
	c.StartedAt = pickTime(c.StartedAt, p.StartedAt, newer)
	if c.StartedAt == nil {
		c.StartedAt = utcPtr(p.DefaultStartedAt)
	}
	c.EndedAt = pickTime(c.EndedAt, p.EndedAt, newer)
	if c.EndedAt == nil {
		c.EndedAt = utcPtr(p.DefaultEndedAt)
	}
	if p.DurationSeconds != nil && (c.DurationSeconds == nil || newer) {
		c.DurationSeconds = p.DurationSeconds
	}
	if p.Cost != nil && (c.Cost == nil || newer) {
		v := *p.Cost
		c.Cost = &v
	}
	if p.Transcript != nil && *p.Transcript != "" && (c.Transcript == "" || newer) {
		c.Transcript = *p.Transcript
	}
	if p.RecordingURL != nil && *p.RecordingURL != "" && (c.RecordingURL == "" || newer) {
		c.RecordingURL = *p.RecordingURL
	}
	c.Metadata = mergeMetadata(c.Metadata, p.Metadata)
	if p.EventAt != nil && (c.LastEventAt == nil || p.EventAt.After(*c.LastEventAt)) {
		c.LastEventAt = utcPtr(p.EventAt)
	}
	c.UpdatedAt = now
	return c
}

func pickTime(cur, next *time.Time, newer bool) *time.Time {
	if next == nil {
		return cur
	}
	if cur == nil || newer {
		return utcPtr(next)
	}
	return cur
}

func orDefault(t, def *time.Time) *time.Time {
	if t != nil {
		return t
	}
	return def
}

func mergeMetadata(cur, next map[string]any) map[string]any {
	out := make(map[string]any, len(cur)+len(next))
	for k, v := range cur {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
