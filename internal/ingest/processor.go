package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"callboard/internal/agents"
	"callboard/internal/calls"
	"callboard/internal/observability"
	"callboard/internal/queue"
	"callboard/internal/tenants"
	"callboard/pkg/logger"
)

// ErrNoTenant means no tenant exists to own the event.
var ErrNoTenant = errors.New("ingest: no tenant could be resolved")

// Processor applies one lifecycle event to the call store.
type Processor struct {
	calls           calls.Repository
	agents          agents.Repository
	tenants         tenants.Repository
	defaultTenantID string
	clock           func() time.Time
	tracer          trace.Tracer
}

func NewProcessor(c calls.Repository, a agents.Repository, t tenants.Repository, defaultTenantID string) *Processor {
	return &Processor{
		calls:           c,
		agents:          a,
		tenants:         t,
		defaultTenantID: defaultTenantID,
		clock:           time.Now,
		tracer:          otel.Tracer("callboard/ingest"),
	}
}

// Handle is the queue.Handler entry point. Undecodable tasks fail
// permanently; store errors are returned for retry.
func (p *Processor) Handle(ctx context.Context, t queue.Task) error {
	payload, err := decodeTask(t.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	ev, err := DecodeEnvelope(payload.Envelope)
	if err != nil {
		logger.From(ctx).Warn("discarding undecodable envelope", slog.String("err", err.Error()))
		return queue.Permanent(err)
	}
	return p.Process(ctx, payload.TenantHint, payload.ReceivedAt, ev)
}

// Process resolves ownership for ev and merges it into the call store.
// receivedAt is when the webhook arrived; it stands in for timestamps the
// payload omits so a redelivery applies the same values. A zero receivedAt
// falls back to the processor clock.
func (p *Processor) Process(ctx context.Context, tenantHint string, receivedAt time.Time, ev Event) (err error) {
	call := ev.CallData()
	ctx, span := p.tracer.Start(ctx, "ingest.process", trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind())),
		attribute.String("vendor.call_id", call.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := logger.From(ctx).With(
		slog.String("event_type", string(ev.Kind())),
		slog.String("vendor_call_id", call.ID),
	)
	observability.IngestEvents.WithLabelValues(string(ev.Kind())).Inc()

	if u, ok := ev.(Unrecognized); ok {
		log.Info("ignoring unrecognized event type", slog.String("type", u.Type))
		return nil
	}
	if call.ID == "" {
		log.Warn("discarding event without call id")
		return nil
	}

	if receivedAt.IsZero() {
		receivedAt = p.clock()
	}
	patch, ok := patchFor(ev, receivedAt.UTC())
	if !ok {
		log.Debug("event carries nothing to apply")
		return nil
	}

	owner, err := p.resolve(ctx, log, tenantHint, call)
	if err != nil {
		if errors.Is(err, ErrNoTenant) {
			log.Error("no tenant for event")
			return queue.Permanent(err)
		}
		return err
	}
	patch.VendorCallID = call.ID
	patch.TenantID = owner.tenantID
	patch.AgentID = owner.agentID

	row, err := p.calls.Upsert(ctx, patch)
	if err != nil {
		if errors.Is(err, calls.ErrInvalidPatch) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("upsert call: %w", err)
	}
	if err := p.tenants.MarkSynced(ctx, row.TenantID, p.clock().UTC()); err != nil {
		// The call is stored; the flag only gates the vendor fallback.
		log.Warn("mark tenant synced failed", slog.String("err", err.Error()))
	}

	span.SetAttributes(attribute.String("tenant.id", row.TenantID))
	log.Info("call event applied",
		slog.String("tenant_id", row.TenantID),
		slog.String("status", string(row.Status)),
	)
	return nil
}

type ownership struct {
	tenantID string
	agentID  string
}

func (p *Processor) resolve(ctx context.Context, log *slog.Logger, hint string, call CallData) (ownership, error) {
	var o ownership

	if call.AssistantID != "" {
		a, err := p.agents.FindByVendorID(ctx, call.AssistantID)
		switch {
		case err == nil:
			o.tenantID, o.agentID = a.TenantID, a.ID
			if name := call.AssistantName(); name != "" && name != a.Name {
				if _, err := p.agents.Upsert(ctx, agents.Agent{TenantID: a.TenantID, VendorAgentID: a.VendorAgentID, Name: name}); err != nil {
					return o, fmt.Errorf("refresh agent: %w", err)
				}
			}
			return o, nil
		case errors.Is(err, agents.ErrNotFound):
		default:
			return o, fmt.Errorf("find agent: %w", err)
		}
	}

	tenantID, err := p.resolveTenant(ctx, log, hint)
	if err != nil {
		return o, err
	}
	o.tenantID = tenantID

	if call.AssistantID != "" {
		a, err := p.agents.Upsert(ctx, agents.Agent{
			TenantID:      tenantID,
			VendorAgentID: call.AssistantID,
			Name:          call.AssistantName(),
		})
		if err != nil {
			return o, fmt.Errorf("create agent: %w", err)
		}
		o.agentID = a.ID
	}
	return o, nil
}

// resolveTenant tries the hint, then the configured default, then the
// oldest tenant. Only the last two count as the default strategy.
func (p *Processor) resolveTenant(ctx context.Context, log *slog.Logger, hint string) (string, error) {
	if hint != "" {
		t, err := p.tenants.Get(ctx, hint)
		if err == nil {
			return t.ID, nil
		}
		if !errors.Is(err, tenants.ErrNotFound) {
			return "", fmt.Errorf("lookup tenant hint: %w", err)
		}
		log.Warn("tenant hint does not match a tenant", slog.String("tenant_hint", hint))
	}

	var (
		t   tenants.Tenant
		err error
	)
	if p.defaultTenantID != "" {
		t, err = p.tenants.Get(ctx, p.defaultTenantID)
		if errors.Is(err, tenants.ErrNotFound) {
			log.Warn("configured default tenant does not exist", slog.String("tenant_id", p.defaultTenantID))
			t, err = p.tenants.Oldest(ctx)
		}
	} else {
		t, err = p.tenants.Oldest(ctx)
	}
	if errors.Is(err, tenants.ErrNotFound) {
		return "", ErrNoTenant
	}
	if err != nil {
		return "", fmt.Errorf("resolve default tenant: %w", err)
	}

	observability.IngestDefaultTenant.Inc()
	log.Warn("tenant resolved by default strategy", slog.String("tenant_id", t.ID))
	return t.ID, nil
}

// patchFor maps an event to the fields it carries. Ownership fields are
// filled by the caller. ok is false when there is nothing to apply.
// Missing call timestamps become fill-only defaults at receivedAt.
func patchFor(ev Event, receivedAt time.Time) (patch calls.Patch, ok bool) {
	call := ev.CallData()
	eventAt := ev.OccurredAt()

	switch e := ev.(type) {
	case CallStarted:
		patch = calls.Patch{
			Status:           calls.StatusStarted,
			StartedAt:        call.StartedAt.Ptr(),
			DefaultStartedAt: &receivedAt,
			Metadata:         call.Metadata,
			EventAt:          firstTime(eventAt, call.StartedAt.Ptr(), &receivedAt),
		}

	case CallCompleted:
		cost := decimal.Zero
		if call.Cost != nil {
			cost = *call.Cost
		}
		patch = calls.Patch{
			Status:          calls.StatusCompleted,
			StartedAt:       call.StartedAt.Ptr(),
			EndedAt:         call.EndedAt.Ptr(),
			DefaultEndedAt:  &receivedAt,
			DurationSeconds: call.DurationSeconds(),
			Cost:            &cost,
			Metadata:        call.Metadata,
			EventAt:         firstTime(eventAt, call.EndedAt.Ptr(), &receivedAt),
		}
		if call.RecordingURL != "" {
			u := call.RecordingURL
			patch.RecordingURL = &u
		}
		if call.Transcript != "" {
			tr := string(call.Transcript)
			patch.Transcript = &tr
		}

	case CallFailed:
		reason := string(call.Error)
		if reason == "" {
			reason = "Unknown error"
		}
		meta := make(map[string]any, len(call.Metadata)+1)
		for k, v := range call.Metadata {
			meta[k] = v
		}
		meta["error"] = reason
		patch = calls.Patch{
			Status:         calls.StatusFailed,
			EndedAt:        call.EndedAt.Ptr(),
			DefaultEndedAt: &receivedAt,
			Metadata:       meta,
			EventAt:        firstTime(eventAt, call.EndedAt.Ptr(), &receivedAt),
		}

	case TranscriptUpdate:
		text := e.Text()
		if text == "" {
			return calls.Patch{}, false
		}
		patch = calls.Patch{Transcript: &text, EventAt: firstTime(eventAt, &receivedAt)}

	default:
		return calls.Patch{}, false
	}
	return patch, true
}

func firstTime(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}
