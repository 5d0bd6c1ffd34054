package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"callboard/internal/observability"
	"callboard/pkg/logger"
)

// Repository is the persistence contract for webhook audit events.
// It is append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service writes the raw webhook audit trail.
//
// Audit is internal-only. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.EventType == "" || len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends e; a failure is logged and counted, never returned.
func (s *Service) Record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, e); err != nil {
		observability.WebhookAuditFailures.Inc()
		logger.From(ctx).Warn("webhook audit append failed",
			slog.String("event_type", e.EventType),
			slog.String("vendor_call_id", e.VendorCallID),
			slog.String("err", err.Error()),
		)
	}
}
