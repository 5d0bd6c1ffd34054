package ingest

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"callboard/internal/apperr"
	"callboard/internal/audit"
	"callboard/internal/queue"
	"callboard/pkg/logger"
)

const (
	// HeaderVendorSecret carries the shared webhook secret.
	HeaderVendorSecret = "X-Vendor-Secret"

	maxBodyBytes = 1 << 20
)

// WebhookHandler authenticates and validates vendor webhooks, records them in
// the audit log and hands them to the durable queue. It never touches the
// call store.
type WebhookHandler struct {
	Secret string
	Audit  *audit.Service
	Queue  queue.Queue

	// Wake is optional; workers poll regardless.
	Wake queue.Notifier

	Now func() time.Time
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Queue == nil || h.Secret == "" {
		apperr.Abort(c, apperr.New(apperr.KindInternal, "webhook receiver not configured"))
		return
	}

	got := c.GetHeader(HeaderVendorSecret)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
		log.Warn("webhook rejected: bad secret", "remote_ip", c.ClientIP())
		apperr.Abort(c, apperr.Authentication("unauthorized"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			apperr.Abort(c, apperr.Validation("payload too large"))
			return
		}
		apperr.Abort(c, apperr.Validation("could not read body"))
		return
	}

	ev, err := DecodeEnvelope(body)
	if err != nil {
		log.Warn("webhook rejected: malformed envelope", "err", err)
		apperr.Abort(c, apperr.Validation(validationMessage(err)))
		return
	}

	now := h.Now().UTC()
	hint := c.Query("clientId")
	eventType := string(ev.Kind())
	if u, ok := ev.(Unrecognized); ok {
		eventType = u.Type
	}

	h.Audit.Record(ctx, audit.Event{
		TenantHint:    hint,
		EventType:     eventType,
		VendorEventID: eventID(ev),
		VendorCallID:  ev.CallData().ID,
		Payload:       body,
		RemoteIP:      c.ClientIP(),
		ReceivedAt:    now,
	})

	payload, err := encodeTask(TaskPayload{TenantHint: hint, ReceivedAt: now, Envelope: body})
	if err != nil {
		apperr.Abort(c, apperr.Wrap(apperr.KindInternal, "encode task", err))
		return
	}
	taskID, err := h.Queue.Enqueue(ctx, payload)
	if err != nil {
		apperr.Abort(c, apperr.Persistence("enqueue webhook", err))
		return
	}

	if h.Wake != nil {
		if err := h.Wake.Notify(ctx); err != nil {
			log.Debug("wake notify failed", "err", err)
		}
	}

	log.Info("webhook accepted", "task_id", taskID, "event_type", eventType, "vendor_call_id", ev.CallData().ID)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingType):
		return "envelope type is required"
	case errors.Is(err, ErrCallNotAnObj):
		return "call must be an object"
	case errors.Is(err, ErrInvalidJSON):
		return "invalid json"
	default:
		return "invalid payload"
	}
}

// eventID is the envelope timestamp in epoch milliseconds, or empty.
func eventID(ev Event) string {
	ts := ev.OccurredAt()
	if ts == nil {
		return ""
	}
	return strconv.FormatInt(ts.UnixMilli(), 10)
}
