package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the webhook event discriminator.
type Kind string

const (
	KindCallStarted   Kind = "call.started"
	KindCallCompleted Kind = "call.completed"
	KindCallFailed    Kind = "call.failed"
	KindTranscript    Kind = "transcript"
	KindUnrecognized  Kind = "unrecognized"
)

var (
	ErrMissingType  = errors.New("ingest: envelope type is required")
	ErrInvalidJSON  = errors.New("ingest: body is not a JSON object")
	ErrCallNotAnObj = errors.New("ingest: call must be an object")
)

// Event is one decoded lifecycle event. The concrete type is one of
// CallStarted, CallCompleted, CallFailed, TranscriptUpdate or Unrecognized.
type Event interface {
	Kind() Kind
	// CallData returns the call object the event refers to.
	CallData() CallData
	// OccurredAt is the envelope timestamp, when present.
	OccurredAt() *time.Time
}

type base struct {
	Call      CallData
	Timestamp *time.Time
}

func (b base) CallData() CallData     { return b.Call }
func (b base) OccurredAt() *time.Time { return b.Timestamp }

type CallStarted struct{ base }
type CallCompleted struct{ base }
type CallFailed struct{ base }

// TranscriptUpdate carries the envelope-level transcript, which takes
// precedence over call.transcript.
type TranscriptUpdate struct {
	base
	Transcript string
}

// Unrecognized is any other event type. It is acknowledged and ignored.
type Unrecognized struct {
	base
	Type string
}

func (CallStarted) Kind() Kind      { return KindCallStarted }
func (CallCompleted) Kind() Kind    { return KindCallCompleted }
func (CallFailed) Kind() Kind       { return KindCallFailed }
func (TranscriptUpdate) Kind() Kind { return KindTranscript }
func (Unrecognized) Kind() Kind     { return KindUnrecognized }

// Text returns the transcript to store for this update.
func (t TranscriptUpdate) Text() string {
	if t.Transcript != "" {
		return t.Transcript
	}
	return string(t.Call.Transcript)
}

// CallData is the vendor call object. Only the fields below are read;
// everything else in the payload is ignored.
type CallData struct {
	ID           string           `json:"id"`
	AssistantID  string           `json:"assistantId"`
	Assistant    *AssistantData   `json:"assistant"`
	Status       string           `json:"status"`
	Cost         *decimal.Decimal `json:"cost"`
	Duration     *float64         `json:"duration"`
	StartedAt    *Timestamp       `json:"startedAt"`
	EndedAt      *Timestamp       `json:"endedAt"`
	Transcript   Transcript       `json:"transcript"`
	RecordingURL string           `json:"recordingUrl"`
	Metadata     map[string]any   `json:"metadata"`
	Error        ErrorText        `json:"error"`
}

type AssistantData struct {
	Name string `json:"name"`
}

// AssistantName returns the embedded assistant name, or "".
func (c CallData) AssistantName() string {
	if c.Assistant == nil {
		return ""
	}
	return strings.TrimSpace(c.Assistant.Name)
}

// DurationSeconds returns call.duration rounded to whole seconds, or
// endedAt-startedAt when duration is absent and both ends are known.
func (c CallData) DurationSeconds() *int {
	if c.Duration != nil && *c.Duration >= 0 {
		d := int(math.Round(*c.Duration))
		return &d
	}
	if c.StartedAt != nil && c.EndedAt != nil {
		diff := c.EndedAt.Time().Sub(c.StartedAt.Time())
		if diff >= 0 {
			d := int(math.Round(diff.Seconds()))
			return &d
		}
	}
	return nil
}

// Timestamp accepts RFC3339 strings or epoch milliseconds.
type Timestamp time.Time

func (t Timestamp) Time() time.Time { return time.Time(t).UTC() }

// Ptr returns the UTC time as a pointer; nil receivers yield nil.
func (t *Timestamp) Ptr() *time.Time {
	if t == nil {
		return nil
	}
	v := t.Time()
	return &v
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		*t = Timestamp(v.UTC())
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil {
			return fmt.Errorf("invalid timestamp %s", b)
		}
		ms = int64(f)
	}
	*t = Timestamp(time.UnixMilli(ms).UTC())
	return nil
}

// Transcript is plain text, or a list of speaker turns flattened to
// "role: text" lines.
type Transcript string

type turn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
	Text    string `json:"text"`
}

func (t *Transcript) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Transcript(s)
		return nil
	case '[':
		var turns []turn
		if err := json.Unmarshal(b, &turns); err != nil {
			return fmt.Errorf("invalid transcript turns: %w", err)
		}
		lines := make([]string, 0, len(turns))
		for _, tr := range turns {
			text := tr.Message
			if text == "" {
				text = tr.Text
			}
			if text == "" {
				continue
			}
			if tr.Role != "" {
				text = tr.Role + ": " + text
			}
			lines = append(lines, text)
		}
		*t = Transcript(strings.Join(lines, "\n"))
		return nil
	default:
		return fmt.Errorf("transcript must be a string or a list of turns")
	}
}

// ErrorText accepts call.error as a string or an object with a message.
type ErrorText string

func (e *ErrorText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = ErrorText(s)
		return nil
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &obj); err == nil && obj.Message != "" {
		*e = ErrorText(obj.Message)
		return nil
	}
	*e = ErrorText(string(b))
	return nil
}

type wireEnvelope struct {
	Type       string          `json:"type"`
	Call       json.RawMessage `json:"call"`
	Transcript json.RawMessage `json:"transcript"`
	Timestamp  *Timestamp      `json:"timestamp"`
	Message    json.RawMessage `json:"message"`
}

// DecodeEnvelope decodes a webhook body into a tagged Event. The envelope
// may sit at top level or under "message". It fails closed: a missing
// type, a non-object call, or a field of the wrong shape is an error.
func DecodeEnvelope(raw []byte) (Event, error) {
	return decodeEnvelope(raw, true)
}

func decodeEnvelope(raw []byte, allowNested bool) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrInvalidJSON
	}
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if w.Type == "" && allowNested && isObject(w.Message) {
		return decodeEnvelope(w.Message, false)
	}
	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return nil, ErrMissingType
	}

	var call CallData
	if len(w.Call) > 0 && !bytes.Equal(bytes.TrimSpace(w.Call), []byte("null")) {
		if !isObject(w.Call) {
			return nil, ErrCallNotAnObj
		}
		if err := json.Unmarshal(w.Call, &call); err != nil {
			return nil, fmt.Errorf("ingest: decode call: %w", err)
		}
	}
	call.ID = strings.TrimSpace(call.ID)
	call.AssistantID = strings.TrimSpace(call.AssistantID)

	b := base{Call: call, Timestamp: w.Timestamp.Ptr()}
	switch Kind(typ) {
	case KindCallStarted:
		return CallStarted{b}, nil
	case KindCallCompleted:
		return CallCompleted{b}, nil
	case KindCallFailed:
		return CallFailed{b}, nil
	case KindTranscript:
		var tr Transcript
		if len(w.Transcript) > 0 {
			if err := json.Unmarshal(w.Transcript, &tr); err != nil {
				return nil, fmt.Errorf("ingest: decode transcript: %w", err)
			}
		}
		return TranscriptUpdate{base: b, Transcript: string(tr)}, nil
	default:
		return Unrecognized{base: b, Type: typ}, nil
	}
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
