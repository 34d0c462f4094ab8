package domain

import (
	"time"
)

// EventKind tags the known entries of an order's audit metadata.
type EventKind string

const (
	EventPaymentApplied         EventKind = "payment_applied"
	EventManualConfirmation     EventKind = "manual_confirmation"
	EventHMACFallback           EventKind = "hmac_fallback"
	EventHMACManualVerification EventKind = "hmac_manual_verification"
	EventStatusOverride         EventKind = "status_override"
	EventStockReleased          EventKind = "stock_released"
	EventTransitionIgnored      EventKind = "transition_ignored"
)

// AuditEvent is a typed metadata entry. Fields that do not apply to a kind
// stay empty.
type AuditEvent struct {
	Kind       EventKind `json:"kind"`
	At         time.Time `json:"at"`
	Actor      string    `json:"actor,omitempty"`
	Source     string    `json:"source,omitempty"`
	PaymentID  string    `json:"payment_id,omitempty"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status,omitempty"`
	HMACResult string    `json:"hmac_result,omitempty"`
	Quantity   int64     `json:"quantity,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Note is a free-form operator note.
type Note struct {
	At     time.Time         `json:"at"`
	Actor  string            `json:"actor"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
}

type Metadata struct {
	Events []AuditEvent `json:"events,omitempty"`
	Notes  []Note       `json:"notes,omitempty"`
}

func (m Metadata) With(events ...AuditEvent) Metadata {
	out := Metadata{
		Events: make([]AuditEvent, 0, len(m.Events)+len(events)),
		Notes:  m.Notes,
	}
	out.Events = append(out.Events, m.Events...)
	out.Events = append(out.Events, events...)
	return out
}

func (m Metadata) WithNote(note Note) Metadata {
	out := Metadata{
		Events: m.Events,
		Notes:  make([]Note, 0, len(m.Notes)+1),
	}
	out.Notes = append(out.Notes, m.Notes...)
	out.Notes = append(out.Notes, note)
	return out
}

// Last returns the most recent event of kind.
func (m Metadata) Last(kind EventKind) (AuditEvent, bool) {
	for i := len(m.Events) - 1; i >= 0; i-- {
		if m.Events[i].Kind == kind {
			return m.Events[i], true
		}
	}
	return AuditEvent{}, false
}
