package service

import (
	"bytes"
	"encoding/json"
	"strings"

	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/smallbiznis/orderpay/internal/webhook/domain"
)

// flexString accepts JSON strings and numbers; processors disagree on how
// they encode ids.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Envelope is the subset of a processor notification the reconciler needs.
type Envelope struct {
	ID                flexString `json:"id"`
	Type              string     `json:"type"`
	Topic             string     `json:"topic"`
	Action            string     `json:"action"`
	PaymentID         flexString `json:"payment_id"`
	Status            string     `json:"status"`
	OrderID           flexString `json:"order_id"`
	ExternalReference flexString `json:"external_reference"`
	Data              struct {
		ID                flexString `json:"id"`
		Status            string     `json:"status"`
		ExternalReference flexString `json:"external_reference"`
	} `json:"data"`
}

var nonPaymentTopics = map[string]struct{}{
	"merchant_order":              {},
	"plan":                        {},
	"subscription":                {},
	"subscription_preapproval":    {},
	"invoice":                     {},
	"point_integration_wh":        {},
	"delivery":                    {},
	"topic_claims_integration_wh": {},
}

// ParseEnvelope decodes a raw notification body.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if len(bytes.TrimSpace(raw)) == 0 {
		return env, domain.ErrMalformedPayload
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, domain.ErrMalformedPayload
	}
	return env, nil
}

func (e Envelope) topic() string {
	topic := strings.ToLower(strings.TrimSpace(e.Type))
	if topic == "" {
		topic = strings.ToLower(strings.TrimSpace(e.Topic))
	}
	if topic == "" {
		if kind, _, ok := strings.Cut(strings.ToLower(strings.TrimSpace(e.Action)), "."); ok {
			topic = kind
		}
	}
	return topic
}

// IsPayment reports whether the notification concerns a payment. Unknown
// topics count as payments as long as they carry a payment id.
func (e Envelope) IsPayment() bool {
	topic := e.topic()
	if topic == "payment" {
		return true
	}
	if _, skip := nonPaymentTopics[topic]; skip {
		return false
	}
	return e.PaymentRef() != ""
}

// PaymentRef returns the external payment id.
func (e Envelope) PaymentRef() string {
	if id := strings.TrimSpace(string(e.Data.ID)); id != "" {
		return id
	}
	if id := strings.TrimSpace(string(e.PaymentID)); id != "" {
		return id
	}
	if e.topic() == "payment" {
		return strings.TrimSpace(string(e.ID))
	}
	return ""
}

// PaymentStatus returns the reported status, or "" when absent or unknown.
func (e Envelope) PaymentStatus() paymentdomain.Status {
	raw := e.Status
	if strings.TrimSpace(raw) == "" {
		raw = e.Data.Status
	}
	status, ok := paymentdomain.ParseStatus(raw)
	if !ok {
		return ""
	}
	return status
}

// OrderRef returns the order id the payment was created for.
func (e Envelope) OrderRef() string {
	for _, ref := range []flexString{e.OrderID, e.ExternalReference, e.Data.ExternalReference} {
		if s := strings.TrimSpace(string(ref)); s != "" {
			return s
		}
	}
	return ""
}

// DeliveryID returns the processor's notification id when it differs from
// the payment id.
func (e Envelope) DeliveryID() string {
	id := strings.TrimSpace(string(e.ID))
	if id == e.PaymentRef() {
		return ""
	}
	return id
}
