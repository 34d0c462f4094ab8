package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/payment/domain"
)

var ErrInvalid = errors.New("invalid_signature")

const (
	ReasonVerified        = "verified"
	ReasonMissingHeader   = "missing_header"
	ReasonMissingSecret   = "missing_secret"
	ReasonMalformedHeader = "malformed_header"
	ReasonMismatch        = "signature_mismatch"
	ReasonStaleTimestamp  = "stale_timestamp"
)

// Result is the outcome of a verification attempt.
type Result struct {
	Status domain.HMACResult
	Reason string
}

// Err returns ErrInvalid for results that must halt processing.
func (r Result) Err() error {
	if r.Status == domain.HMACInvalid {
		return ErrInvalid
	}
	return nil
}

// Verifier checks HMAC-SHA256 webhook signatures.
//
// Two header formats are accepted: "ts=<unix>,v1=<hex>[,v1=<hex>...]", signed
// over "<ts>.<body>", and a bare hex digest (optionally "sha256=" prefixed)
// signed over the body alone.
//
// When the signature cannot be evaluated at all (no header, no secret, or an
// unparseable header) and fallback is enabled, the result is fallback_used.
// A digest that was computed and did not match, or a timestamp outside the
// tolerance, is always invalid.
type Verifier struct {
	clock         clock.Clock
	allowFallback bool
	tolerance     time.Duration
}

func New(clk clock.Clock, allowFallback bool, tolerance time.Duration) *Verifier {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Verifier{clock: clk, allowFallback: allowFallback, tolerance: tolerance}
}

func NewVerifier(cfg config.Config, clk clock.Clock) *Verifier {
	return New(clk, cfg.Webhook.AllowFallback, cfg.Webhook.TimestampTolerance)
}

func (v *Verifier) Verify(rawBody []byte, header, secret string) Result {
	header = strings.TrimSpace(header)
	if header == "" {
		return v.inconclusive(ReasonMissingHeader)
	}
	if strings.TrimSpace(secret) == "" {
		return v.inconclusive(ReasonMissingSecret)
	}

	if strings.Contains(header, ",") || strings.HasPrefix(header, "ts=") || strings.HasPrefix(header, "t=") {
		return v.verifyTimestamped(rawBody, header, secret)
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil || len(provided) == 0 {
		return v.inconclusive(ReasonMalformedHeader)
	}
	if !hmac.Equal(provided, compute(secret, rawBody)) {
		return Result{Status: domain.HMACInvalid, Reason: ReasonMismatch}
	}
	return Result{Status: domain.HMACValid, Reason: ReasonVerified}
}

func (v *Verifier) verifyTimestamped(rawBody []byte, header, secret string) Result {
	ts, signatures, ok := parseHeader(header)
	if !ok {
		return v.inconclusive(ReasonMalformedHeader)
	}

	if v.tolerance > 0 {
		age := v.clock.Now().Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > v.tolerance {
			return Result{Status: domain.HMACInvalid, Reason: ReasonStaleTimestamp}
		}
	}

	expected := compute(secret, signedPayload(ts, rawBody))
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return Result{Status: domain.HMACValid, Reason: ReasonVerified}
		}
	}
	return Result{Status: domain.HMACInvalid, Reason: ReasonMismatch}
}

func (v *Verifier) inconclusive(reason string) Result {
	if v.allowFallback {
		return Result{Status: domain.HMACFallbackUsed, Reason: reason}
	}
	return Result{Status: domain.HMACInvalid, Reason: reason}
}

func parseHeader(header string) (int64, [][]byte, bool) {
	var (
		ts         int64
		haveTS     bool
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "ts", "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			ts, haveTS = parsed, true
		case "v1":
			decoded, err := hex.DecodeString(value)
			if err != nil || len(decoded) == 0 {
				return 0, nil, false
			}
			signatures = append(signatures, decoded)
		}
	}
	if !haveTS || len(signatures) == 0 {
		return 0, nil, false
	}
	return ts, signatures, true
}

func signedPayload(ts int64, body []byte) []byte {
	prefix := strconv.FormatInt(ts, 10) + "."
	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix...)
	return append(out, body...)
}

func compute(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

// Sign builds a timestamped header value for body.
func Sign(secret string, body []byte, at time.Time) string {
	ts := at.Unix()
	return "ts=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(compute(secret, signedPayload(ts, body)))
}

// SignBody returns the bare hex digest of body.
func SignBody(secret string, body []byte) string {
	return hex.EncodeToString(compute(secret, body))
}
