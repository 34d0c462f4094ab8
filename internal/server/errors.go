package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/authorization"
	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/idempotency"
	"github.com/smallbiznis/orderpay/internal/inventory"
	orderdomain "github.com/smallbiznis/orderpay/internal/order/domain"
	orderservice "github.com/smallbiznis/orderpay/internal/order/service"
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/smallbiznis/orderpay/internal/payment/signature"
	webhookdomain "github.com/smallbiznis/orderpay/internal/webhook/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		setRetryAfter(c, lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// setRetryAfter advertises when an open breaker will admit a trial call.
func setRetryAfter(c *gin.Context, err error) {
	var open *circuitbreaker.OpenError
	if !errors.As(err, &open) {
		return
	}
	seconds := int(math.Ceil(open.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(err),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, signature.ErrInvalid):
		return http.StatusUnauthorized, errorPayload{
			Type:    "invalid_signature",
			Message: "signature verification failed",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidRole):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, circuitbreaker.ErrBreakerOpen),
		errors.Is(err, paymentdomain.ErrGatewayUnavailable),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same taxonomy the
// response carries.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, orderdomain.ErrInvalidStatus),
		errors.Is(err, orderdomain.ErrEmptyOrder),
		errors.Is(err, orderdomain.ErrInvalidQuantity),
		errors.Is(err, orderdomain.ErrOrderReference),
		errors.Is(err, orderservice.ErrActorRequired),
		errors.Is(err, orderservice.ErrEmptyNote),
		errors.Is(err, idempotency.ErrEmptyKey),
		errors.Is(err, paymentdomain.ErrInvalidStatus),
		errors.Is(err, webhookdomain.ErrInvalidStatus),
		errors.Is(err, webhookdomain.ErrInvalidPageToken),
		errors.Is(err, webhookdomain.ErrMalformedPayload),
		errors.Is(err, webhookdomain.ErrMissingPaymentID),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, inventory.ErrInvalidAdjustment):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, orderdomain.ErrOrderNotFound),
		errors.Is(err, orderdomain.ErrItemNotFound),
		errors.Is(err, paymentdomain.ErrRecordNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, webhookdomain.ErrFailureNotFound),
		errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, orderdomain.ErrInvalidTransition),
		errors.Is(err, orderdomain.ErrReservationLocked),
		errors.Is(err, orderdomain.ErrConcurrentUpdate),
		errors.Is(err, orderdomain.ErrPaymentAlreadyLinked),
		errors.Is(err, webhookdomain.ErrAlreadySucceeded),
		errors.Is(err, webhookdomain.ErrReplayNotPermitted),
		errors.Is(err, webhookdomain.ErrPaymentBusy),
		errors.Is(err, inventory.ErrInsufficientStock):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	var target error
	for _, candidate := range []error{
		ErrInvalidRequest,
		orderdomain.ErrInvalidStatus,
		orderdomain.ErrEmptyOrder,
		orderdomain.ErrInvalidQuantity,
		orderdomain.ErrOrderReference,
		orderservice.ErrActorRequired,
		orderservice.ErrEmptyNote,
		idempotency.ErrEmptyKey,
		paymentdomain.ErrInvalidStatus,
		webhookdomain.ErrInvalidStatus,
		webhookdomain.ErrInvalidPageToken,
		webhookdomain.ErrMalformedPayload,
		webhookdomain.ErrMissingPaymentID,
		auditdomain.ErrInvalidPageToken,
		auditdomain.ErrInvalidTimeRange,
		auditdomain.ErrInvalidAction,
		inventory.ErrInvalidAdjustment,
	} {
		if errors.Is(err, candidate) {
			target = candidate
			break
		}
	}
	if target == nil {
		return "invalid_request"
	}
	return target.Error()
}

func validationErrorField(err error) string {
	switch {
	case errors.Is(err, orderdomain.ErrInvalidStatus),
		errors.Is(err, paymentdomain.ErrInvalidStatus),
		errors.Is(err, webhookdomain.ErrInvalidStatus):
		return "status"
	case errors.Is(err, orderdomain.ErrEmptyOrder):
		return "items"
	case errors.Is(err, orderdomain.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrInvalidAdjustment):
		return "quantity"
	case errors.Is(err, orderdomain.ErrOrderReference):
		return "order_id"
	case errors.Is(err, orderservice.ErrActorRequired):
		return "actor"
	case errors.Is(err, orderservice.ErrEmptyNote):
		return "note"
	case errors.Is(err, idempotency.ErrEmptyKey),
		errors.Is(err, webhookdomain.ErrMissingPaymentID):
		return "payment_id"
	case errors.Is(err, webhookdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidPageToken):
		return "page_token"
	case errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return "start_at"
	case errors.Is(err, auditdomain.ErrInvalidAction):
		return "action"
	case errors.Is(err, webhookdomain.ErrMalformedPayload):
		return "body"
	default:
		return "request"
	}
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case orderdomain.ErrEmptyOrder.Error():
		return "order has no items"
	case orderservice.ErrActorRequired.Error():
		return "operator identity is required"
	case webhookdomain.ErrMalformedPayload.Error():
		return "payload is not a valid webhook envelope"
	default:
		return "invalid value"
	}
}
