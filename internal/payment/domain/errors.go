package domain

import "errors"

var (
	ErrPaymentNotFound    = errors.New("payment_not_found")
	ErrRecordNotFound     = errors.New("payment_record_not_found")
	ErrInvalidStatus      = errors.New("invalid_payment_status")
	ErrGatewayUnavailable = errors.New("payment_gateway_unavailable")
	ErrGatewayResponse    = errors.New("invalid_gateway_response")
	ErrNoGateway          = errors.New("payment_gateway_not_configured")
)
