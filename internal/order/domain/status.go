package domain

import (
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusReturned   Status = "returned"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusPaid, StatusRejected, StatusCancelled},
	StatusPaid:       {StatusShipped, StatusFailed, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusReturned, StatusCancelled},
	StatusProcessing: {StatusCancelled},
	StatusFailed:     {StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCancelled,
		StatusRejected, StatusProcessing, StatusFailed, StatusReturned:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRejected, StatusReturned:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the order table allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReleasesStock reports whether entering s returns reserved stock.
func (s Status) ReleasesStock() bool {
	return s == StatusCancelled || s == StatusRejected
}

// TargetForPayment maps a payment status to the order status it drives.
// ok is false for statuses that leave the order where it is.
func TargetForPayment(status paymentdomain.Status) (Status, bool) {
	switch status {
	case paymentdomain.StatusApproved:
		return StatusPaid, true
	case paymentdomain.StatusRejected:
		return StatusRejected, true
	case paymentdomain.StatusCancelled, paymentdomain.StatusRefunded, paymentdomain.StatusChargedBack:
		return StatusCancelled, true
	default:
		return "", false
	}
}
