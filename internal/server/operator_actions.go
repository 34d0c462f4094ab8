package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/orderpay/internal/order/domain"
	orderservice "github.com/smallbiznis/orderpay/internal/order/service"
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/smallbiznis/orderpay/pkg/db/pagination"
)

type confirmPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

// ConfirmPayment marks an order paid on the operator's word. It shares the
// webhook's idempotency key, so a late approval becomes a duplicate.
func (s *Server) ConfirmPayment(c *gin.Context) {
	orderID, err := pathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	actor, _ := operatorFromContext(c)

	result, err := s.reconciler.ConfirmPaymentManually(c.Request.Context(), orderservice.ManualConfirmation{
		OrderID:   orderID,
		PaymentID: strings.TrimSpace(req.PaymentID),
		Actor:     actor.ID,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

type verifyHMACRequest struct {
	Approve *bool  `json:"approve"`
	Reason  string `json:"reason"`
}

// VerifyPaymentHMAC resolves a payment accepted on fallback verification.
func (s *Server) VerifyPaymentHMAC(c *gin.Context) {
	paymentID := strings.TrimSpace(c.Param("id"))
	var req verifyHMACRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Approve == nil {
		AbortWithError(c, newValidationError("approve", "required", "approve is required"))
		return
	}
	actor, _ := operatorFromContext(c)

	record, err := s.reconciler.VerifyHMACManually(c.Request.Context(), orderservice.HMACVerification{
		PaymentID: paymentID,
		Actor:     actor.ID,
		Approve:   *req.Approve,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

type transitionOrderRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// TransitionOrder moves an order through the same table the reconciler
// follows. Moves outside it are refused with a conflict.
func (s *Server) TransitionOrder(c *gin.Context) {
	orderID, err := pathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req transitionOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	actor, _ := operatorFromContext(c)

	result, err := s.reconciler.TransitionManually(c.Request.Context(), orderservice.ManualTransition{
		OrderID: orderID,
		To:      orderdomain.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		Actor:   actor.ID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

type addNoteRequest struct {
	Note   string            `json:"note"`
	Fields map[string]string `json:"fields"`
}

func (s *Server) AddOrderNote(c *gin.Context) {
	orderID, err := pathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req addNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	actor, _ := operatorFromContext(c)

	order, err := s.reconciler.AddOperatorNote(c.Request.Context(), orderID, actor.ID, req.Note, req.Fields)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

// ListReviewQueue pages through payments still awaiting manual signature
// verification, newest first.
func (s *Server) ListReviewQueue(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := paymentdomain.ReviewFilter{Limit: pagination.Clamp(query.PageSize, 50, 250)}
	key, err := pagination.ParseKeyset(query.PageToken)
	if err != nil {
		AbortWithError(c, newValidationError("page_token", "invalid_page_token", "invalid page_token"))
		return
	}
	if key != nil {
		filter.Cursor = &paymentdomain.ReviewCursor{ID: key.ID, CreatedAt: key.CreatedAt}
	}

	items, err := s.reconciler.ListReviewQueue(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, pageInfo, err := pagination.BuildPageInfo(items, filter.Limit, func(item paymentdomain.Record) pagination.Cursor {
		return pagination.At(item.ID, item.CreatedAt)
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []paymentdomain.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": pageInfo})
}
