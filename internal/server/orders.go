package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orderservice "github.com/smallbiznis/orderpay/internal/order/service"
)

// CreateOrder is the checkout collaborator entry point: it creates a
// pending order and reserves stock for every line, or nothing at all.
func (s *Server) CreateOrder(c *gin.Context) {
	var req orderservice.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := s.reconciler.CreatePendingOrder(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": order})
}

func (s *Server) GetOrder(c *gin.Context) {
	orderID, err := pathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	order, err := s.reconciler.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

type amendItemRequest struct {
	Quantity int64  `json:"quantity"`
	Actor    string `json:"actor"`
}

// AmendOrderItem changes a line's reserved quantity while the order is
// still pending.
func (s *Server) AmendOrderItem(c *gin.Context) {
	orderID, err := pathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	itemID, err := pathSnowflakeID(c, "itemId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req amendItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "checkout"
	}

	order, err := s.reconciler.AmendItemQuantity(c.Request.Context(), orderID, itemID, req.Quantity, actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

// pathSnowflakeID reads a non-zero snowflake id from a route parameter.
func pathSnowflakeID(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id == 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}
