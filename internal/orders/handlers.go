package orders

import (
	"github.com/gin-gonic/gin"
	"github.com/marketsim/paper-exchange/internal/auth"
	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/marketsim/paper-exchange/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type placeOrderBody struct {
	PortfolioID string          `json:"portfolio_id" binding:"required"`
	AssetID     string          `json:"asset_id" binding:"required"`
	Side        string          `json:"side" binding:"required"`
	OrderType   string          `json:"order_type" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
}

// requestUserID resolves the authenticated user from the request context
func requestUserID(c *gin.Context) string {
	claims, exists := c.Get("claims")
	if !exists {
		return c.GetString("userID")
	}
	if userID := auth.GetUserID(claims); userID != "" {
		return userID
	}
	return c.GetString("userID")
}

// PlaceOrderHandler handles POST requests to place new orders
// Requires a valid JWT token and idempotency key in headers
// Request body should contain the order details
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		userID := requestUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		var body placeOrderBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.PlaceOrder(PlaceOrderRequest{
			UserID:      userID,
			PortfolioID: body.PortfolioID,
			AssetID:     body.AssetID,
			Side:        types.OrderSide(body.Side),
			OrderType:   types.OrderType(body.OrderType),
			Quantity:    body.Quantity,
			LimitPrice:  body.LimitPrice,
		}, idempotencyKey)

		response.Handle(c, result, err)
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status
// Requires a valid JWT token
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requestUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID, userID)
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel open orders
// Requires a valid JWT token
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requestUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.CancelOrder(orderID, userID)
		response.Handle(c, order, err)
	}
}
