package ledger

import (
	"github.com/gin-gonic/gin"
	"github.com/marketsim/paper-exchange/internal/auth"
	"github.com/marketsim/paper-exchange/pkg/response"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PriceSource answers current-price lookups for portfolio valuation
type PriceSource interface {
	GetCurrentPrice(assetID string) (decimal.Decimal, error)
}

// Service is the position and balance ledger. Position records carry
// weighted-average cost; balance records carry cash, reservations for
// pending buys, and realized/unrealized P&L.
//
// Mutating methods take a *gorm.DB so callers can run them inside a fill
// transaction together with the trade and order writes.
type Service struct {
	db     *Database
	gormDB *gorm.DB
	prices PriceSource
}

// NewService creates a new ledger service with the given database connection
// and price source
func NewService(gormDB *gorm.DB, prices PriceSource) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		gormDB: gormDB,
		prices: prices,
	}
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for portfolio endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
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

// ListPositionsHandler handles GET requests for a portfolio's open positions
// Requires a valid JWT token
// URL parameter: portfolio_id
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requestUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		portfolioID := c.Param("portfolio_id")
		if portfolioID == "" {
			response.BadRequest(c, "Portfolio ID is required")
			return
		}

		positions, err := h.service.PortfolioPositions(userID, portfolioID)
		response.Handle(c, positions, err)
	}
}

// GetBalanceHandler handles GET requests for a portfolio's balance summary
// Requires a valid JWT token
// URL parameter: portfolio_id
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requestUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		portfolioID := c.Param("portfolio_id")
		if portfolioID == "" {
			response.BadRequest(c, "Portfolio ID is required")
			return
		}

		balance, err := h.service.BalanceSummary(userID, portfolioID)
		response.Handle(c, balance, err)
	}
}

// GetAnalyticsHandler handles GET requests for portfolio concentration and
// diversification analytics
// Requires a valid JWT token
// URL parameter: portfolio_id
func (h *GinHandlers) GetAnalyticsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requestUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		portfolioID := c.Param("portfolio_id")
		if portfolioID == "" {
			response.BadRequest(c, "Portfolio ID is required")
			return
		}

		analytics, err := h.service.PortfolioAnalytics(userID, portfolioID)
		response.Handle(c, analytics, err)
	}
}

// DepositRequest funds a balance so a user can start trading
type DepositRequest struct {
	UserID      string          `json:"user_id" binding:"required"`
	PortfolioID string          `json:"portfolio_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
}

// DepositHandler handles POST requests to fund a balance
// Requires internal authentication
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Amount.LessThanOrEqual(decimal.Zero) {
			response.BadRequest(c, "Deposit amount must be positive")
			return
		}

		balance, err := h.service.Deposit(req.UserID, req.PortfolioID, req.Amount)
		response.Handle(c, balance, err)
	}
}
