package notifications

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	EventTradeExecuted = "TRADE_EXECUTED"
	EventOrderRejected = "ORDER_REJECTED"
)

// Service records fill and rejection events for users. Delivery is
// fire-and-forget: failures are logged and swallowed so trade outcomes
// never depend on notification delivery.
type Service struct {
	db *gorm.DB
}

// NewService creates a new notification service with the given database
// connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: gormDB}
}

// TradeExecuted records a fill event for the user
func (s *Service) TradeExecuted(userID string, trade *types.Trade) {
	s.emit(userID, EventTradeExecuted, trade)
}

// OrderRejected records a rejection event for the user
func (s *Service) OrderRejected(userID string, order *types.Order, reason string) {
	s.emit(userID, EventOrderRejected, map[string]interface{}{
		"order_id": order.OrderID,
		"asset_id": order.AssetID,
		"side":     order.Side,
		"reason":   reason,
	})
}

func (s *Service) emit(userID, eventType string, payload interface{}) {
	logger := log.With().
		Str("component", "notifications").
		Str("user_id", userID).
		Str("event_type", eventType).
		Logger()

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode notification payload")
		return
	}

	notification := &types.Notification{
		NotificationID: "NTF_" + uuid.New().String(),
		UserID:         userID,
		EventType:      eventType,
		Payload:        string(body),
		CreatedAt:      time.Now(),
	}

	if err := s.db.Create(notification).Error; err != nil {
		logger.Error().Err(err).Msg("failed to save notification")
		return
	}

	logger.Debug().Str("notification_id", notification.NotificationID).Msg("notification recorded")
}
