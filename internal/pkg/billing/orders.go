package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/cardlinkhq/cardlink/app/models"
)

// ListOrders returns the account's ledger entries newest first, shaped for
// client consumption.
func (s *Service) ListOrders(userID uint) ([]OrderView, error) {
	orders, err := s.repo.ListOrdersByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list orders for user %d: %w", userID, err)
	}

	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		v := OrderView{
			PublicID:    o.PublicID,
			Type:        o.Type,
			Status:      o.Status,
			AmountTotal: o.AmountTotal,
			Currency:    o.Currency,
			CreatedAt:   o.CreatedAt,
		}
		if o.Type == models.OrderTypeCard {
			v.FulfillmentStatus = o.FulfillmentStatus
			v.TrackingURL = o.TrackingURL
			v.Carrier = o.Carrier
			v.ShippedAt = o.ShippedAt
		}
		views = append(views, v)
	}
	return views, nil
}

// UpdateFulfillment advances a card order through the fulfillment pipeline.
// The status must be a member of the pipeline enum; tracking and carrier are
// optional and only written when provided. Reaching shipped stamps shipped_at
// once.
func (s *Service) UpdateFulfillment(publicID, status, trackingURL, carrier string) (*models.Order, error) {
	status = strings.TrimSpace(status)
	if !models.IsValidFulfillmentStatus(status) {
		return nil, ErrInvalidFulfillmentStatus
	}

	order, err := s.repo.FindOrderByPublicID(publicID)
	if err != nil {
		return nil, err
	}
	if order.Type != models.OrderTypeCard {
		return nil, ErrInvalidFulfillmentStatus
	}

	updates := map[string]interface{}{"fulfillment_status": status}
	if v := strings.TrimSpace(trackingURL); v != "" {
		updates["tracking_url"] = v
	}
	if v := strings.TrimSpace(carrier); v != "" {
		updates["carrier"] = v
	}
	if status == models.FulfillmentShipped && order.ShippedAt == nil {
		now := time.Now()
		updates["shipped_at"] = &now
	}
	if err := s.repo.UpdateOrder(order.ID, updates); err != nil {
		return nil, fmt.Errorf("update order %s: %w", publicID, err)
	}
	return s.repo.FindOrderByPublicID(publicID)
}
