package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Order types: one-time physical card purchases vs subscription lifecycle
// records.
const (
	OrderTypeCard         = "card"
	OrderTypeSubscription = "subscription"
)

const (
	OrderStatusPending  = "pending"
	OrderStatusPaid     = "paid"
	OrderStatusActive   = "active"
	OrderStatusCanceled = "canceled"
	OrderStatusFailed   = "failed"
)

// Fulfillment pipeline for card orders, advanced by operators.
const (
	FulfillmentOrderPlaced   = "order_placed"
	FulfillmentDesigningCard = "designing_card"
	FulfillmentPackaged      = "packaged"
	FulfillmentShipped       = "shipped"
)

// Order is one entry in the purchase/subscription ledger. The external keys
// are sparse-unique pointers: a NULL never collides, but each non-null
// checkout session ID and subscription ID identifies exactly one row. For a
// given subscription ID at most one row exists at any time; that invariant is
// enforced by the billing repository's upsert + duplicate cleanup, not by the
// schema alone, because a session-keyed and a subscription-keyed event can
// transiently seed two rows for the same logical purchase.
type Order struct {
	ID                uint    `gorm:"primaryKey" json:"id"`
	PublicID          string  `gorm:"type:varchar(36);uniqueIndex" json:"public_id"`
	UserID            uint    `gorm:"not null;index:idx_orders_user_created,priority:1" json:"user_id"`
	Type              string  `gorm:"type:varchar(20);not null;default:'card'" json:"type" validate:"oneof=card subscription"`
	Status            string  `gorm:"type:varchar(20);not null;default:'pending'" json:"status" validate:"oneof=pending paid active canceled failed"`
	FulfillmentStatus string  `gorm:"type:varchar(32);default:''" json:"fulfillment_status" validate:"omitempty,oneof=order_placed designing_card packaged shipped"`
	CheckoutSessionID *string `gorm:"type:varchar(191);uniqueIndex" json:"checkout_session_id,omitempty"`
	SubscriptionID    *string `gorm:"type:varchar(191);uniqueIndex" json:"subscription_id,omitempty"`
	StripeCustomerID  string  `gorm:"type:varchar(191);index" json:"stripe_customer_id"`
	AmountTotal       int64   `gorm:"not null;default:0" json:"amount_total"`
	Currency          string  `gorm:"type:varchar(8);default:''" json:"currency"`
	MetadataJSON      string  `gorm:"type:longtext" json:"metadata_json"`

	// Delivery metadata, card orders only.
	TrackingURL string     `gorm:"type:varchar(512);default:''" json:"tracking_url"`
	Carrier     string     `gorm:"type:varchar(100);default:''" json:"carrier"`
	ShippedAt   *time.Time `gorm:"type:timestamp;default:null" json:"shipped_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_orders_user_created,priority:2" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns the public reference used in customer-facing responses.
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(o.PublicID) == "" {
		o.PublicID = uuid.New().String()
	}
	return nil
}

// IsValidFulfillmentStatus reports membership in the fulfillment enum.
func IsValidFulfillmentStatus(status string) bool {
	switch status {
	case FulfillmentOrderPlaced, FulfillmentDesigningCard, FulfillmentPackaged, FulfillmentShipped:
		return true
	default:
		return false
	}
}
