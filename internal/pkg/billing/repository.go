package billing

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cardlinkhq/cardlink/app/models"
)

// OrderKey names the external identifier column an order upsert is keyed on.
type OrderKey string

const (
	OrderKeySession      OrderKey = "checkout_session_id"
	OrderKeySubscription OrderKey = "subscription_id"
)

// Repository provides the DB operations used by the billing service. All
// write paths go through atomic upserts keyed on stable external identifiers;
// no in-process locks are held, so concurrent webhook deliveries for the same
// account are safe by construction.
type Repository interface {
	FindUserByID(id uint) (*models.User, error)
	FindUserByCustomerID(customerID string) (*models.User, error)
	ApplyUserUpdates(userID uint, updates map[string]interface{}) error

	UpsertOrderByKey(key OrderKey, value string, updates map[string]interface{}, defaults *models.Order) (*models.Order, error)
	CleanupDuplicateOrders(keep *models.Order) error
	FindOrderByPublicID(publicID string) (*models.Order, error)
	UpdateOrder(orderID uint, updates map[string]interface{}) error
	ListOrdersByUser(userID uint) ([]models.Order, error)

	RecordWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindUserByID(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindUserByCustomerID(customerID string) (*models.User, error) {
	var u models.User
	if err := r.db.Where("stripe_customer_id = ?", customerID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ApplyUserUpdates writes only the given snapshot fields. Nil map values
// become SQL NULL, which is how trial_expires and the subscription id are
// cleared atomically alongside the sets.
func (r *gormRepository) ApplyUserUpdates(userID uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
}

// UpsertOrderByKey is the atomic create-or-update primitive of the ledger.
// defaults are applied only when the row is inserted; updates are applied on
// every call. A concurrent insert on the same key loses the INSERT (unique
// index + DO NOTHING) and both callers converge on the surviving row.
func (r *gormRepository) UpsertOrderByKey(key OrderKey, value string, updates map[string]interface{}, defaults *models.Order) (*models.Order, error) {
	if value == "" {
		return nil, errors.New("order key value is required")
	}

	insert := models.Order{}
	if defaults != nil {
		insert = *defaults
	}
	switch key {
	case OrderKeySession:
		insert.CheckoutSessionID = &value
	case OrderKeySubscription:
		insert.SubscriptionID = &value
	default:
		return nil, errors.New("unsupported order key: " + string(key))
	}

	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: string(key)}},
		DoNothing: true,
	}).Create(&insert).Error; err != nil {
		return nil, err
	}

	if len(updates) > 0 {
		if err := r.db.Model(&models.Order{}).
			Where(string(key)+" = ?", value).
			Updates(updates).Error; err != nil {
			return nil, err
		}
	}

	var order models.Order
	if err := r.db.Where(string(key)+" = ?", value).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// CleanupDuplicateOrders collapses rows that transiently reference the same
// logical purchase: after a subscription-keyed write, any other row carrying
// the same subscription id or the same originating checkout session id is
// deleted. Deleting rows a concurrent cleanup already removed is a no-op.
func (r *gormRepository) CleanupDuplicateOrders(keep *models.Order) error {
	if keep == nil || keep.ID == 0 || keep.SubscriptionID == nil {
		return nil
	}

	q := r.db.Where("id <> ?", keep.ID)
	if keep.CheckoutSessionID != nil {
		q = q.Where("subscription_id = ? OR checkout_session_id = ?", *keep.SubscriptionID, *keep.CheckoutSessionID)
	} else {
		q = q.Where("subscription_id = ?", *keep.SubscriptionID)
	}
	return q.Delete(&models.Order{}).Error
}

func (r *gormRepository) FindOrderByPublicID(publicID string) (*models.Order, error) {
	var order models.Order
	if err := r.db.Where("public_id = ?", publicID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *gormRepository) UpdateOrder(orderID uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error
}

func (r *gormRepository) ListOrdersByUser(userID uint) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&orders).Error
	return orders, err
}

func (r *gormRepository) RecordWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider_event_id = ?", event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
