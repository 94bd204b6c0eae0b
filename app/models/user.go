package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// Plan and billing interval enums for the entitlement snapshot.
const (
	PlanFree  = "free"
	PlanPlus  = "plus"
	PlanTeams = "teams"
)

const (
	IntervalMonthly   = "monthly"
	IntervalQuarterly = "quarterly"
	IntervalYearly    = "yearly"
)

// User carries the account identity plus the entitlement snapshot that the
// billing reconciler maintains from processor events. The snapshot fields are
// only ever written by the billing service; the rest of the app reads them.
type User struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Name             string     `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email            string     `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email" validate:"required,email,min=5,max=200"`
	Password         string     `gorm:"type:text" json:"-" validate:"required,min=6"`
	Role             string     `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status           string     `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	ActivationToken  string     `gorm:"type:varchar(100);index" json:"-"`
	ActivationSentAt *time.Time `gorm:"type:timestamp;default:null" json:"-"`
	LastLoginAt      *time.Time `gorm:"type:timestamp;default:null" json:"last_login_at"`

	// Entitlement snapshot. StripeCustomerID is sparse-unique: NULL values do
	// not collide, but a customer ID can only belong to one account.
	Plan                 string     `gorm:"type:varchar(20);not null;default:'free'" json:"plan"`
	BillingInterval      string     `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_interval"`
	SubscriptionStatus   string     `gorm:"type:varchar(32);default:''" json:"subscription_status"`
	IsSubscribed         bool       `gorm:"not null;default:false" json:"is_subscribed"`
	CurrentPeriodEnd     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	TrialExpires         *time.Time `gorm:"type:timestamp;default:null" json:"trial_expires,omitempty"`
	TrialReminderSentAt  *time.Time `gorm:"type:timestamp;default:null" json:"-"`
	StripeCustomerID     *string    `gorm:"type:varchar(191);uniqueIndex" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string    `gorm:"type:varchar(191)" json:"stripe_subscription_id,omitempty"`
	SeatCount            int        `gorm:"not null;default:1" json:"seat_count"`
	AddOnQuantity        int        `gorm:"not null;default:0" json:"addon_quantity"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsSubscribedStatus reports whether a processor status string entitles the
// account. is_subscribed is recomputed from this on every event, never patched
// independently.
func IsSubscribedStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "past_due", "unpaid":
		return true
	default:
		return false
	}
}

// IsValidPlan reports membership in the plan enum.
func IsValidPlan(plan string) bool {
	switch plan {
	case PlanFree, PlanPlus, PlanTeams:
		return true
	default:
		return false
	}
}

// IsValidInterval reports membership in the billing interval enum.
func IsValidInterval(interval string) bool {
	switch interval {
	case IntervalMonthly, IntervalQuarterly, IntervalYearly:
		return true
	default:
		return false
	}
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func CreateUser(username string, email string, password string) (*User, error) {
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Name:     username,
		Email:    email,
		Password: pw,
		Role:     ROLE_USER,
		Status:   STATUS_INACTIVE,
		Plan:     PlanFree,
	}

	err = u.Validate()
	if err != nil {
		return nil, err
	}

	return u, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// GenerateActivationToken creates a random token and sets ActivationSentAt
func (u *User) GenerateActivationToken() error {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	u.ActivationToken = hex.EncodeToString(b)
	now := time.Now()
	u.ActivationSentAt = &now
	return nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// IsTrialing reports whether the account is currently in a trial period.
func (u *User) IsTrialing() bool {
	return strings.EqualFold(strings.TrimSpace(u.SubscriptionStatus), "trialing")
}

// CheckPassword verifies if the provided password matches the user's stored password
func (u *User) CheckPassword(password string) bool {
	return CheckPasswordHash(password, u.Password)
}

// SetPassword hashes and sets a new password for the user
func (u *User) SetPassword(password string) error {
	hashedPassword, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.Password = hashedPassword
	return nil
}
