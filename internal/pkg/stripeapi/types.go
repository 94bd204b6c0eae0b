package stripeapi

import "time"

// Checkout session modes relevant to billing.
const (
	ModeSubscription = "subscription"
	ModePayment      = "payment"
)

// CheckoutSession is the slice of the processor's checkout session object the
// billing pipeline consumes.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   CustomerDetails   `json:"customer_details"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type CustomerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Email returns the best available buyer email for a session.
func (s CheckoutSession) Email() string {
	if s.CustomerEmail != "" {
		return s.CustomerEmail
	}
	return s.CustomerDetails.Email
}

type Price struct {
	ID string `json:"id"`
}

type SubscriptionItem struct {
	Price    Price `json:"price"`
	Quantity int64 `json:"quantity"`
}

// Subscription mirrors the processor subscription object. Timestamps are Unix
// seconds; zero means absent.
type Subscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	TrialEnd          int64             `json:"trial_end"`
	Created           int64             `json:"created"`
	Items             SubscriptionItems `json:"items"`
	Metadata          map[string]string `json:"metadata"`
}

type SubscriptionItems struct {
	Data []SubscriptionItem `json:"data"`
}

type InvoiceLinePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type InvoiceLine struct {
	Period InvoiceLinePeriod `json:"period"`
}

// Invoice carries the fields the billing pipeline reads: the owning
// subscription, amounts, and the billing period off the line items.
type Invoice struct {
	ID           string       `json:"id"`
	Customer     string       `json:"customer"`
	Subscription string       `json:"subscription"`
	Status       string       `json:"status"`
	AmountPaid   int64        `json:"amount_paid"`
	Currency     string       `json:"currency"`
	Created      int64        `json:"created"`
	Lines        InvoiceLines `json:"lines"`
}

type InvoiceLines struct {
	Data []InvoiceLine `json:"data"`
}

// PeriodEnd returns the billing period end from the first invoice line, or
// nil when no line carries one.
func (in Invoice) PeriodEnd() *time.Time {
	if len(in.Lines.Data) == 0 {
		return nil
	}
	return UnixTime(in.Lines.Data[0].Period.End)
}

// UnixTime converts Unix seconds to *time.Time, mapping zero to nil.
func UnixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
