package model

import "time"

// Subscription and payment status values written by the ledger itself.
// Other values are stored verbatim as supplied by the billing provider.
const (
	SubscriptionInactive = "inactive"
	SubscriptionActive   = "active"

	PaymentUnpaid    = "unpaid"
	PaymentPaid      = "paid"
	PaymentSucceeded = "succeeded"

	// DefaultBillingCycle is used when a usage row is created lazily by an increment.
	DefaultBillingCycle = "default"
)

// UserUsage is the single per-user row tracking token consumption and billing status.
type UserUsage struct {
	ID                 int64      `db:"id" json:"id"`
	UserID             string     `db:"userId" json:"user_id"`
	CreatedAt          time.Time  `db:"createdAt" json:"created_at"`
	BillingCycle       string     `db:"billingCycle" json:"billing_cycle"`
	TokenUsage         int        `db:"tokenUsage" json:"token_usage"`
	MaxTokenUsage      int        `db:"maxTokenUsage" json:"max_token_usage"`
	SubscriptionStatus string     `db:"subscriptionStatus" json:"subscription_status"`
	PaymentStatus      string     `db:"paymentStatus" json:"payment_status"`
	LastPayment        *time.Time `db:"lastPayment" json:"last_payment,omitempty"`
	// Deprecated: retained for migration only.
	CurrentProduct *string `db:"currentProduct" json:"current_product,omitempty"`
	// Deprecated: retained for migration only.
	CurrentPlan       *string `db:"currentPlan" json:"current_plan,omitempty"`
	HasCatalystAccess bool    `db:"hasCatalystAccess" json:"has_catalyst_access"`
}

// Remaining returns the allowance left, clamped at zero.
func (u *UserUsage) Remaining() int {
	if u.TokenUsage >= u.MaxTokenUsage {
		return 0
	}
	return u.MaxTokenUsage - u.TokenUsage
}

// HasPaid reports whether the stored payment status counts as an active subscription.
func (u *UserUsage) HasPaid() bool {
	return IsPaidStatus(u.PaymentStatus)
}

// IsPaidStatus is true only for the exact values "paid" and "succeeded".
func IsPaidStatus(paymentStatus string) bool {
	return paymentStatus == PaymentPaid || paymentStatus == PaymentSucceeded
}

// UsageResult is the outcome of a token usage operation.
//
// Remaining and UsageError keep the wire contract callers already rely on:
// a failed operation reports zero remaining with UsageError set. Err and
// NotFound carry the cause so callers can tell "no allowance left" apart
// from "the lookup failed".
type UsageResult struct {
	Remaining  int   `json:"remaining"`
	UsageError bool  `json:"usageError"`
	NotFound   bool  `json:"-"`
	Err        error `json:"-"`
}

// Failed builds the default-valued result for a failed operation.
func Failed(err error) UsageResult {
	return UsageResult{Remaining: 0, UsageError: true, Err: err}
}
