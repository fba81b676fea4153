package models

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CreateAffiliateRequest enrolls a platform user as an affiliate.
// Rates default to the platform settings when omitted.
type CreateAffiliateRequest struct {
	UserID         uint   `json:"user_id" validate:"required"`
	Name           string `json:"name" validate:"required,max=255"`
	Email          string `json:"email" validate:"required,email"`
	CommissionRate *int   `json:"commission_rate,omitempty" validate:"omitempty,min=0,max=100"`
	DiscountRate   *int   `json:"discount_rate,omitempty" validate:"omitempty,min=0,max=100"`
}

// SetActiveRequest toggles an affiliate on or off
type SetActiveRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// UpdateSettingsRequest changes the global affiliate program settings
type UpdateSettingsRequest struct {
	DefaultCommissionRate  *int   `json:"default_commission_rate,omitempty" validate:"omitempty,min=0,max=100"`
	DefaultDiscountRate    *int   `json:"default_discount_rate,omitempty" validate:"omitempty,min=0,max=100"`
	MinimumPayoutThreshold *int64 `json:"minimum_payout_threshold,omitempty" validate:"omitempty,min=0"`
}

// UpdatePaymentMethodRequest switches between manual links and managed accounts
type UpdatePaymentMethodRequest struct {
	PaymentMethod PaymentMethod `json:"payment_method" validate:"required,oneof=manual_link managed_account"`
	PaymentLink   string        `json:"payment_link,omitempty" validate:"omitempty,url,max=512"`
}

// UpdateDiscountRateRequest sets the share of commission given to buyers
type UpdateDiscountRateRequest struct {
	DiscountRate *int `json:"discount_rate" validate:"required,min=0,max=100"`
}

// OnboardRequest starts processor onboarding
type OnboardRequest struct {
	ReturnURL  string `json:"return_url" validate:"required,url"`
	RefreshURL string `json:"refresh_url" validate:"required,url"`
}

// OnboardResponse carries the hosted onboarding link
type OnboardResponse struct {
	URL       string `json:"url"`
	AccountID string `json:"account_id"`
}

// LinkAccountRequest completes an OAuth-style account link
type LinkAccountRequest struct {
	Code string `json:"code" validate:"required"`
}

// AttributeRequest is the purchase-completed event from checkout.
// AffiliateCode may be empty when the attribution cookie carries it.
type AttributeRequest struct {
	PurchaseID     string `json:"purchase_id" validate:"required,max=128"`
	AffiliateCode  string `json:"affiliate_code,omitempty" validate:"omitempty,max=32"`
	PurchaseAmount int64  `json:"purchase_amount" validate:"min=0"`
}

// AttributeResponse reports the referral recorded for a purchase
type AttributeResponse struct {
	ReferralID    uint  `json:"referral_id"`
	AffiliateID   uint  `json:"affiliate_id"`
	Commission    int64 `json:"commission"`
	BuyerDiscount int64 `json:"buyer_discount"`
	Created       bool  `json:"created"`
}

// QuoteResponse previews the buyer price for an affiliate code
type QuoteResponse struct {
	AffiliateCode string `json:"affiliate_code"`
	Amount        int64  `json:"amount"`
	BuyerDiscount int64  `json:"buyer_discount"`
	FinalPrice    int64  `json:"final_price"`
}

// RecordPayoutRequest records a manual payout made outside the processor
type RecordPayoutRequest struct {
	Amount        int64         `json:"amount" validate:"required,gt=0"`
	PaymentMethod PaymentMethod `json:"payment_method" validate:"required,oneof=manual_link managed_account"`
	TransactionID string        `json:"transaction_id,omitempty" validate:"omitempty,max=255"`
	Notes         string        `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// AffiliateStats is the affiliate dashboard summary
type AffiliateStats struct {
	Code           string        `json:"code"`
	IsActive       bool          `json:"is_active"`
	CommissionRate int           `json:"commission_rate"`
	DiscountRate   int           `json:"discount_rate"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	AccountStatus  AccountStatus `json:"account_status"`
	PayoutsEnabled bool          `json:"payouts_enabled"`
	TotalClicks    int           `json:"total_clicks"`
	TotalReferrals int           `json:"total_referrals"`
	ConversionRate float64       `json:"conversion_rate"`
	TotalEarnings  int64         `json:"total_earnings"`
	PaidAmount     int64         `json:"paid_amount"`
	UnpaidBalance  int64         `json:"unpaid_balance"`
	ShareURL       string        `json:"share_url"`
}
