package models

import (
	"time"
)

// PaymentMethod is how an affiliate receives money
type PaymentMethod string

const (
	PaymentMethodManualLink     PaymentMethod = "manual_link"
	PaymentMethodManagedAccount PaymentMethod = "managed_account"
)

// Valid reports whether m is a known payment method
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodManualLink || m == PaymentMethodManagedAccount
}

// AccountStatus is the lifecycle state of an affiliate's managed payment account.
// Only the account package moves it.
type AccountStatus string

const (
	AccountStatusNotStarted AccountStatus = "not_started"
	AccountStatusOnboarding AccountStatus = "onboarding"
	AccountStatusActive     AccountStatus = "active"
	AccountStatusRestricted AccountStatus = "restricted"
)

// PayoutStatus is the outcome of a payout row
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusCompleted PayoutStatus = "completed"
	PayoutStatusFailed    PayoutStatus = "failed"
)

// Affiliate is a partner account earning commission on attributed purchases.
// All money columns are minor currency units.
type Affiliate struct {
	ID     uint   `gorm:"primarykey" json:"id"`
	UserID uint   `gorm:"not null;uniqueIndex" json:"user_id"`
	Code   string `gorm:"type:varchar(32);not null;uniqueIndex" json:"code"`
	Name   string `gorm:"type:varchar(255)" json:"name"`
	Email  string `gorm:"type:varchar(255)" json:"email"`

	CommissionRate int           `gorm:"not null;default:0" json:"commission_rate"`
	DiscountRate   int           `gorm:"not null;default:0" json:"discount_rate"`
	PaymentMethod  PaymentMethod `gorm:"type:varchar(32);not null;default:'manual_link'" json:"payment_method"`
	PaymentLink    string        `gorm:"type:varchar(512)" json:"payment_link,omitempty"`
	IsActive       bool          `gorm:"not null;default:true;index" json:"is_active"`

	AccountID      *string       `gorm:"type:varchar(255);index" json:"account_id,omitempty"`
	AccountStatus  AccountStatus `gorm:"type:varchar(32);not null;default:'not_started'" json:"account_status"`
	PayoutsEnabled bool          `gorm:"not null;default:false" json:"payouts_enabled"`
	LastSyncAt     *time.Time    `json:"last_sync_at,omitempty"`

	TotalEarnings int64 `gorm:"not null;default:0" json:"total_earnings"`
	PaidAmount    int64 `gorm:"not null;default:0" json:"paid_amount"`
	UnpaidBalance int64 `gorm:"not null;default:0;index" json:"unpaid_balance"`

	TotalClicks    int `gorm:"not null;default:0" json:"total_clicks"`
	TotalReferrals int `gorm:"not null;default:0" json:"total_referrals"`

	LastPayoutError   *string    `gorm:"type:text" json:"last_payout_error,omitempty"`
	LastPayoutErrorAt *time.Time `json:"last_payout_error_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name
func (Affiliate) TableName() string {
	return "affiliates"
}

// Payable reports whether the managed account can receive automatic transfers
func (a *Affiliate) Payable() bool {
	return a.AccountID != nil && a.AccountStatus == AccountStatusActive && a.PayoutsEnabled
}

// Referral is one attributed purchase and its commission snapshot
type Referral struct {
	ID             uint       `gorm:"primarykey" json:"id"`
	AffiliateID    uint       `gorm:"not null;index" json:"affiliate_id"`
	PurchaseID     string     `gorm:"type:varchar(128);not null;uniqueIndex" json:"purchase_id"`
	PurchaseAmount int64      `gorm:"not null" json:"purchase_amount"`
	BuyerDiscount  int64      `gorm:"not null;default:0" json:"buyer_discount"`
	Commission     int64      `gorm:"not null" json:"commission"`
	CommissionRate int        `gorm:"not null" json:"commission_rate"`
	DiscountRate   int        `gorm:"not null" json:"discount_rate"`
	IsPaid         bool       `gorm:"not null;default:false;index" json:"is_paid"`
	PayoutID       *uint      `gorm:"index" json:"payout_id,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

// TableName pins the table name
func (Referral) TableName() string {
	return "affiliate_referrals"
}

// Payout is an append-only record of money sent to an affiliate
type Payout struct {
	ID             uint          `gorm:"primarykey" json:"id"`
	AffiliateID    uint          `gorm:"not null;index" json:"affiliate_id"`
	Amount         int64         `gorm:"not null" json:"amount"`
	PaymentMethod  PaymentMethod `gorm:"type:varchar(32);not null" json:"payment_method"`
	TransactionID  *string       `gorm:"type:varchar(255)" json:"transaction_id,omitempty"`
	IdempotencyKey *string       `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	Status         PayoutStatus  `gorm:"type:varchar(20);not null;index" json:"status"`
	Notes          string        `gorm:"type:text" json:"notes,omitempty"`
	ErrorMessage   *string       `gorm:"type:text" json:"error_message,omitempty"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	CreatedAt      time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TableName pins the table name
func (Payout) TableName() string {
	return "affiliate_payouts"
}

// AffiliateClick is one visit through an affiliate link
type AffiliateClick struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	AffiliateID uint      `gorm:"not null;index" json:"affiliate_id"`
	IPAddress   string    `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent   string    `gorm:"type:varchar(512)" json:"user_agent,omitempty"`
	Referrer    string    `gorm:"type:varchar(1024)" json:"referrer,omitempty"`
	LandingPage string    `gorm:"type:varchar(1024)" json:"landing_page,omitempty"`
	UTMSource   string    `gorm:"type:varchar(128)" json:"utm_source,omitempty"`
	UTMMedium   string    `gorm:"type:varchar(128)" json:"utm_medium,omitempty"`
	UTMCampaign string    `gorm:"type:varchar(128)" json:"utm_campaign,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// TableName pins the table name
func (AffiliateClick) TableName() string {
	return "affiliate_clicks"
}

// PlatformSettings holds the admin-tunable affiliate program values.
// There is exactly one row (ID 1).
type PlatformSettings struct {
	ID                     uint      `gorm:"primarykey" json:"-"`
	DefaultCommissionRate  int       `gorm:"not null;default:20" json:"default_commission_rate"`
	DefaultDiscountRate    int       `gorm:"not null;default:0" json:"default_discount_rate"`
	MinimumPayoutThreshold int64     `gorm:"not null;default:5000" json:"minimum_payout_threshold"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TableName pins the table name
func (PlatformSettings) TableName() string {
	return "affiliate_settings"
}

// AllModels lists every table owned by the affiliate engine, in migration order
func AllModels() []interface{} {
	return []interface{}{
		&Affiliate{},
		&Referral{},
		&Payout{},
		&AffiliateClick{},
		&PlatformSettings{},
	}
}
