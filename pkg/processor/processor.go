// Package processor is the boundary to the external payment processor that
// hosts affiliates' managed payment accounts.
package processor

import (
	"context"

	"github.com/jordanlanch/courseplatform/pkg/models"
)

// AccountState is what the processor reports about an account
type AccountState struct {
	Status         models.AccountStatus
	PayoutsEnabled bool
}

// AccountEvent is an account change delivered by a processor webhook.
// Deauthorized means the account revoked the platform's access.
type AccountEvent struct {
	AccountID    string
	Deauthorized bool
}

// AccountParams describes a new managed account
type AccountParams struct {
	AffiliateID uint
	Email       string
	Name        string
}

// TransferParams moves money to a managed account.
// IdempotencyKey must be unique per payout attempt.
type TransferParams struct {
	AccountID      string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// TransferResult identifies a completed transfer
type TransferResult struct {
	TransactionID string
}

// Processor is the set of calls this service makes to the payment processor.
//
// Read calls return domain ProcessorUnavailable errors for transient failures.
// Transfer returns domain TransferFailed errors and must never be retried
// by callers.
type Processor interface {
	CreateAccount(ctx context.Context, params AccountParams) (string, error)
	CreateOnboardingLink(ctx context.Context, accountID, returnURL, refreshURL string) (string, error)
	ExchangeOAuthCode(ctx context.Context, code string) (string, error)
	GetAccountStatus(ctx context.Context, accountID string) (AccountState, error)
	Transfer(ctx context.Context, params TransferParams) (TransferResult, error)
}
