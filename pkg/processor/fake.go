package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/models"
)

// Fake is an in-memory Processor for tests and local development without
// processor credentials
type Fake struct {
	mu sync.Mutex

	accounts  map[string]AccountState
	oauth     map[string]string
	transfers []TransferParams
	failing   map[string]error
	keys      map[string]string
	statusErr []error
	nextID    int
}

// NewFake creates an empty Fake
func NewFake() *Fake {
	return &Fake{
		accounts: make(map[string]AccountState),
		oauth:    make(map[string]string),
		failing:  make(map[string]error),
		keys:     make(map[string]string),
	}
}

// SetAccount sets what GetAccountStatus reports for accountID
func (f *Fake) SetAccount(accountID string, state AccountState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[accountID] = state
}

// RegisterOAuthCode makes code exchange to accountID
func (f *Fake) RegisterOAuthCode(code, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oauth[code] = accountID
}

// FailTransfers makes every transfer to accountID fail with err
func (f *Fake) FailTransfers(accountID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[accountID] = err
}

// FailStatusReads queues errors returned by the next GetAccountStatus calls
func (f *Fake) FailStatusReads(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = append(f.statusErr, errs...)
}

// Transfers returns the successful transfers so far
func (f *Fake) Transfers() []TransferParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TransferParams, len(f.transfers))
	copy(out, f.transfers)
	return out
}

// CreateAccount allocates a sequential account id in onboarding
func (f *Fake) CreateAccount(ctx context.Context, params AccountParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("acct_fake_%d", f.nextID)
	f.accounts[id] = AccountState{Status: models.AccountStatusOnboarding}
	return id, nil
}

// CreateOnboardingLink returns a fixed URL naming accountID
func (f *Fake) CreateOnboardingLink(ctx context.Context, accountID, returnURL, refreshURL string) (string, error) {
	return "https://connect.example.test/onboard/" + accountID, nil
}

// ExchangeOAuthCode returns the account registered for code
func (f *Fake) ExchangeOAuthCode(ctx context.Context, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.oauth[code]
	if !ok {
		return "", domain.NewValidationError("invalid authorization code")
	}
	return id, nil
}

// GetAccountStatus returns a queued failure if any, else the state set for accountID
func (f *Fake) GetAccountStatus(ctx context.Context, accountID string) (AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusErr) > 0 {
		err := f.statusErr[0]
		f.statusErr = f.statusErr[1:]
		return AccountState{}, err
	}
	state, ok := f.accounts[accountID]
	if !ok {
		return AccountState{}, domain.NewNotFoundError("processor account")
	}
	return state, nil
}

// Transfer records the transfer. A repeated idempotency key returns the
// original transaction without moving money again.
func (f *Fake) Transfer(ctx context.Context, params TransferParams) (TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return TransferResult{}, domain.NewTransferFailedError(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[params.AccountID]; ok {
		return TransferResult{}, domain.NewTransferFailedError(err)
	}
	if id, ok := f.keys[params.IdempotencyKey]; ok {
		return TransferResult{TransactionID: id}, nil
	}
	id := fmt.Sprintf("tr_fake_%d", len(f.transfers)+1)
	f.keys[params.IdempotencyKey] = id
	f.transfers = append(f.transfers, params)
	return TransferResult{TransactionID: id}, nil
}
