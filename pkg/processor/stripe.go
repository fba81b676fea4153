package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds Stripe Connect configuration
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Country       string
	HTTPTimeout   time.Duration
}

// Stripe implements Processor with Stripe Connect Express accounts
type Stripe struct {
	api    *client.API
	config StripeConfig
}

// NewStripe creates a Stripe processor. Automatic network retries are off:
// transfers must not be resent, and status reads are retried by the caller.
func NewStripe(config StripeConfig) *Stripe {
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: config.HTTPTimeout}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}

	api := &client.API{}
	api.Init(config.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	})

	return &Stripe{api: api, config: config}
}

// CreateAccount creates an Express account able to receive transfers
func (s *Stripe) CreateAccount(ctx context.Context, params AccountParams) (string, error) {
	p := &stripe.AccountParams{
		Type:  stripe.String(string(stripe.AccountTypeExpress)),
		Email: stripe.String(params.Email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
		Metadata: map[string]string{
			"affiliate_id": strconv.FormatUint(uint64(params.AffiliateID), 10),
		},
	}
	if s.config.Country != "" {
		p.Country = stripe.String(s.config.Country)
	}
	p.Context = ctx

	acct, err := s.api.Accounts.New(p)
	if err != nil {
		return "", classifyReadError("create account", err)
	}
	return acct.ID, nil
}

// CreateOnboardingLink issues a hosted onboarding link for the account
func (s *Stripe) CreateOnboardingLink(ctx context.Context, accountID, returnURL, refreshURL string) (string, error) {
	p := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		ReturnURL:  stripe.String(returnURL),
		RefreshURL: stripe.String(refreshURL),
		Type:       stripe.String("account_onboarding"),
	}
	p.Context = ctx

	link, err := s.api.AccountLinks.New(p)
	if err != nil {
		return "", classifyReadError("create onboarding link", err)
	}
	return link.URL, nil
}

// ExchangeOAuthCode completes an OAuth connection and returns the linked account id
func (s *Stripe) ExchangeOAuthCode(ctx context.Context, code string) (string, error) {
	p := &stripe.OAuthTokenParams{
		GrantType: stripe.String("authorization_code"),
		Code:      stripe.String(code),
	}
	p.Context = ctx

	token, err := s.api.OAuth.New(p)
	if err != nil {
		return "", classifyReadError("exchange oauth code", err)
	}
	if token.StripeUserID == "" {
		return "", domain.NewValidationError("oauth exchange returned no account")
	}
	return token.StripeUserID, nil
}

// GetAccountStatus reads the account and maps it onto our lifecycle states
func (s *Stripe) GetAccountStatus(ctx context.Context, accountID string) (AccountState, error) {
	p := &stripe.AccountParams{}
	p.Context = ctx

	acct, err := s.api.Accounts.GetByID(accountID, p)
	if err != nil {
		return AccountState{}, classifyReadError("get account", err)
	}
	return MapAccount(acct), nil
}

// Transfer sends money to a connected account. The idempotency key makes a
// manual resend of the same attempt safe; this method never resends.
func (s *Stripe) Transfer(ctx context.Context, params TransferParams) (TransferResult, error) {
	p := &stripe.TransferParams{
		Amount:      stripe.Int64(params.Amount),
		Currency:    stripe.String(params.Currency),
		Destination: stripe.String(params.AccountID),
		Description: stripe.String(params.Description),
		Metadata:    params.Metadata,
	}
	p.Context = ctx
	p.SetIdempotencyKey(params.IdempotencyKey)

	tr, err := s.api.Transfers.New(p)
	if err != nil {
		return TransferResult{}, domain.NewTransferFailedError(describeStripeError(err))
	}
	return TransferResult{TransactionID: tr.ID}, nil
}

// ParseAccountEvent verifies a webhook and returns the account change it
// reports. ok is false for unrelated events.
func (s *Stripe) ParseAccountEvent(payload []byte, signature string) (AccountEvent, bool, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.config.WebhookSecret)
	if err != nil {
		return AccountEvent{}, false, domain.NewValidationError("webhook signature verification failed")
	}
	return AccountEventFrom(event)
}

// AccountEventFrom extracts the affected account from an account event
func AccountEventFrom(event stripe.Event) (AccountEvent, bool, error) {
	switch event.Type {
	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
			return AccountEvent{}, false, fmt.Errorf("failed to unmarshal account: %w", err)
		}
		return AccountEvent{AccountID: acct.ID}, acct.ID != "", nil
	case "account.application.deauthorized":
		return AccountEvent{AccountID: event.Account, Deauthorized: true}, event.Account != "", nil
	default:
		return AccountEvent{}, false, nil
	}
}

// MapAccount converts a Stripe account into an AccountState
func MapAccount(acct *stripe.Account) AccountState {
	state := AccountState{PayoutsEnabled: acct.PayoutsEnabled}

	disabled := acct.Requirements != nil &&
		(acct.Requirements.DisabledReason != "" || len(acct.Requirements.PastDue) > 0)

	switch {
	case !acct.DetailsSubmitted:
		state.Status = models.AccountStatusOnboarding
	case disabled:
		state.Status = models.AccountStatusRestricted
	case acct.PayoutsEnabled || acct.ChargesEnabled:
		state.Status = models.AccountStatusActive
	default:
		// Details submitted and awaiting verification
		state.Status = models.AccountStatusOnboarding
	}
	return state
}

// classifyReadError separates transient failures, which callers may retry on
// idempotent reads, from permanent ones
func classifyReadError(op string, err error) error {
	if isTransient(err) {
		return domain.NewProcessorUnavailableError(fmt.Errorf("%s: %w", op, describeStripeError(err)))
	}
	return fmt.Errorf("stripe %s: %w", op, describeStripeError(err))
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Network-level failure before Stripe answered
		return true
	}
	return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
		stripeErr.Type == stripe.ErrorTypeAPI
}

func describeStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return fmt.Errorf("%s (%s)", stripeErr.Msg, stripeErr.Code)
	}
	return err
}
