package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

func TestMapAccount(t *testing.T) {
	tests := []struct {
		name    string
		account *stripe.Account
		want    AccountState
	}{
		{
			name:    "details not submitted",
			account: &stripe.Account{},
			want:    AccountState{Status: models.AccountStatusOnboarding},
		},
		{
			name: "verified with payouts",
			account: &stripe.Account{
				DetailsSubmitted: true,
				ChargesEnabled:   true,
				PayoutsEnabled:   true,
				Requirements:     &stripe.AccountRequirements{},
			},
			want: AccountState{Status: models.AccountStatusActive, PayoutsEnabled: true},
		},
		{
			name: "verified but payouts paused",
			account: &stripe.Account{
				DetailsSubmitted: true,
				ChargesEnabled:   true,
			},
			want: AccountState{Status: models.AccountStatusActive},
		},
		{
			name: "disabled by requirements",
			account: &stripe.Account{
				DetailsSubmitted: true,
				PayoutsEnabled:   true,
				Requirements: &stripe.AccountRequirements{
					DisabledReason: "requirements.past_due",
				},
			},
			want: AccountState{Status: models.AccountStatusRestricted, PayoutsEnabled: true},
		},
		{
			name: "past due requirements",
			account: &stripe.Account{
				DetailsSubmitted: true,
				Requirements: &stripe.AccountRequirements{
					PastDue: []string{"individual.verification.document"},
				},
			},
			want: AccountState{Status: models.AccountStatusRestricted},
		},
		{
			name:    "submitted and pending verification",
			account: &stripe.Account{DetailsSubmitted: true},
			want:    AccountState{Status: models.AccountStatusOnboarding},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapAccount(tt.account))
		})
	}
}

func TestAccountEventFrom(t *testing.T) {
	t.Run("account.updated", func(t *testing.T) {
		event := stripe.Event{
			Type: "account.updated",
			Data: &stripe.EventData{Raw: json.RawMessage(`{"id":"acct_123","object":"account"}`)},
		}

		got, ok, err := AccountEventFrom(event)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, AccountEvent{AccountID: "acct_123"}, got)
	})

	t.Run("deauthorized uses event account", func(t *testing.T) {
		event := stripe.Event{Type: "account.application.deauthorized", Account: "acct_456"}

		got, ok, err := AccountEventFrom(event)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "acct_456", got.AccountID)
		assert.True(t, got.Deauthorized)
	})

	t.Run("unrelated event is ignored", func(t *testing.T) {
		_, ok, err := AccountEventFrom(stripe.Event{Type: "charge.succeeded"})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestClassifyReadError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"network failure", errors.New("connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"server error", &stripe.Error{HTTPStatusCode: 502}, true},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429}, true},
		{"invalid request", &stripe.Error{HTTPStatusCode: 400, Type: stripe.ErrorTypeInvalidRequest, Msg: "No such account"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyReadError("get account", tt.err)
			assert.Equal(t, tt.transient, errors.Is(err, domain.ErrProcessorUnavailable))
		})
	}
}

type slowProcessor struct {
	*Fake
}

func (s slowProcessor) GetAccountStatus(ctx context.Context, accountID string) (AccountState, error) {
	<-ctx.Done()
	return AccountState{}, domain.NewProcessorUnavailableError(ctx.Err())
}

func TestGuarded(t *testing.T) {
	t.Run("Success - Passes calls through", func(t *testing.T) {
		fake := NewFake()
		fake.SetAccount("acct_1", AccountState{Status: models.AccountStatusActive, PayoutsEnabled: true})
		g := NewGuarded(fake, GuardConfig{Timeout: time.Second, RatePerSecond: 100, Burst: 5})

		state, err := g.GetAccountStatus(context.Background(), "acct_1")
		require.NoError(t, err)
		assert.Equal(t, models.AccountStatusActive, state.Status)
	})

	t.Run("Failure - Timeout bounds slow calls", func(t *testing.T) {
		g := NewGuarded(slowProcessor{NewFake()}, GuardConfig{Timeout: 20 * time.Millisecond})

		start := time.Now()
		_, err := g.GetAccountStatus(context.Background(), "acct_1")
		assert.True(t, errors.Is(err, domain.ErrProcessorUnavailable))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Failure - Cancelled context never reaches transfer", func(t *testing.T) {
		fake := NewFake()
		g := NewGuarded(fake, GuardConfig{RatePerSecond: 0.001, Burst: 1})

		// Drain the only token
		_, err := g.Transfer(context.Background(), TransferParams{AccountID: "acct_1", Amount: 1, IdempotencyKey: "k1"})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = g.Transfer(ctx, TransferParams{AccountID: "acct_1", Amount: 1, IdempotencyKey: "k2"})
		assert.True(t, errors.Is(err, domain.ErrTransferFailed))
		assert.Len(t, fake.Transfers(), 1)
	})
}

func TestFakeTransferIdempotency(t *testing.T) {
	fake := NewFake()
	params := TransferParams{AccountID: "acct_1", Amount: 500, Currency: "usd", IdempotencyKey: "payout-1"}

	first, err := fake.Transfer(context.Background(), params)
	require.NoError(t, err)
	second, err := fake.Transfer(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Len(t, fake.Transfers(), 1)
}
