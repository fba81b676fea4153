package processor

import (
	"context"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"golang.org/x/time/rate"
)

// GuardConfig bounds outbound processor calls
type GuardConfig struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// CallRecorder observes processor call outcomes
type CallRecorder interface {
	RecordProcessorCall(operation string, err error)
}

// Guarded wraps a Processor with a shared rate limiter and a per-call timeout
type Guarded struct {
	next     Processor
	limiter  *rate.Limiter
	timeout  time.Duration
	recorder CallRecorder
}

// NewGuarded decorates next. A zero RatePerSecond disables rate limiting.
func NewGuarded(next Processor, config GuardConfig) *Guarded {
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Guarded{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		timeout: config.Timeout,
	}
}

// WithRecorder reports every call outcome to r
func (g *Guarded) WithRecorder(r CallRecorder) *Guarded {
	g.recorder = r
	return g
}

func (g *Guarded) record(operation string, err error) {
	if g.recorder != nil {
		g.recorder.RecordProcessorCall(operation, err)
	}
}

func (g *Guarded) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, nil, domain.NewProcessorUnavailableError(err)
	}
	if g.timeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	return ctx, cancel, nil
}

// CreateAccount creates a managed account. Writes are not retried.
func (g *Guarded) CreateAccount(ctx context.Context, params AccountParams) (string, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	id, err := g.next.CreateAccount(ctx, params)
	g.record("create_account", err)
	return id, err
}

// CreateOnboardingLink returns a hosted onboarding URL for accountID
func (g *Guarded) CreateOnboardingLink(ctx context.Context, accountID, returnURL, refreshURL string) (string, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	url, err := g.next.CreateOnboardingLink(ctx, accountID, returnURL, refreshURL)
	g.record("create_onboarding_link", err)
	return url, err
}

// ExchangeOAuthCode resolves an OAuth authorization code to an account id
func (g *Guarded) ExchangeOAuthCode(ctx context.Context, code string) (string, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	id, err := g.next.ExchangeOAuthCode(ctx, code)
	g.record("exchange_oauth_code", err)
	return id, err
}

// GetAccountStatus reads an account under the call timeout
func (g *Guarded) GetAccountStatus(ctx context.Context, accountID string) (AccountState, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return AccountState{}, err
	}
	defer cancel()
	state, err := g.next.GetAccountStatus(ctx, accountID)
	g.record("get_account_status", err)
	return state, err
}

// Transfer is limited like every other call, but a limiter wait that fails
// is reported as TransferFailed since nothing was sent
func (g *Guarded) Transfer(ctx context.Context, params TransferParams) (TransferResult, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return TransferResult{}, domain.NewTransferFailedError(err)
	}
	defer cancel()
	res, err := g.next.Transfer(ctx, params)
	g.record("transfer", err)
	return res, err
}
