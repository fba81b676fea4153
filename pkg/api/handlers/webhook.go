package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/api/errors"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/processor"
	"github.com/labstack/echo/v4"
)

const maxWebhookBody = 64 * 1024

// AccountEventParser verifies a processor webhook and extracts the account it concerns.
// ok is false for event types that carry no account change.
type AccountEventParser interface {
	ParseAccountEvent(payload []byte, signature string) (event processor.AccountEvent, ok bool, err error)
}

// AccountUpdater applies an account change reported by the processor
type AccountUpdater interface {
	HandleAccountUpdated(ctx context.Context, accountID string) error
	HandleAccountDeauthorized(ctx context.Context, accountID string) error
}

// WebhookHandler receives processor webhooks
type WebhookHandler struct {
	parser   AccountEventParser
	accounts AccountUpdater
	log      logger.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(parser AccountEventParser, accounts AccountUpdater, log logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		parser:   parser,
		accounts: accounts,
		log:      log,
	}
}

// HandleStripe handles Stripe Connect account events
// @Router /webhooks/stripe [post]
func (h *WebhookHandler) HandleStripe(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return errors.ValidationError(c, err)
	}

	event, ok, err := h.parser.ParseAccountEvent(payload, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		return errors.DomainError(c, err)
	}
	if !ok {
		return c.NoContent(http.StatusOK)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	apply := h.accounts.HandleAccountUpdated
	if event.Deauthorized {
		apply = h.accounts.HandleAccountDeauthorized
	}

	// A failed apply answers 5xx so the processor redelivers the event
	if err := apply(ctx, event.AccountID); err != nil {
		h.log.Error("failed to apply account event",
			"account_id", event.AccountID,
			"deauthorized", event.Deauthorized,
			"error", err)
		return errors.DomainError(c, err)
	}

	return c.NoContent(http.StatusOK)
}
