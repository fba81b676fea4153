package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jordanlanch/courseplatform/pkg/account"
	"github.com/jordanlanch/courseplatform/pkg/affiliate"
	"github.com/jordanlanch/courseplatform/pkg/api/errors"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/jordanlanch/courseplatform/pkg/payout"
	"github.com/jordanlanch/courseplatform/pkg/referral"
	"github.com/labstack/echo/v4"
)

// AffiliateHandler serves the signed-in affiliate's own dashboard
type AffiliateHandler struct {
	affiliates *affiliate.Service
	referrals  *referral.Service
	payouts    *payout.Service
	accounts   *account.Manager
	validator  *validator.Validate
}

// NewAffiliateHandler creates a new affiliate handler
func NewAffiliateHandler(affiliates *affiliate.Service, referrals *referral.Service, payouts *payout.Service, accounts *account.Manager) *AffiliateHandler {
	return &AffiliateHandler{
		affiliates: affiliates,
		referrals:  referrals,
		payouts:    payouts,
		accounts:   accounts,
		validator:  validator.New(),
	}
}

// current resolves the affiliate owned by the authenticated user
func (h *AffiliateHandler) current(ctx context.Context, c echo.Context) (*models.Affiliate, error) {
	userID, ok := currentUserID(c)
	if !ok {
		return nil, errUnauthenticated
	}
	return h.affiliates.GetByUserID(ctx, userID)
}

// Me returns the affiliate dashboard stats
// @Router /api/v1/affiliate/me [get]
func (h *AffiliateHandler) Me(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return errors.UnauthorizedError(c)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	stats, err := h.affiliates.GetStats(ctx, userID)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, stats)
}

// UpdatePaymentMethod switches between a manual payment link and a managed account
// @Router /api/v1/affiliate/payment-method [put]
func (h *AffiliateHandler) UpdatePaymentMethod(c echo.Context) error {
	var req models.UpdatePaymentMethodRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	aff, err := h.current(ctx, c)
	if err != nil {
		return respondError(c, err)
	}

	updated, err := h.affiliates.UpdatePaymentMethod(ctx, aff.ID, req.PaymentMethod, req.PaymentLink)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, updated)
}

// UpdateDiscountRate sets the share of commission passed to buyers
// @Router /api/v1/affiliate/discount-rate [put]
func (h *AffiliateHandler) UpdateDiscountRate(c echo.Context) error {
	var req models.UpdateDiscountRateRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	aff, err := h.current(ctx, c)
	if err != nil {
		return respondError(c, err)
	}

	updated, err := h.affiliates.UpdateDiscountRate(ctx, aff.ID, *req.DiscountRate)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, updated)
}

// StartOnboarding creates the managed account if needed and returns a hosted onboarding link
// @Router /api/v1/affiliate/account/onboard [post]
func (h *AffiliateHandler) StartOnboarding(c echo.Context) error {
	var req models.OnboardRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	aff, err := h.current(ctx, c)
	if err != nil {
		return respondError(c, err)
	}

	url, err := h.accounts.StartOnboarding(ctx, aff.ID, req.ReturnURL, req.RefreshURL)
	if err != nil {
		return errors.DomainError(c, err)
	}

	resp := models.OnboardResponse{URL: url}
	if updated, err := h.affiliates.GetByID(ctx, aff.ID); err == nil && updated.AccountID != nil {
		resp.AccountID = *updated.AccountID
	}
	return c.JSON(http.StatusOK, resp)
}

// LinkAccount links an existing processor account through an OAuth code
// @Router /api/v1/affiliate/account/link [post]
func (h *AffiliateHandler) LinkAccount(c echo.Context) error {
	var req models.LinkAccountRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	aff, err := h.current(ctx, c)
	if err != nil {
		return respondError(c, err)
	}

	updated, err := h.accounts.LinkAccount(ctx, aff.ID, req.Code)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, updated)
}

// RefreshAccount re-reads the managed account status from the processor
// @Router /api/v1/affiliate/account/refresh [post]
func (h *AffiliateHandler) RefreshAccount(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	aff, err := h.current(ctx, c)
	if err != nil {
		return respondError(c, err)
	}

	updated, err := h.accounts.RefreshStatus(ctx, aff.ID)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, updated)
}

// DisconnectAccount forgets the managed account and falls back to manual payouts
// @Router /api/v1/affiliate/account [delete]
func (h *AffiliateHandler) DisconnectAccount(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	aff, err := h.current(ctx, c)
	if err != nil {
		return respondError(c, err)
	}

	if err := h.accounts.Disconnect(ctx, aff.ID); err != nil {
		return errors.DomainError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

// ListReferrals returns the affiliate's attributed purchases
// @Router /api/v1/affiliate/referrals [get]
func (h *AffiliateHandler) ListReferrals(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	aff, err := h.current(ctx, c)
	if err != nil {
		return respondError(c, err)
	}

	limit, offset := pagination(c)
	referrals, total, err := h.referrals.ListReferrals(ctx, aff.ID, limit, offset)
	if err != nil {
		return errors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, Page{Items: referrals, Total: total, Limit: limit, Offset: offset})
}

// ListPayouts returns the affiliate's payout history
// @Router /api/v1/affiliate/payouts [get]
func (h *AffiliateHandler) ListPayouts(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	aff, err := h.current(ctx, c)
	if err != nil {
		return respondError(c, err)
	}

	limit, offset := pagination(c)
	payouts, total, err := h.payouts.ListPayouts(ctx, aff.ID, limit, offset)
	if err != nil {
		return errors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, Page{Items: payouts, Total: total, Limit: limit, Offset: offset})
}
