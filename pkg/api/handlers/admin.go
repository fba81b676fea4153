package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jordanlanch/courseplatform/pkg/affiliate"
	"github.com/jordanlanch/courseplatform/pkg/api/errors"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/jordanlanch/courseplatform/pkg/payout"
	"github.com/labstack/echo/v4"
)

// WelcomeSender greets newly enrolled affiliates
type WelcomeSender interface {
	SendAffiliateWelcomeEmail(toEmail, toName, shareURL string, commissionRate int) error
}

// AdminHandler handles affiliate program administration
type AdminHandler struct {
	affiliates *affiliate.Service
	payouts    *payout.Service
	welcome    WelcomeSender
	batch      payout.BatchConfig
	log        logger.Logger
	validator  *validator.Validate
}

// NewAdminHandler creates a new admin handler. batch carries the concurrency,
// currency and timeout of manually triggered payout runs; welcome may be nil.
func NewAdminHandler(affiliates *affiliate.Service, payouts *payout.Service, welcome WelcomeSender, batch payout.BatchConfig, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		affiliates: affiliates,
		payouts:    payouts,
		welcome:    welcome,
		batch:      batch,
		log:        log,
		validator:  validator.New(),
	}
}

// EnrollAffiliate turns a platform user into an affiliate
// @Router /api/v1/admin/affiliates [post]
func (h *AdminHandler) EnrollAffiliate(c echo.Context) error {
	var req models.CreateAffiliateRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	settings, err := h.affiliates.GetSettings(ctx)
	if err != nil {
		return errors.InternalError(c, err)
	}

	aff, err := h.affiliates.CreateAffiliate(ctx, req, settings)
	if err != nil {
		return errors.DomainError(c, err)
	}

	if h.welcome != nil {
		if err := h.welcome.SendAffiliateWelcomeEmail(aff.Email, aff.Name, h.affiliates.ShareURL(aff.Code), aff.CommissionRate); err != nil {
			h.log.Warn("failed to send affiliate welcome email", "affiliate_id", aff.ID, "error", err)
		}
	}

	return c.JSON(http.StatusCreated, aff)
}

// SetActive enables or disables an affiliate
// @Router /api/v1/admin/affiliates/{id}/active [put]
func (h *AdminHandler) SetActive(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return invalidID(c)
	}

	var req models.SetActiveRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	aff, err := h.affiliates.SetActive(ctx, id, *req.IsActive)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, aff)
}

// GetSettings returns the program-wide affiliate settings
// @Router /api/v1/admin/affiliate-settings [get]
func (h *AdminHandler) GetSettings(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	settings, err := h.affiliates.GetSettings(ctx)
	if err != nil {
		return errors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, settings)
}

// UpdateSettings changes default rates and the payout threshold
// @Router /api/v1/admin/affiliate-settings [put]
func (h *AdminHandler) UpdateSettings(c echo.Context) error {
	var req models.UpdateSettingsRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	settings, err := h.affiliates.UpdateSettings(ctx, req)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, settings)
}

// ProcessPayouts runs an automatic payout batch and returns its summary.
// The batch keeps running if the client disconnects.
// @Router /api/v1/admin/payouts/process [post]
func (h *AdminHandler) ProcessPayouts(c echo.Context) error {
	summary, err := h.payouts.ProcessWithSettings(c.Request().Context(), h.affiliates, h.batch)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, summary)
}

// RecordPayout records a payment made to an affiliate outside the processor
// @Router /api/v1/admin/affiliates/{id}/payouts [post]
func (h *AdminHandler) RecordPayout(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return invalidID(c)
	}

	var req models.RecordPayoutRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	p, err := h.payouts.RecordPayout(ctx, id, req)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusCreated, p)
}
