package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jordanlanch/courseplatform/pkg/affiliate"
	"github.com/jordanlanch/courseplatform/pkg/api/errors"
	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/jordanlanch/courseplatform/pkg/referral"
	"github.com/labstack/echo/v4"
)

// AffiliateCookie carries the referring code between the landing link and checkout
const AffiliateCookie = "affiliate_ref"

// PurchaseConfig configures the public purchase flow
type PurchaseConfig struct {
	CheckoutURL  string
	CookieDays   int
	SecureCookie bool
}

// PurchaseHandler handles affiliate links and checkout attribution
type PurchaseHandler struct {
	affiliates *affiliate.Service
	referrals  *referral.Service
	config     PurchaseConfig
	log        logger.Logger
	validator  *validator.Validate
}

// NewPurchaseHandler creates a new purchase handler
func NewPurchaseHandler(affiliates *affiliate.Service, referrals *referral.Service, config PurchaseConfig, log logger.Logger) *PurchaseHandler {
	if config.CookieDays <= 0 {
		config.CookieDays = 30
	}
	return &PurchaseHandler{
		affiliates: affiliates,
		referrals:  referrals,
		config:     config,
		log:        log,
		validator:  validator.New(),
	}
}

// FollowLink records a click on an affiliate link, remembers the code in a
// cookie and sends the buyer on to checkout. Unknown or inactive codes still
// redirect, without a cookie.
// @Router /purchase [get]
func (h *PurchaseHandler) FollowLink(c echo.Context) error {
	code := affiliate.NormalizeCode(c.QueryParam("ref"))
	if code == "" {
		return c.Redirect(http.StatusFound, h.config.CheckoutURL)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	req := c.Request()
	err := h.affiliates.TrackClick(ctx, code, affiliate.ClickData{
		IPAddress:   c.RealIP(),
		UserAgent:   req.UserAgent(),
		Referrer:    req.Referer(),
		LandingPage: req.URL.String(),
		UTMSource:   c.QueryParam("utm_source"),
		UTMMedium:   c.QueryParam("utm_medium"),
		UTMCampaign: c.QueryParam("utm_campaign"),
	})
	switch {
	case stderrors.Is(err, domain.ErrUnknownAffiliate):
		return c.Redirect(http.StatusFound, h.config.CheckoutURL)
	case err != nil:
		// The buyer still gets the cookie; only the click count is lost.
		h.log.Warn("failed to track affiliate click", "code", code, "error", err)
	}

	c.SetCookie(&http.Cookie{
		Name:     AffiliateCookie,
		Value:    code,
		Path:     "/",
		MaxAge:   h.config.CookieDays * 24 * 60 * 60,
		Expires:  time.Now().AddDate(0, 0, h.config.CookieDays),
		HttpOnly: true,
		Secure:   h.config.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	return c.Redirect(http.StatusFound, checkoutWithCode(h.config.CheckoutURL, code))
}

func checkoutWithCode(checkoutURL, code string) string {
	u, err := url.Parse(checkoutURL)
	if err != nil {
		return checkoutURL
	}
	q := u.Query()
	q.Set("ref", code)
	u.RawQuery = q.Encode()
	return u.String()
}

// Attribute handles the purchase-completed event from checkout. The code is
// taken from the body, falling back to the attribution cookie. Purchases
// with no code are acknowledged without a referral.
// @Router /api/v1/purchases/attribute [post]
func (h *PurchaseHandler) Attribute(c echo.Context) error {
	var req models.AttributeRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	code := req.AffiliateCode
	if code == "" {
		if cookie, err := c.Cookie(AffiliateCookie); err == nil {
			code = cookie.Value
		}
	}
	if affiliate.NormalizeCode(code) == "" {
		return c.NoContent(http.StatusNoContent)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	res, err := h.referrals.Attribute(ctx, req.PurchaseID, code, req.PurchaseAmount)
	if err != nil {
		return errors.DomainError(c, err)
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, models.AttributeResponse{
		ReferralID:    res.Referral.ID,
		AffiliateID:   res.Referral.AffiliateID,
		Commission:    res.Referral.Commission,
		BuyerDiscount: res.Referral.BuyerDiscount,
		Created:       res.Created,
	})
}

// Quote previews the discounted price for an affiliate code
// @Router /api/v1/affiliates/quote [get]
func (h *PurchaseHandler) Quote(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		if cookie, err := c.Cookie(AffiliateCookie); err == nil {
			code = cookie.Value
		}
	}
	if code == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "missing_code",
			Message: "affiliate code is required",
		})
	}

	amount, err := strconv.ParseInt(c.QueryParam("amount"), 10, 64)
	if err != nil || amount < 0 {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_amount",
			Message: "amount must be a non-negative integer in minor units",
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	quote, err := h.referrals.Quote(ctx, code, amount)
	if err != nil {
		return errors.DomainError(c, err)
	}

	return c.JSON(http.StatusOK, quote)
}
