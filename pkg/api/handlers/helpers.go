package handlers

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/jordanlanch/courseplatform/pkg/api/errors"
	"github.com/jordanlanch/courseplatform/pkg/middleware"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/labstack/echo/v4"
)

var errUnauthenticated = stderrors.New("no authenticated user")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Page is a paginated list response
type Page struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func pagination(c echo.Context) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func paramID(c echo.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func invalidID(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "invalid_id",
		Message: "Affiliate ID must be a positive number",
	})
}

func currentUserID(c echo.Context) (uint, bool) {
	return middleware.UserID(c)
}

// respondError writes err as the matching JSON error response
func respondError(c echo.Context, err error) error {
	if stderrors.Is(err, errUnauthenticated) {
		return errors.UnauthorizedError(c)
	}
	return errors.DomainError(c, err)
}
