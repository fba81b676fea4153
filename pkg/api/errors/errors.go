package errors

import (
	stderrors "errors"
	"log"
	"net/http"
	"strings"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/labstack/echo/v4"
)

// ValidationError returns a generic validation error without exposing internal details
func ValidationError(c echo.Context, err error) error {
	log.Printf("[VALIDATION ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	})
}

// InternalError returns a generic internal server error
func InternalError(c echo.Context, err error) error {
	log.Printf("[INTERNAL ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

// UnauthorizedError returns a generic unauthorized error
func UnauthorizedError(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: "You are not authorized to access this resource.",
	})
}

// statusByCode maps domain error codes to HTTP statuses
var statusByCode = map[string]int{
	domain.ErrCodeNotFound:             http.StatusNotFound,
	domain.ErrCodeValidation:           http.StatusBadRequest,
	domain.ErrCodeInvalidRate:          http.StatusBadRequest,
	domain.ErrCodeUnknownAffiliate:     http.StatusNotFound,
	domain.ErrCodeConflict:             http.StatusConflict,
	domain.ErrCodeInvalidTransition:    http.StatusConflict,
	domain.ErrCodeAccountNotConnected:  http.StatusUnprocessableEntity,
	domain.ErrCodeInsufficientBalance:  http.StatusUnprocessableEntity,
	domain.ErrCodeExceedsBalance:       http.StatusUnprocessableEntity,
	domain.ErrCodeProcessorUnavailable: http.StatusServiceUnavailable,
	domain.ErrCodeTransferFailed:       http.StatusBadGateway,
}

// DomainError writes err as a JSON error. Domain messages are safe to expose;
// anything else becomes a generic internal error.
func DomainError(c echo.Context, err error) error {
	var de *domain.DomainError
	if !stderrors.As(err, &de) {
		return InternalError(c, err)
	}

	status, ok := statusByCode[de.Code]
	if !ok {
		return InternalError(c, err)
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[UPSTREAM ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)
	}

	return c.JSON(status, models.ErrorResponse{
		Error:   strings.ToLower(de.Code),
		Message: de.Message,
	})
}
