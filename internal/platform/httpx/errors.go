// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RespondError maps the domain error taxonomy to RFC7807 responses.
func RespondError(w http.ResponseWriter, err error) {
	var (
		validation   *inventory.ValidationError
		insufficient *inventory.InsufficientInventoryError
		expired      *inventory.ExpiredLotError
		quarantined  *inventory.QuarantinedLotError
		approval     *inventory.ApprovalRequiredError
		selfApprove  *inventory.SelfApprovalForbiddenError
		crossTenant  *inventory.CrossTenantAccessError
		conflict     *inventory.ConcurrencyConflictError
		locked       *inventory.ClosurePeriodLockedError
	)
	switch {
	case errors.Is(err, inventory.ErrNotFound), errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &validation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.As(err, &crossTenant), errors.As(err, &selfApprove), errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.As(err, &insufficient), errors.As(err, &expired), errors.As(err, &quarantined),
		errors.As(err, &approval), errors.As(err, &locked),
		errors.Is(err, inventory.ErrInvalidState), errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.As(err, &conflict):
		// Retryable: the client should repeat the request.
		Problem(w, http.StatusConflict, "Concurrency Conflict", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
