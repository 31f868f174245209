package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/vultisig/position-manager/internal/amount"
	"github.com/vultisig/position-manager/internal/permission"
	"github.com/vultisig/position-manager/internal/tracker"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/plugin/dca"
	"github.com/vultisig/position-manager/service"
)

var errBadRequest = errors.New("bad request")

type errorMapping struct {
	status int
	code   string
}

// statusOf maps service errors to an HTTP status and a stable code.
func statusOf(err error) errorMapping {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, errBadRequest), errors.As(err, &validationErrs),
		errors.Is(err, amount.ErrInvalidAmount), errors.Is(err, amount.ErrAmountOverflow),
		errors.Is(err, permission.ErrInvalidPermission):
		return errorMapping{http.StatusBadRequest, "invalid_request"}
	case types.IsValidation(err), errors.Is(err, dca.ErrInvalidEdit):
		return errorMapping{http.StatusBadRequest, "invalid_edit"}
	case types.IsInsufficientBalance(err):
		return errorMapping{http.StatusBadRequest, "insufficient_balance"}
	case errors.Is(err, service.ErrUnsupportedChain):
		return errorMapping{http.StatusBadRequest, "unsupported_chain"}
	case errors.Is(err, service.ErrSessionNotFound):
		return errorMapping{http.StatusNotFound, "session_not_found"}
	case errors.Is(err, service.ErrPositionNotLoaded):
		return errorMapping{http.StatusNotFound, "position_not_found"}
	case errors.Is(err, tracker.ErrRecordNotFound):
		return errorMapping{http.StatusNotFound, "transaction_not_found"}
	case errors.Is(err, service.ErrPositionNotOwned):
		return errorMapping{http.StatusForbidden, "position_not_owned"}
	case errors.Is(err, tracker.ErrApprovalPending):
		return errorMapping{http.StatusConflict, "approval_pending"}
	case errors.Is(err, service.ErrApprovalRequired):
		return errorMapping{http.StatusConflict, "approval_required"}
	case errors.Is(err, service.ErrTransactionInFlight), errors.Is(err, tracker.ErrDuplicateTransaction):
		return errorMapping{http.StatusConflict, "transaction_in_flight"}
	case errors.Is(err, types.ErrStaleEstimation):
		return errorMapping{http.StatusConflict, "stale_estimation"}
	case errors.Is(err, service.ErrNoDraft), errors.Is(err, dca.ErrNoModification),
		errors.Is(err, service.ErrPositionClosed), errors.Is(err, service.ErrNothingToWithdraw),
		errors.Is(err, dca.ErrInvalidTransition), errors.Is(err, tracker.ErrInvalidRecord):
		return errorMapping{http.StatusConflict, "invalid_state"}
	case errors.Is(err, service.ErrNoPermissionManager):
		return errorMapping{http.StatusNotImplemented, "permission_manager_unavailable"}
	case types.IsUserRejected(err):
		return errorMapping{http.StatusConflict, "user_rejected"}
	case types.IsChainSubmission(err):
		return errorMapping{http.StatusBadGateway, "chain_error"}
	default:
		return errorMapping{http.StatusInternalServerError, "internal_error"}
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	m := statusOf(err)
	message := err.Error()
	if m.status == http.StatusInternalServerError {
		s.logger.WithField("uri", c.Request().RequestURI).Errorf("request failed: %v", err)
		message = "internal error"
	}
	return c.JSON(m.status, errorResponse{Code: m.code, Error: message})
}
