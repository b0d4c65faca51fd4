package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"contractflow/auth"
	"contractflow/contract"
	"contractflow/dispute"
	"contractflow/milestone"
	"contractflow/notify"
	"contractflow/payments"
)

// Stable error kinds exposed to API clients.
const (
	KindUnauthenticated = "unauthenticated"
	KindForbidden       = "forbidden"
	KindNotFound        = "not_found"
	KindInvalidState    = "invalid_state"
	KindAlreadyDone     = "already_done"
	KindBadRequest      = "bad_request"
	KindExternalFailure = "external_failure"
	KindInternal        = "internal"
)

type errorMapping struct {
	sentinel error
	status   int
	kind     string
}

// Service errors map to one stable kind each so clients can branch on kind
// instead of parsing messages.
var errorMappings = []errorMapping{
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, KindUnauthenticated},
	{auth.ErrDuplicateEmail, http.StatusConflict, KindAlreadyDone},
	{auth.ErrWeakPassword, http.StatusBadRequest, KindBadRequest},
	{auth.ErrUserNotFound, http.StatusNotFound, KindNotFound},

	{contract.ErrNotFound, http.StatusNotFound, KindNotFound},
	{contract.ErrForbidden, http.StatusForbidden, KindForbidden},
	{contract.ErrInvalidState, http.StatusConflict, KindInvalidState},
	{contract.ErrAlreadySigned, http.StatusConflict, KindAlreadyDone},
	{contract.ErrNotEditable, http.StatusConflict, KindInvalidState},
	{contract.ErrVersionConflict, http.StatusConflict, KindInvalidState},
	{contract.ErrBadAmounts, http.StatusBadRequest, KindBadRequest},

	{milestone.ErrNotFound, http.StatusNotFound, KindNotFound},
	{milestone.ErrForbidden, http.StatusForbidden, KindForbidden},
	{milestone.ErrInvalidState, http.StatusConflict, KindInvalidState},
	{milestone.ErrEscrowNotFunded, http.StatusConflict, KindInvalidState},

	{dispute.ErrNotFound, http.StatusNotFound, KindNotFound},
	{dispute.ErrForbidden, http.StatusForbidden, KindForbidden},
	{dispute.ErrInvalidState, http.StatusConflict, KindInvalidState},
	{dispute.ErrAlreadyOpen, http.StatusConflict, KindAlreadyDone},
	{dispute.ErrAlreadyResolved, http.StatusConflict, KindAlreadyDone},
	{dispute.ErrBadRefundAmount, http.StatusBadRequest, KindBadRequest},

	{notify.ErrNotFound, http.StatusNotFound, KindNotFound},

	{payments.ErrBadSignature, http.StatusBadRequest, KindExternalFailure},
	{payments.ErrUnknownReference, http.StatusNotFound, KindNotFound},
	{payments.ErrProcessor, http.StatusBadGateway, KindExternalFailure},
}

// writeError translates a service error into the API error envelope.
func writeError(c echo.Context, err error) error {
	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			return c.JSON(m.status, echo.Map{"error": m.kind, "message": err.Error()})
		}
	}
	c.Logger().Errorf("unhandled error: %v", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": KindInternal, "message": "internal error"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": KindBadRequest, "message": msg})
}
