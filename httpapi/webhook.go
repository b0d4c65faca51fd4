package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"contractflow/payments"
)

// handlePaymentWebhook receives processor callbacks. The raw body is read
// before any parsing because the signature covers the exact bytes sent.
func (s *Server) handlePaymentWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return badRequest(c, "unreadable body")
	}

	header := c.Request().Header.Get(payments.SignatureHeader)
	if err := payments.VerifySignature(header, body, s.WebhookSecret, time.Now()); err != nil {
		return writeError(c, err)
	}

	evt, err := payments.ParseEvent(body)
	if err != nil {
		return badRequest(c, "malformed event payload")
	}

	if err := s.Bridge.HandleEvent(c.Request().Context(), evt); err != nil {
		// Non-2xx makes the processor retry the delivery later.
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}
