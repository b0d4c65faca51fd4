package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"contractflow/dispute"
)

type openDisputeRequest struct {
	Type           dispute.Type `json:"type"`
	Reason         string       `json:"reason"`
	Evidence       string       `json:"evidence"`
	AmountDisputed *float64     `json:"amount_disputed"`
}

func (s *Server) handleOpenDispute(c echo.Context) error {
	var req openDisputeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	out, err := s.Disputes.Open(c.Request().Context(), actorFrom(c), dispute.OpenParams{
		ContractID:     c.Param("id"),
		Type:           req.Type,
		Reason:         req.Reason,
		Evidence:       req.Evidence,
		AmountDisputed: req.AmountDisputed,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"dispute": out})
}

func (s *Server) handleGetDispute(c echo.Context) error {
	out, err := s.Disputes.Get(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"dispute": out})
}

func (s *Server) handleListOpenDisputes(c echo.Context) error {
	out, err := s.Disputes.ListOpen(c.Request().Context(), actorFrom(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"disputes": out})
}

type assignDisputeRequest struct {
	AdminID string `json:"admin_id"`
}

func (s *Server) handleAssignDispute(c echo.Context) error {
	var req assignDisputeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	out, err := s.Disputes.Assign(c.Request().Context(), actorFrom(c), c.Param("id"), req.AdminID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"dispute": out})
}

type resolveDisputeRequest struct {
	Resolution   dispute.Resolution `json:"resolution"`
	Details      string             `json:"details"`
	RefundAmount float64            `json:"refund_amount"`
}

func (s *Server) handleResolveDispute(c echo.Context) error {
	var req resolveDisputeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	out, err := s.Disputes.Resolve(c.Request().Context(), actorFrom(c), c.Param("id"), dispute.ResolveParams{
		Resolution:   req.Resolution,
		Details:      req.Details,
		RefundAmount: req.RefundAmount,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"dispute": out})
}
