package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"contractflow/contract"
)

func (s *Server) handleListContracts(c echo.Context) error {
	contracts, err := s.Contracts.ListForActor(c.Request().Context(), actorFrom(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"contracts": contracts})
}

func (s *Server) handleGetContract(c echo.Context) error {
	out, err := s.Contracts.Get(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"contract": out})
}

func (s *Server) handleSignContract(c echo.Context) error {
	out, err := s.Contracts.Sign(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"contract": out})
}

type submitCompletionRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleSubmitCompletion(c echo.Context) error {
	var req submitCompletionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	out, err := s.Contracts.SubmitCompletion(c.Request().Context(), actorFrom(c), c.Param("id"), req.Note)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"contract": out})
}

func (s *Server) handleApproveCompletion(c echo.Context) error {
	out, err := s.Contracts.ApproveCompletion(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"contract": out})
}

type editContractRequest struct {
	Title           string                    `json:"title"`
	Description     string                    `json:"description"`
	TotalAmount     float64                   `json:"total_amount"`
	PaymentType     contract.PaymentType      `json:"payment_type"`
	Milestones      []contract.MilestoneInput `json:"milestones"`
	ExpectedVersion int                       `json:"expected_version"`
}

func (s *Server) handleEditContract(c echo.Context) error {
	var req editContractRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	out, err := s.Contracts.Edit(c.Request().Context(), actorFrom(c), c.Param("id"), contract.EditParams{
		Title:           req.Title,
		Description:     req.Description,
		TotalAmount:     req.TotalAmount,
		PaymentType:     req.PaymentType,
		Milestones:      req.Milestones,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"contract": out})
}

type cancelContractRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelContract(c echo.Context) error {
	var req cancelContractRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Reason == "" {
		return badRequest(c, "reason is required")
	}
	out, err := s.Contracts.Cancel(c.Request().Context(), actorFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"contract": out})
}
