package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleListMilestones(c echo.Context) error {
	milestones, err := s.Milestones.ListByContract(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"milestones": milestones})
}

func (s *Server) handleStartMilestone(c echo.Context) error {
	out, err := s.Milestones.Start(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"milestone": out})
}

type submitMilestoneRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleSubmitMilestone(c echo.Context) error {
	var req submitMilestoneRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	out, err := s.Milestones.Submit(c.Request().Context(), actorFrom(c), c.Param("id"), req.Note)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"milestone": out})
}

func (s *Server) handleApproveMilestone(c echo.Context) error {
	out, err := s.Milestones.Approve(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"milestone": out})
}

type rejectMilestoneRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleRejectMilestone(c echo.Context) error {
	var req rejectMilestoneRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	out, err := s.Milestones.Reject(c.Request().Context(), actorFrom(c), c.Param("id"), req.Feedback)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"milestone": out})
}
