package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"contractflow/auth"
)

func (s *Server) handleRegister(c echo.Context) error {
	var req auth.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	user, err := s.Auth.Register(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"user": sanitizeUser(user)})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	result, err := s.Auth.Login(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"token": result.Token, "user": sanitizeUser(&result.User)})
}

func (s *Server) handleMe(c echo.Context) error {
	actor := actorFrom(c)
	user, err := s.Auth.GetUserByID(c.Request().Context(), actor.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": sanitizeUser(user)})
}

// sanitizeUser strips the password hash from API responses.
func sanitizeUser(u *auth.User) echo.Map {
	return echo.Map{
		"id":              u.ID,
		"email":           u.Email,
		"full_name":       u.FullName,
		"role":            u.Role,
		"payouts_enabled": u.PayoutsEnabled,
		"created_at":      u.CreatedAt,
	}
}
