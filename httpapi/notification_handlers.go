package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleListNotifications(c echo.Context) error {
	unreadOnly := c.QueryParam("unread") == "true"
	out, err := s.Notifications.ListForUser(c.Request().Context(), actorFrom(c).UserID, unreadOnly)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"notifications": out})
}

func (s *Server) handleMarkNotificationRead(c echo.Context) error {
	if err := s.Notifications.MarkRead(c.Request().Context(), actorFrom(c).UserID, c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleMarkAllNotificationsRead(c echo.Context) error {
	n, err := s.Notifications.MarkAllRead(c.Request().Context(), actorFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"marked": n})
}
