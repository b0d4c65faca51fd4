package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"contractflow/auth"
)

const actorKey = "actor"

// TokenVerifier checks a bearer token and returns the acting user.
type TokenVerifier interface {
	VerifyToken(token string) (auth.Actor, error)
}

// Authenticate validates the Authorization header and stores the actor on the
// request context.
func Authenticate(verifier TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": KindUnauthenticated, "message": "missing bearer token"})
			}
			actor, err := verifier.VerifyToken(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": KindUnauthenticated, "message": "invalid token"})
			}
			c.Set(actorKey, actor)
			return next(c)
		}
	}
}

// RequireRoles ensures the actor's role is one of the allowed roles.
func RequireRoles(roles ...auth.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := c.Get(actorKey).(auth.Actor)
			if !ok {
				return c.JSON(http.StatusForbidden, echo.Map{"error": KindForbidden, "message": "role missing"})
			}
			for _, r := range roles {
				if actor.Role == r {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, echo.Map{"error": KindForbidden, "message": "access denied"})
		}
	}
}

// AdminGuard restricts a route group to platform admins.
func AdminGuard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, ok := c.Get(actorKey).(auth.Actor)
		if !ok || !actor.IsAdmin() {
			return c.JSON(http.StatusForbidden, echo.Map{"error": KindForbidden, "message": "admin access only"})
		}
		return next(c)
	}
}

func actorFrom(c echo.Context) auth.Actor {
	actor, _ := c.Get(actorKey).(auth.Actor)
	return actor
}
