// Package httpapi is the HTTP transport for the contract lifecycle service.
// Handlers decode requests, delegate to the domain services, and translate
// sentinel errors into stable JSON error kinds.
package httpapi

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"contractflow/auth"
	"contractflow/contract"
	"contractflow/dispute"
	"contractflow/milestone"
	"contractflow/notify"
	"contractflow/payments"
)

// Server bundles the services the HTTP layer fronts.
type Server struct {
	Auth          *auth.Service
	Contracts     *contract.Service
	Milestones    *milestone.Service
	Disputes      *dispute.Service
	Notifications *notify.Service
	Bridge        *payments.Bridge
	WebhookSecret string
	Pool          *pgxpool.Pool
}

// Router builds the Echo instance with all routes wired.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/ready", func(c echo.Context) error {
		if err := s.Pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db unreachable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	})

	// Signup and login are rate limited per IP to slow credential abuse.
	authGroup := e.Group("/auth")
	authGroup.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(20)))
	authGroup.POST("/register", s.handleRegister)
	authGroup.POST("/login", s.handleLogin)

	// Processor webhooks authenticate by signature, not bearer token.
	e.POST("/webhooks/payments", s.handlePaymentWebhook)

	api := e.Group("", Authenticate(s.Auth))
	api.GET("/auth/me", s.handleMe)

	api.GET("/contracts", s.handleListContracts)
	api.GET("/contracts/:id", s.handleGetContract)
	api.PUT("/contracts/:id", s.handleEditContract, RequireRoles(auth.RoleClient))
	api.POST("/contracts/:id/sign", s.handleSignContract)
	api.POST("/contracts/:id/completion", s.handleSubmitCompletion, RequireRoles(auth.RoleFreelancer))
	api.POST("/contracts/:id/completion/approve", s.handleApproveCompletion, RequireRoles(auth.RoleClient))
	api.POST("/contracts/:id/disputes", s.handleOpenDispute)

	api.GET("/contracts/:id/milestones", s.handleListMilestones)
	api.POST("/milestones/:id/start", s.handleStartMilestone, RequireRoles(auth.RoleFreelancer))
	api.POST("/milestones/:id/submit", s.handleSubmitMilestone, RequireRoles(auth.RoleFreelancer))
	api.POST("/milestones/:id/approve", s.handleApproveMilestone, RequireRoles(auth.RoleClient))
	api.POST("/milestones/:id/reject", s.handleRejectMilestone, RequireRoles(auth.RoleClient))

	api.GET("/disputes/:id", s.handleGetDispute)

	api.GET("/notifications", s.handleListNotifications)
	api.POST("/notifications/:id/read", s.handleMarkNotificationRead)
	api.POST("/notifications/read-all", s.handleMarkAllNotificationsRead)

	admin := e.Group("/admin", Authenticate(s.Auth), AdminGuard)
	admin.GET("/disputes", s.handleListOpenDisputes)
	admin.POST("/disputes/:id/assign", s.handleAssignDispute)
	admin.POST("/disputes/:id/resolve", s.handleResolveDispute)
	admin.POST("/contracts/:id/cancel", s.handleCancelContract)

	return e
}
