package identity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/recordstore/internal/platform/auth"
)

type Handler struct {
	resolver resolver
	log      zerolog.Logger
}

func NewHandler(r resolver, log zerolog.Logger) *Handler {
	return &Handler{resolver: r, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/identity", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	g.GET("/resolve", h.Resolve)
}

type resolveResponse struct {
	Resolution
	User *User `json:"user,omitempty"`
}

// Resolve reports how a reference maps to a canonical identifier.
func (h *Handler) Resolve(c echo.Context) error {
	ref := c.QueryParam("ref")
	if ref == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ref is required")
	}

	ctx := c.Request().Context()
	resp := resolveResponse{Resolution: h.resolver.Resolve(ctx, ref)}
	if resp.Resolved {
		u, err := h.resolver.User(ctx, resp.Canonical)
		switch {
		case err == nil:
			resp.User = u
		case !errors.Is(err, ErrNotFound):
			h.log.Warn().Err(err).Str("canonical", resp.Canonical).Msg("user lookup for resolved identity failed")
		}
	}
	return c.JSON(http.StatusOK, resp)
}
