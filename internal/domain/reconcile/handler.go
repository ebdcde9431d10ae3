package reconcile

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/encounter"
	"github.com/hms/hms/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleBillingClerk, auth.RoleCashier, auth.RoleAuditor))
	read.GET("/encounters/:type/:id/unbilled-charges", h.PreviewUnbilled)

	write := api.Group("", auth.RequireRole(auth.RoleBillingClerk, auth.RoleCashier))
	write.POST("/encounters/:type/:id/sync-charges", h.SyncCharges)
}

func encounterRef(c echo.Context) (encounter.Ref, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return encounter.Ref{}, echo.NewHTTPError(http.StatusBadRequest, "invalid encounter id")
	}
	ref := encounter.Ref{Type: c.Param("type"), ID: id}
	if err := ref.Validate(); err != nil {
		return encounter.Ref{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return ref, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, encounter.ErrNotFound), errors.Is(err, billing.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrBillLocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return err
	}
}

func (h *Handler) PreviewUnbilled(c echo.Context) error {
	ref, err := encounterRef(c)
	if err != nil {
		return err
	}
	p, err := h.svc.PreviewUnbilled(c.Request().Context(), ref)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SyncCharges(c echo.Context) error {
	ref, err := encounterRef(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SyncCharges(c.Request().Context(), ref)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, res)
}
