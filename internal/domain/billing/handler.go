package billing

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleBillingClerk, auth.RoleCashier, auth.RoleAuditor))
	read.GET("/bills", h.ListBills)
	read.GET("/bills/:id", h.GetBill)

	write := api.Group("", auth.RequireRole(auth.RoleBillingClerk, auth.RoleCashier))
	write.POST("/bills", h.CreateBill)
	write.POST("/bills/:id/items", h.AddItem)
	write.PATCH("/bills/:id/items/:itemID", h.UpdateItem)
	write.DELETE("/bills/:id/items/:itemID", h.RemoveItem)
	write.PUT("/bills/:id/discount", h.SetDiscount)
	write.POST("/bills/:id/payment", h.RecordPayment)
	write.POST("/bills/:id/bed-charges", h.AddBedCharges)

	// Unlocking a settled bill is an administrative correction.
	api.POST("/bills/:id/reopen", h.ReopenBill, auth.RequireRole(auth.RoleAdmin))
}

// mapErr translates ledger errors into HTTP status codes.
func mapErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBillLocked), errors.Is(err, ErrOverpayment):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidItem), errors.Is(err, ErrInvalidDiscount), errors.Is(err, ErrInvalidPayment):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}

func billID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid bill id")
	}
	return id, nil
}

func (h *Handler) CreateBill(c echo.Context) error {
	var b Bill
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		b.BilledBy = &uid
	}
	if err := h.svc.CreateBill(c.Request().Context(), &b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBills(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	if encID := c.QueryParam("encounter_id"); encID != "" {
		id, err := uuid.Parse(encID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid encounter_id")
		}
		encType := c.QueryParam("encounter_type")
		if encType == "" {
			encType = EncounterVisit
		}
		bills, total, err := h.svc.ListBillsByEncounter(ctx, encType, id, pg.Limit, pg.Offset)
		if err != nil {
			return mapErr(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(bills, total, pg.Limit, pg.Offset))
	}

	if patientID := c.QueryParam("patient_id"); patientID != "" {
		id, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		bills, total, err := h.svc.ListBillsByPatient(ctx, id, pg.Limit, pg.Offset)
		if err != nil {
			return mapErr(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(bills, total, pg.Limit, pg.Offset))
	}

	return echo.NewHTTPError(http.StatusBadRequest, "encounter_id or patient_id is required")
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	var item BillItem
	if err := c.Bind(&item); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.AddItem(c.Request().Context(), id, &item)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) UpdateItem(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	var in UpdateItemInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.UpdateItem(c.Request().Context(), id, itemID, in)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) RemoveItem(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	b, err := h.svc.RemoveItem(c.Request().Context(), id, itemID)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) SetDiscount(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	var in DiscountInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.SetDiscount(c.Request().Context(), id, in)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	var in PaymentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.RecordPayment(c.Request().Context(), id, in)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ReopenBill(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.ReopenBill(c.Request().Context(), id)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) AddBedCharges(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	var in BedChargesInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.AddBedCharges(c.Request().Context(), id, in)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, b)
}
