package settlement

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

// razorpaySignatureHeader carries the webhook delivery signature.
const razorpaySignatureHeader = "X-Razorpay-Signature"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleBillingClerk, auth.RoleCashier, auth.RoleAuditor))
	read.GET("/payments/orders", h.ListOrders)
	read.GET("/payments/orders/:id", h.GetOrder)

	write := api.Group("", auth.RequireRole(auth.RoleBillingClerk, auth.RoleCashier))
	write.POST("/payments/orders", h.CreateOrder)
	write.POST("/payments/verify", h.VerifyPayment)
	write.DELETE("/payments/orders/:id", h.CancelOrder)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/payments/gateway-config", h.GetGatewayConfig)
	admin.PUT("/payments/gateway-config", h.UpsertGatewayConfig)
}

// RegisterWebhook mounts the gateway callback outside the
// authenticated API group. The delivery is authenticated by its HMAC
// signature instead of a bearer token.
func (h *Handler) RegisterWebhook(g *echo.Group) {
	g.POST("/webhooks/razorpay", h.Webhook)
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAttemptNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrMissingEncounterReference):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrNotCancellable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrGatewayUnconfigured):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrUpstreamTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return err
	}
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var o Order
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	info, err := h.svc.CreateOrder(c.Request().Context(), &o)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	pg := pagination.FromContext(c)
	orders, total, err := h.svc.ListOrdersByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, pg.Limit, pg.Offset))
}

func (h *Handler) VerifyPayment(c echo.Context) error {
	var in VerifyInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.VerifyPayment(c.Request().Context(), in)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	o, err := h.svc.CancelOrder(c.Request().Context(), id)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Webhook(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable payload")
	}
	sig := c.Request().Header.Get(razorpaySignatureHeader)
	if err := h.svc.HandleWebhook(c.Request().Context(), payload, sig); err != nil {
		return mapErr(err)
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) GetGatewayConfig(c echo.Context) error {
	cfg, err := h.svc.GetGatewayConfig(c.Request().Context())
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// gatewayConfigRequest exists because the model never serializes its
// secrets, so Bind cannot populate them from the model's tags.
type gatewayConfigRequest struct {
	KeyID         string `json:"key_id"`
	KeySecret     string `json:"key_secret"`
	WebhookSecret string `json:"webhook_secret"`
	AutoCapture   bool   `json:"auto_capture"`
	Active        bool   `json:"active"`
}

func (h *Handler) UpsertGatewayConfig(c echo.Context) error {
	var req gatewayConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg := GatewayConfig{
		KeyID:         req.KeyID,
		KeySecret:     req.KeySecret,
		WebhookSecret: req.WebhookSecret,
		AutoCapture:   req.AutoCapture,
		Active:        req.Active,
	}
	if err := h.svc.UpsertGatewayConfig(c.Request().Context(), &cfg); err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, cfg)
}
