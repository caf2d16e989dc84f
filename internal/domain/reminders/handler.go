package reminders

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/salus/reminders/internal/backend"
	"github.com/salus/reminders/internal/platform/auth"
	"github.com/salus/reminders/internal/reminder"
	"github.com/salus/reminders/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/prescriptions/:id/reminders", h.SchedulePrescription)
	api.DELETE("/prescriptions/:id/reminders", h.CancelPrescription)
	api.GET("/prescriptions/:id/reminders", h.GetPrescriptionReminders)

	api.POST("/appointments/:id/reminders", h.ScheduleAppointment)
	api.DELETE("/appointments/:id/reminders", h.CancelAppointment)
	api.GET("/appointments/:id/reminders", h.GetAppointmentReminders)

	api.GET("/reminders", h.ListReminders)

	api.GET("/notification-permission", h.GetPermission)
	api.PUT("/notification-permission", h.PutPermission)
}

type scheduleRequest struct {
	Start string `json:"start"`
}

type scheduleResponse struct {
	Scheduled bool                             `json:"scheduled"`
	Reason    string                           `json:"reason,omitempty"`
	Reminders []reminder.ScheduledNotification `json:"reminders,omitempty"`
}

type statusResponse struct {
	Active    bool                             `json:"active"`
	Reminders []reminder.ScheduledNotification `json:"reminders"`
}

type permissionRequest struct {
	Granted *bool `json:"granted"`
}

type permissionResponse struct {
	State   string `json:"state"`
	Granted bool   `json:"granted"`
}

// -- Prescription Handlers --

func (h *Handler) SchedulePrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var start time.Time
	if req.Start != "" {
		start, err = time.Parse(time.RFC3339, req.Start)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start must be an RFC 3339 timestamp")
		}
	}

	caller := callerFrom(c)
	ns, err := h.svc.SchedulePrescription(c.Request().Context(), caller, id, start)
	exposeToken(c, caller)
	if err != nil {
		return scheduleError(c, err)
	}
	return c.JSON(http.StatusCreated, scheduleResponse{Scheduled: true, Reminders: ns})
}

func (h *Handler) CancelPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.CancelPrescription(c.Request().Context(), callerFrom(c), id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetPrescriptionReminders(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ns, err := h.svc.PrescriptionReminders(c.Request().Context(), callerFrom(c), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, newStatus(ns))
}

// -- Appointment Handlers --

func (h *Handler) ScheduleAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	caller := callerFrom(c)
	ns, err := h.svc.ScheduleAppointment(c.Request().Context(), caller, id)
	exposeToken(c, caller)
	if err != nil {
		return scheduleError(c, err)
	}
	return c.JSON(http.StatusCreated, scheduleResponse{Scheduled: true, Reminders: ns})
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.CancelAppointment(c.Request().Context(), callerFrom(c), id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetAppointmentReminders(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ns, err := h.svc.Pending(c.Request().Context(), callerFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, newStatus(reminder.ForAppointment(ns, id)))
}

// -- Listing and permission Handlers --

func (h *Handler) ListReminders(c echo.Context) error {
	pg := pagination.FromContext(c)
	ns, err := h.svc.Pending(c.Request().Context(), callerFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	if kind := c.QueryParam("type"); kind != "" {
		ns = reminder.FilterByTag(ns, reminder.TagDomainType, kind)
	}
	return c.JSON(http.StatusOK, pagination.Page(ns, pg))
}

func (h *Handler) GetPermission(c echo.Context) error {
	p, err := h.svc.Permission(c.Request().Context(), callerFrom(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newPermission(string(p)))
}

func (h *Handler) PutPermission(c echo.Context) error {
	var req permissionRequest
	if err := c.Bind(&req); err != nil || req.Granted == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "granted must be true or false")
	}
	if err := h.svc.SetPermission(c.Request().Context(), callerFrom(c), *req.Granted); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	state := "denied"
	if *req.Granted {
		state = "granted"
	}
	return c.JSON(http.StatusOK, newPermission(state))
}

func newPermission(state string) permissionResponse {
	if state == "" {
		state = "unknown"
	}
	return permissionResponse{State: state, Granted: state == "granted"}
}

func newStatus(ns []reminder.ScheduledNotification) statusResponse {
	if ns == nil {
		ns = []reminder.ScheduledNotification{}
	}
	return statusResponse{Active: len(ns) > 0, Reminders: ns}
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func callerFrom(c echo.Context) *Caller {
	ctx := c.Request().Context()
	return &Caller{OwnerID: auth.OwnerFromContext(ctx), Token: auth.TokenFromContext(ctx)}
}

// exposeToken hands a token rotated by the backend back to the client, the
// same way the backend itself does.
func exposeToken(c echo.Context, caller *Caller) {
	if caller.RefreshedToken != "" {
		c.Response().Header().Set(echo.HeaderAuthorization, "Bearer "+caller.RefreshedToken)
	}
}

func scheduleError(c echo.Context, err error) error {
	if errors.Is(err, ErrPermissionDenied) {
		return c.JSON(http.StatusConflict, scheduleResponse{Scheduled: false, Reason: "permission_denied"})
	}
	return toHTTPError(err)
}

func toHTTPError(err error) error {
	var invalid *reminder.InvalidScheduleError
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotPending):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, backend.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, backend.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, backend.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, backend.ErrUnreachable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, backend.ErrUnreachable.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "backend timed out")
	case errors.Is(err, ErrPlatform), errors.As(err, &apiErr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
