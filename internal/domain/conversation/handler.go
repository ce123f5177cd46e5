package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicops/omnihub/internal/platform/auth"
	"github.com/clinicops/omnihub/pkg/pagination"
)

// BranchAccessSource resolves the branches a non-privileged caller may see.
type BranchAccessSource interface {
	BranchAccessFor(ctx context.Context, userID string) ([]uuid.UUID, error)
}

type Handler struct {
	svc        *Service
	access     BranchAccessSource
	privileged []string
}

func NewHandler(svc *Service, access BranchAccessSource, privilegedRoles []string) *Handler {
	return &Handler{svc: svc, access: access, privileged: privilegedRoles}
}

// RegisterRoutes mounts the conversation API under api. Every route requires
// one of staffRoles.
func (h *Handler) RegisterRoutes(api *echo.Group, staffRoles ...string) {
	g := api.Group("/conversations", auth.RequireRole(staffRoles...))
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/messages", h.ListMessages)
	g.POST("/:id/messages", h.SendMessage)
	g.POST("/:id/read", h.MarkRead)
	g.POST("/:id/tags", h.AddTag)
	g.DELETE("/:id/tags/:tag", h.RemoveTag)
	g.PUT("/:id/assignee", h.Assign)
	g.PUT("/:id/status", h.SetStatus)
	g.PUT("/:id/priority", h.SetPriority)
}

// scope resolves what the authenticated caller may see.
func (h *Handler) scope(c echo.Context) (Scope, error) {
	ctx := c.Request().Context()
	if auth.HasAnyRole(auth.RolesFromContext(ctx), h.privileged) {
		return Scope{Privileged: true}, nil
	}
	uid := auth.UserIDFromContext(ctx)
	if uid == "" {
		return Scope{}, echo.NewHTTPError(http.StatusUnauthorized, "missing user")
	}
	branches, err := h.access.BranchAccessFor(ctx, uid)
	if err != nil {
		return Scope{}, internalError(fmt.Errorf("resolve branch access: %w", err))
	}
	return Scope{BranchIDs: branches}, nil
}

// visible loads the :id conversation and hides it from callers outside its
// branch.
func (h *Handler) visible(c echo.Context) (*Conversation, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	scope, err := h.scope(c)
	if err != nil {
		return nil, err
	}
	conv, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if !scope.Allows(conv.TenantID) {
		return nil, echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return conv, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidIdentity), errors.Is(err, ErrMissingTenant),
		errors.Is(err, ErrInvalidTag), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidPriority), errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrInvalidType),
		errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return internalError(err)
}

// internalError hides err from the client; the request logger records it.
func internalError(err error) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func (h *Handler) List(c echo.Context) error {
	scope, err := h.scope(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := ListFilter{
		ScopeBranchIDs: scope.BranchFilter(),
		Channel:        Channel(c.QueryParam("channel")),
		Status:         Status(c.QueryParam("status")),
		AssignedTo:     c.QueryParam("assigned_to"),
		Search:         c.QueryParam("q"),
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) ListMessages(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Messages(c.Request().Context(), conv.ID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) SendMessage(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	var body OutboundContent
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := h.svc.SendOutbound(c.Request().Context(), conv.ID, auth.UserIDFromContext(c.Request().Context()), body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *Handler) MarkRead(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	updated, err := h.svc.MarkRead(c.Request().Context(), conv.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (h *Handler) AddTag(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	var req tagRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.AddTag(c.Request().Context(), conv.ID, req.Tag)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) RemoveTag(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	updated, err := h.svc.RemoveTag(c.Request().Context(), conv.ID, c.Param("tag"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type assignRequest struct {
	StaffID *string `json:"staff_id"`
}

func (h *Handler) Assign(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.Assign(c.Request().Context(), conv.ID, req.StaffID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.SetStatus(c.Request().Context(), conv.ID, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type priorityRequest struct {
	Priority Priority `json:"priority"`
}

func (h *Handler) SetPriority(c echo.Context) error {
	conv, err := h.visible(c)
	if err != nil {
		return err
	}
	var req priorityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.SetPriority(c.Request().Context(), conv.ID, req.Priority)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}
