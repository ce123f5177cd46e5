package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/omnihub/internal/platform/auth"
	"github.com/clinicops/omnihub/pkg/pagination"
)

type staticAccess map[string][]uuid.UUID

func (a staticAccess) BranchAccessFor(_ context.Context, userID string) ([]uuid.UUID, error) {
	return a[userID], nil
}

type handlerFixture struct {
	*fixture
	h      *Handler
	e      *echo.Echo
	north  *Conversation
	south  *Conversation
	global *Conversation
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := newFixture(t)
	hf := &handlerFixture{
		fixture: f,
		h:       NewHandler(f.svc, staticAccess{"rec-n": {f.north}}, []string{"admin"}),
		e:       echo.New(),
	}
	now := time.Now()
	hf.north = f.ingest(t, whatsappKey("5215500000001", f.north), text("north", now))
	hf.south = f.ingest(t, whatsappKey("5215500000002", f.south), text("south", now))
	hf.global = f.ingest(t, messengerKey("psid-1"), text("global", now))
	return hf
}

// call runs handler for userID/role with the given :id param and JSON body.
func (hf *handlerFixture) call(t *testing.T, handler echo.HandlerFunc, method, userID, role, id, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(auth.WithUser(req.Context(), userID, []string{role}))
	rec := httptest.NewRecorder()
	c := hf.e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return rec, handler(c)
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T (%v)", err, err)
	return he.Code
}

func TestHandler_ListScopedForStaff(t *testing.T) {
	hf := newHandlerFixture(t)

	rec, err := hf.call(t, hf.h.List, http.MethodGet, "rec-n", "reception", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp pagination.Response[Conversation]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	for _, c := range resp.Data {
		assert.NotEqual(t, hf.south.ID, c.ID)
	}

	rec, err = hf.call(t, hf.h.List, http.MethodGet, "admin-1", "admin", "", "")
	require.NoError(t, err)
	var all pagination.Response[Conversation]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, 3, all.Total)
}

func TestHandler_ListInvalidStatus(t *testing.T) {
	hf := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/?status=archived", nil)
	req = req.WithContext(auth.WithUser(req.Context(), "admin-1", []string{"admin"}))
	c := hf.e.NewContext(req, httptest.NewRecorder())

	err := hf.h.List(c)
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))
}

func TestHandler_GetOutsideScopeIsNotFound(t *testing.T) {
	hf := newHandlerFixture(t)

	_, err := hf.call(t, hf.h.Get, http.MethodGet, "rec-n", "reception", hf.south.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, httpStatus(t, err))

	rec, err := hf.call(t, hf.h.Get, http.MethodGet, "rec-n", "reception", hf.north.ID.String(), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = hf.call(t, hf.h.Get, http.MethodGet, "rec-n", "reception", "not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))

	_, err = hf.call(t, hf.h.Get, http.MethodGet, "admin-1", "admin", uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, httpStatus(t, err))
}

func TestHandler_ListMessages(t *testing.T) {
	hf := newHandlerFixture(t)

	rec, err := hf.call(t, hf.h.ListMessages, http.MethodGet, "admin-1", "admin", hf.global.ID.String(), "")
	require.NoError(t, err)
	var resp pagination.Response[Message]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "global", resp.Data[0].Body)
}

func TestHandler_SendMessage(t *testing.T) {
	hf := newHandlerFixture(t)

	rec, err := hf.call(t, hf.h.SendMessage, http.MethodPost, "rec-n", "reception", hf.global.ID.String(), `{"body":"hello"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var msg Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, DirectionOutbound, msg.Direction)
	require.NotNil(t, msg.AuthorID)
	assert.Equal(t, "rec-n", *msg.AuthorID)

	_, err = hf.call(t, hf.h.SendMessage, http.MethodPost, "rec-n", "reception", hf.global.ID.String(), `{"body":""}`)
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))
}

func TestHandler_Mutations(t *testing.T) {
	hf := newHandlerFixture(t)
	id := hf.north.ID.String()

	rec, err := hf.call(t, hf.h.MarkRead, http.MethodPost, "rec-n", "reception", id, "")
	require.NoError(t, err)
	var conv Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, 0, conv.UnreadCount)

	rec, err = hf.call(t, hf.h.AddTag, http.MethodPost, "rec-n", "reception", id, `{"tag":"Urgente"}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, []string{"urgente"}, conv.Tags)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req = req.WithContext(auth.WithUser(req.Context(), "rec-n", []string{"reception"}))
	rec = httptest.NewRecorder()
	c := hf.e.NewContext(req, rec)
	c.SetParamNames("id", "tag")
	c.SetParamValues(id, "urgente")
	require.NoError(t, hf.h.RemoveTag(c))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Empty(t, conv.Tags)

	rec, err = hf.call(t, hf.h.Assign, http.MethodPut, "rec-n", "reception", id, `{"staff_id":"rec-n"}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	require.NotNil(t, conv.AssignedTo)
	assert.Equal(t, "rec-n", *conv.AssignedTo)

	rec, err = hf.call(t, hf.h.SetStatus, http.MethodPut, "rec-n", "reception", id, `{"status":"closed"}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, StatusClosed, conv.Status)

	_, err = hf.call(t, hf.h.SetPriority, http.MethodPut, "rec-n", "reception", id, `{"priority":"someday"}`)
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))

	_, err = hf.call(t, hf.h.SetPriority, http.MethodPut, "rec-n", "reception", hf.south.ID.String(), `{"priority":"high"}`)
	assert.Equal(t, http.StatusNotFound, httpStatus(t, err))
}

func TestHandler_RoutesRequireStaffRole(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role := c.Request().Header.Get("X-Test-Role")
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "u-1", []string{role})))
			return next(c)
		}
	})
	hf.h.RegisterRoutes(hf.e.Group("/api/v1"), "admin", "reception")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("X-Test-Role", "patient")
	rec := httptest.NewRecorder()
	hf.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+hf.global.ID.String(), nil)
	req.Header.Set("X-Test-Role", "admin")
	rec = httptest.NewRecorder()
	hf.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_StorageErrorIsNotExposed(t *testing.T) {
	hf := newHandlerFixture(t)
	require.NoError(t, hf.db.Close())

	_, err := hf.call(t, hf.h.Get, http.MethodGet, "admin-1", "admin", hf.global.ID.String(), "")
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T", err)
	assert.Equal(t, http.StatusInternalServerError, he.Code)
	assert.Equal(t, "internal server error", he.Message)
	require.Error(t, he.Internal, "cause is kept for the request log")
	assert.NotContains(t, fmt.Sprint(he.Message), "sql")
}

type failingAccess struct{}

func (failingAccess) BranchAccessFor(context.Context, string) ([]uuid.UUID, error) {
	return nil, errors.New("staff_branch_access: connection refused")
}

func TestHandler_BranchAccessErrorIsNotExposed(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.h = NewHandler(hf.svc, failingAccess{}, []string{"admin"})

	_, err := hf.call(t, hf.h.List, http.MethodGet, "rec-n", "reception", "", "")
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T", err)
	assert.Equal(t, http.StatusInternalServerError, he.Code)
	assert.Equal(t, "internal server error", he.Message)
	assert.ErrorContains(t, he.Internal, "connection refused")
}
