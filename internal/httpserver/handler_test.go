package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifyhub/internal/admission"
	"notifyhub/internal/channel"
	"notifyhub/internal/clock"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/engine"
	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/internal/scheduler"
	"notifyhub/internal/statemachine"
	"notifyhub/internal/wshub"
	"notifyhub/pkg/rbac"
	"notifyhub/pkg/util"
)

const testSecret = "test-secret"

type testServer struct {
	router *gin.Engine
	clock  *clock.Fake
	store  *repository.MemoryStore
	engine *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore(clk)
	registry := channel.NewRegistry()
	registry.Register(model.ChannelEmail, channel.HandlerFunc(func(context.Context, *model.Notification) error { return nil }))
	machine := statemachine.New(store, registry, model.MaxRetries, zap.NewNop())

	lanes := dispatch.DefaultLanes()
	for i := range lanes {
		lanes[i].MaxLength = 32
	}
	queue := dispatch.NewQueue(dispatch.NewMemoryTransport(lanes, zap.NewNop()), lanes, zap.NewNop())
	sched := scheduler.New(store, machine, queue, clk, scheduler.Config{}, zap.NewNop())
	eng := engine.New(engine.Deps{
		Store:     store,
		Machine:   machine,
		Queue:     queue,
		Scheduler: sched,
		Admission: admission.NewController(admission.DefaultHeavyLoadThreshold, zap.NewNop()),
		Clock:     clk,
	}, engine.Config{InstanceID: "http-test"}, zap.NewNop())

	router := NewRouter(Deps{
		Engine:    eng,
		Scheduler: sched,
		Store:     store,
		Hub:       wshub.New(time.Second, zap.NewNop()),
		Registry:  registry,
	}, testSecret, zap.NewNop())

	return &testServer{router: router, clock: clk, store: store, engine: eng}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := util.GenerateJWT(userID, role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz_FailingCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Deps{Checks: []ReadinessCheck{{
		Name: "db",
		Ping: func(context.Context) error { return assert.AnError },
	}}}, testSecret, zap.NewNop())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "db_not_ready", decode(t, w)["status"])
}

func TestAuth_MissingAndInvalidToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/inbox", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/inbox", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateNotification(t *testing.T) {
	s := newTestServer(t)
	user := token(t, "u1", rbac.RoleUser)

	w := s.do(t, http.MethodPost, "/notifications", user, map[string]any{
		"user_id":  "u1",
		"title":    "hi",
		"message":  "there",
		"priority": "low",
		"channel":  "email",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	n := decode(t, w)["notification"].(map[string]any)
	assert.Equal(t, "PENDING", n["status"])
	assert.Equal(t, "LOW", n["priority"])

	t.Run("for another user is forbidden", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/notifications", user, map[string]any{
			"user_id": "u2", "title": "x", "message": "y", "priority": "LOW", "channel": "EMAIL",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin may create for anyone", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/notifications", token(t, "root", rbac.RoleAdmin), map[string]any{
			"user_id": "u2", "title": "x", "message": "y", "priority": "HIGH", "channel": "SMS",
		})
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("invalid request", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/notifications", user, map[string]any{
			"user_id": "u1", "title": "x", "message": "y", "priority": "URGENT", "channel": "EMAIL",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCancelNotification(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	at := s.clock.Now().Add(time.Hour)
	n, err := s.engine.Create(ctx, engine.CreateRequest{
		UserID: "u1", Title: "t", Message: "m",
		Priority: model.PriorityLow, Channel: model.ChannelEmail, ScheduledAt: &at,
	})
	require.NoError(t, err)
	path := "/notifications/" + strconv.FormatInt(n.ID, 10)

	w := s.do(t, http.MethodDelete, path, token(t, "u2", rbac.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "foreign notification is hidden")

	owner := token(t, "u1", rbac.RoleUser)
	w = s.do(t, http.MethodDelete, path, owner, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodDelete, path, owner, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/audit/notifications/"+strconv.FormatInt(n.ID, 10), owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["audit"], 2)
}

func TestUserNotifications_StatusFilter(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.engine.Create(ctx, engine.CreateRequest{UserID: "u1", Title: "t", Message: "m", Priority: model.PriorityLow, Channel: model.ChannelEmail})
	require.NoError(t, err)

	owner := token(t, "u1", rbac.RoleUser)
	w := s.do(t, http.MethodGet, "/users/u1/notifications?status=PENDING", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = s.do(t, http.MethodGet, "/users/u1/notifications?status=SENT", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])

	w = s.do(t, http.MethodGet, "/users/u1/notifications?status=BOGUS", owner, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/users/u1/notifications", token(t, "u2", rbac.RoleVIP), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestScheduledNotifications(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	later := s.clock.Now().Add(2 * time.Hour)
	sooner := s.clock.Now().Add(time.Hour)
	for _, at := range []time.Time{later, sooner} {
		at := at
		_, err := s.engine.Create(ctx, engine.CreateRequest{
			UserID: "u1", Title: "t", Message: "m",
			Priority: model.PriorityMedium, Channel: model.ChannelEmail, ScheduledAt: &at,
		})
		require.NoError(t, err)
	}

	w := s.do(t, http.MethodGet, "/users/u1/scheduled", token(t, "u1", rbac.RoleUser), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["count"])

	first := body["notifications"].([]any)[0].(map[string]any)
	assert.Equal(t, "SCHEDULED", first["status"])
	gotAt, err := time.Parse(time.RFC3339Nano, first["scheduled_at"].(string))
	require.NoError(t, err)
	assert.True(t, gotAt.Equal(sooner), "soonest due first")
}

func TestMonitoring_RequiresAdmin(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/monitoring/stats", token(t, "u1", rbac.RoleVIP), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := token(t, "root", rbac.RoleAdmin)
	w = s.do(t, http.MethodGet, "/monitoring/stats", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, engine.LoadNormal, decode(t, w)["system_load"])

	w = s.do(t, http.MethodGet, "/monitoring/scheduled", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["active_timers"])

	w = s.do(t, http.MethodGet, "/monitoring/channels", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"EMAIL"}, decode(t, w)["channels"])
}

func TestAdmin_SweepAndOutbox(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "root", rbac.RoleAdmin)

	w := s.do(t, http.MethodPost, "/admin/sweep", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["scheduled_recovered"])

	w = s.do(t, http.MethodPost, "/admin/sweep", token(t, "u1", rbac.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// memory driver has no outbox
	w = s.do(t, http.MethodPost, "/admin/outbox/replay?id=1", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInbox_NotConfigured(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/inbox", token(t, "u1", rbac.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
