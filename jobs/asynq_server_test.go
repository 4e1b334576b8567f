package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

type fakeFallback struct {
	users []string
	roles []string
	syncs int
}

func (f *fakeFallback) InvalidateUser(ctx context.Context, tenant, userID string) {
	f.users = append(f.users, userID)
}

func (f *fakeFallback) InvalidateRole(ctx context.Context, tenant, roleID string) {
	f.roles = append(f.roles, roleID)
}

func (f *fakeFallback) SyncRoleMembers(ctx context.Context, tenant string, before, after []string) {
	f.syncs++
}

func TestClientEnqueuesEvictions(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	fallback := &fakeFallback{}
	observed := statusCounter{}
	client := NewClient(enqueuer, fallback, nil, observed)
	ctx := context.Background()

	client.InvalidateUser(ctx, "acme", "u1")
	client.InvalidateRole(ctx, "acme", "clerk")
	client.SyncRoleMembers(ctx, "acme", []string{"a", "b"}, []string{"b", "c"})
	client.SyncRoleMembers(ctx, "acme", []string{"a"}, []string{"a"})

	require.Len(t, enqueuer.tasks, 3)
	assert.Equal(t, TaskEvictUsers, enqueuer.tasks[0].Type())
	assert.Equal(t, TaskEvictRole, enqueuer.tasks[1].Type())

	var payload EvictUsersPayload
	require.NoError(t, json.Unmarshal(enqueuer.tasks[2].Payload(), &payload))
	assert.Equal(t, EvictUsersPayload{Tenant: "acme", UserIDs: []string{"a", "c"}}, payload)

	assert.Equal(t, 3, observed["enqueued"])
	assert.Empty(t, fallback.users)
	assert.Empty(t, fallback.roles)
}

func TestClientFallsBackToInlineEviction(t *testing.T) {
	enqueuer := &fakeEnqueuer{err: errors.New("redis down")}
	fallback := &fakeFallback{}
	observed := statusCounter{}
	client := NewClient(enqueuer, fallback, nil, observed)
	ctx := context.Background()

	client.InvalidateUser(ctx, "acme", "u1")
	client.InvalidateRole(ctx, "acme", "clerk")
	client.SyncRoleMembers(ctx, "acme", nil, []string{"u2"})

	assert.Equal(t, []string{"u1"}, fallback.users)
	assert.Equal(t, []string{"clerk"}, fallback.roles)
	assert.Equal(t, 1, fallback.syncs)
	assert.Equal(t, 3, observed["fallback"])
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func TestHandlerHealth(t *testing.T) {
	serve := func(h *Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.Route("/jobs", h.MountRoutes)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
		return rec
	}

	rec := serve(NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4, Retry: 1}}, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":4,"retry":1}`, rec.Body.String())

	rec = serve(NewHandler(fakeInspector{err: errors.New("down")}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAsynqLoggerFatalExits(t *testing.T) {
	logs := &bytes.Buffer{}
	logger := newAsynqLogger(slog.New(slog.NewJSONHandler(logs, nil)))
	code := -1
	logger.exit = func(c int) { code = c }

	logger.Error("lost connection")
	assert.Equal(t, -1, code)

	logger.Fatal("cannot start ", "server")
	assert.Equal(t, 1, code)
	assert.Contains(t, logs.String(), `"msg":"cannot start server"`)
	assert.Contains(t, logs.String(), `"fatal":true`)
	assert.Contains(t, logs.String(), `"component":"asynq"`)
}
