package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/silverstone-i/nap-sub000/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskEvictUsers drops the cached canons of a list of users.
	TaskEvictUsers = "rbac:evict_users"
	// TaskEvictRole drops the cached canons of every holder of a role.
	TaskEvictRole = "rbac:evict_role"
)

// EvictUsersPayload names the users whose canons are stale.
type EvictUsersPayload struct {
	Tenant  string   `json:"tenant"`
	UserIDs []string `json:"userIds"`
}

// EvictRolePayload names the role whose holders' canons are stale.
type EvictRolePayload struct {
	Tenant string `json:"tenant"`
	RoleID string `json:"roleId"`
}

// NewEvictUsersTask constructs an Asynq task.
func NewEvictUsersTask(payload EvictUsersPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEvictUsers, data), nil
}

// NewEvictRoleTask constructs an Asynq task.
func NewEvictRoleTask(payload EvictRolePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEvictRole, data), nil
}

// Evictor is the cache side of invalidation. Errors make the task retry.
type Evictor interface {
	EvictUsers(ctx context.Context, tenant string, userIDs ...string) error
	EvictRole(ctx context.Context, tenant, roleID string) error
}

// InvalidationObserver counts invalidation outcomes.
type InvalidationObserver interface {
	ObserveInvalidation(status string)
}

// InvalidationHandlers processes eviction tasks.
type InvalidationHandlers struct {
	evictor  Evictor
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	observer InvalidationObserver
}

// NewInvalidationHandlers builds the eviction task handlers.
func NewInvalidationHandlers(evictor Evictor, logger *slog.Logger, metrics *jobmetrics.Metrics, observer InvalidationObserver) *InvalidationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidationHandlers{evictor: evictor, logger: logger, metrics: metrics, observer: observer}
}

// TaskHandlers lists the handlers for worker registration.
func (h *InvalidationHandlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskEvictUsers, Handler: h.HandleEvictUsers},
		{Type: TaskEvictRole, Handler: h.HandleEvictRole},
	}
}

// HandleEvictUsers processes TaskEvictUsers tasks.
func (h *InvalidationHandlers) HandleEvictUsers(ctx context.Context, t *asynq.Task) error {
	var payload EvictUsersPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s: %v: %w", TaskEvictUsers, err, asynq.SkipRetry)
	}
	tracker := h.metrics.Track(TaskEvictUsers)
	err := h.evictor.EvictUsers(ctx, payload.Tenant, payload.UserIDs...)
	if err == nil {
		h.metrics.AddEvicted(TaskEvictUsers, len(payload.UserIDs))
	}
	return h.finish(tracker.End(err), slog.String("tenant", payload.Tenant), slog.Int("users", len(payload.UserIDs)))
}

// HandleEvictRole processes TaskEvictRole tasks.
func (h *InvalidationHandlers) HandleEvictRole(ctx context.Context, t *asynq.Task) error {
	var payload EvictRolePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s: %v: %w", TaskEvictRole, err, asynq.SkipRetry)
	}
	if payload.RoleID == "" {
		return fmt.Errorf("%s: empty role id: %w", TaskEvictRole, asynq.SkipRetry)
	}
	tracker := h.metrics.Track(TaskEvictRole)
	err := h.evictor.EvictRole(ctx, payload.Tenant, payload.RoleID)
	return h.finish(tracker.End(err), slog.String("tenant", payload.Tenant), slog.String("role_id", payload.RoleID))
}

func (h *InvalidationHandlers) finish(err error, attrs ...any) error {
	if err != nil {
		h.observe("failed")
		h.logger.Warn("canon eviction failed, will retry", append(attrs, slog.Any("error", err))...)
		return err
	}
	h.observe("processed")
	return nil
}

func (h *InvalidationHandlers) observe(status string) {
	if h.observer != nil {
		h.observer.ObserveInvalidation(status)
	}
}
