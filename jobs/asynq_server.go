package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/silverstone-i/nap-sub000/internal/platform/httpx"
	"github.com/silverstone-i/nap-sub000/internal/rbac"
)

// Worker wraps the Asynq server.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Handlers) == 0 {
		return nil, errors.New("worker: no task handlers")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
		Logger: newAsynqLogger(cfg.Logger),
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}
	return &Worker{server: srv, mux: mux, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Enqueuer is the subset of asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SyncInvalidator evicts canons in-process. It backs the Client when a task
// cannot be enqueued.
type SyncInvalidator interface {
	InvalidateUser(ctx context.Context, tenant, userID string)
	InvalidateRole(ctx context.Context, tenant, roleID string)
	SyncRoleMembers(ctx context.Context, tenant string, before, after []string)
}

// Client submits eviction tasks to the queue. It satisfies the role
// administration invalidator contract.
type Client struct {
	enqueuer Enqueuer
	fallback SyncInvalidator
	logger   *slog.Logger
	observer InvalidationObserver
}

// NewClient constructs a Client over an enqueuer.
func NewClient(enqueuer Enqueuer, fallback SyncInvalidator, logger *slog.Logger, observer InvalidationObserver) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{enqueuer: enqueuer, fallback: fallback, logger: logger, observer: observer}
}

// InvalidateUser enqueues the eviction of one user.
func (c *Client) InvalidateUser(ctx context.Context, tenant, userID string) {
	task, err := NewEvictUsersTask(EvictUsersPayload{Tenant: tenant, UserIDs: []string{userID}})
	if c.enqueue(ctx, task, err) {
		return
	}
	if c.fallback != nil {
		c.fallback.InvalidateUser(ctx, tenant, userID)
	}
}

// InvalidateRole enqueues the eviction of every holder of roleID.
func (c *Client) InvalidateRole(ctx context.Context, tenant, roleID string) {
	task, err := NewEvictRoleTask(EvictRolePayload{Tenant: tenant, RoleID: roleID})
	if c.enqueue(ctx, task, err) {
		return
	}
	if c.fallback != nil {
		c.fallback.InvalidateRole(ctx, tenant, roleID)
	}
}

// SyncRoleMembers enqueues the eviction of users that gained or lost a role.
func (c *Client) SyncRoleMembers(ctx context.Context, tenant string, before, after []string) {
	changed := rbac.SymmetricDifference(before, after)
	if len(changed) == 0 {
		return
	}
	task, err := NewEvictUsersTask(EvictUsersPayload{Tenant: tenant, UserIDs: changed})
	if c.enqueue(ctx, task, err) {
		return
	}
	if c.fallback != nil {
		c.fallback.SyncRoleMembers(ctx, tenant, before, after)
	}
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, err error) bool {
	if err == nil {
		_, err = c.enqueuer.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(10), asynq.Timeout(30*time.Second))
	}
	if err != nil {
		c.observe("fallback")
		c.logger.Warn("enqueue canon eviction failed, evicting inline", slog.Any("error", err))
		return false
	}
	c.observe("enqueued")
	return true
}

func (c *Client) observe(status string) {
	if c.observer != nil {
		c.observer.ObserveInvalidation(status)
	}
}

// QueueInspector is the subset of asynq.Inspector used by Handler.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector QueueInspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Retry   int    `json:"retry"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, queueHealth{Queue: QueueDefault})
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	resp := queueHealth{Queue: QueueDefault}
	if info != nil {
		resp = queueHealth{Queue: info.Queue, Pending: info.Pending, Retry: info.Retry}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// asynqLogger routes asynq's internal logging through slog. Fatal exits the
// process, as asynq expects.
type asynqLogger struct {
	logger *slog.Logger
	exit   func(code int)
}

func newAsynqLogger(logger *slog.Logger) asynqLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return asynqLogger{logger: logger.With(slog.String("component", "asynq")), exit: os.Exit}
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }

func (l asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...), slog.Bool("fatal", true))
	l.exit(1)
}
