package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/agent"
	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/config"
	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/metrics"
	"github.com/fyrsmithlabs/devhive/internal/orchestrator"
	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

type noopInvoker struct{}

func (noopInvoker) Invoke(context.Context, task.Stage, *assemble.Bundle, agent.StageConfig) (*agent.Invocation, error) {
	return nil, agent.Fatalf("no model configured")
}

type noopForge struct{}

func (noopForge) FetchIssue(context.Context, string) (*assemble.Ticket, error) {
	return &assemble.Ticket{Title: "t"}, nil
}

func (noopForge) OpenPullRequest(context.Context, string, string, string, string) (string, error) {
	return "", nil
}

func (noopForge) PostComment(context.Context, string, string) error { return nil }

func setupTestServer(t *testing.T) (*Server, *ledger.Store) {
	t.Helper()

	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch, err := orchestrator.New(orchestrator.Options{
		Store:     store,
		Assembler: assemble.New(nil, assemble.Config{}, nil),
		Agents:    agent.NewRunner(noopInvoker{}, nil),
		Forge:     noopForge{},
		Stages:    config.StagesConfig{Default: agent.StageConfig{Model: "m"}},
		Policies: config.PoliciesConfig{
			Rules: policy.Config{MaxChangedLines: 300},
		},
	})
	require.NoError(t, err)

	server, err := NewServer(orch, store, metrics.New(), zap.NewNop(), nil)
	require.NoError(t, err)
	return server, store
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, _ := setupTestServer(t)
		assert.Equal(t, ":8420", server.config.Addr)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		store, err := ledger.Open(":memory:")
		require.NoError(t, err)
		defer store.Close()

		orch, err := orchestrator.New(orchestrator.Options{
			Store:     store,
			Assembler: assemble.New(nil, assemble.Config{}, nil),
			Agents:    agent.NewRunner(noopInvoker{}, nil),
			Forge:     noopForge{},
		})
		require.NoError(t, err)

		_, err = NewServer(orch, store, nil, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when orchestrator is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, nil, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "orchestrator cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleCreateTask(t *testing.T) {
	t.Run("creates a pending task", func(t *testing.T) {
		server, store := setupTestServer(t)

		body, _ := json.Marshal(CreateTaskRequest{IssueRef: "owner/repo#7"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)

		var created task.Task
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		assert.Equal(t, "owner/repo#7", created.IssueRef)
		assert.Equal(t, task.StatePending, created.State)

		persisted, err := store.GetTask(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatePending, persisted.State)
	})

	t.Run("rejects missing issue_ref", func(t *testing.T) {
		server, _ := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader([]byte(`{}`)))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGetTask(t *testing.T) {
	t.Run("returns task with attempts", func(t *testing.T) {
		server, store := setupTestServer(t)

		tk := task.New("owner/repo#8")
		require.NoError(t, store.CreateTask(context.Background(), tk))
		require.NoError(t, tk.Begin())
		attempt := &ledger.Attempt{
			TaskID:        tk.ID,
			Stage:         task.StagePlan,
			AttemptNumber: tk.RecordAttempt(task.StagePlan),
			Outcome:       ledger.OutcomeSuccess,
			Output:        `{"steps":["x"]}`,
		}
		require.NoError(t, store.CommitAttempt(context.Background(), tk, attempt))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+tk.ID, nil)
		rec := httptest.NewRecorder()

		server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var detail TaskDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		assert.Equal(t, tk.ID, detail.Task.ID)
		require.Len(t, detail.Attempts, 1)
		assert.Equal(t, task.StagePlan, detail.Attempts[0].Stage)
	})

	t.Run("returns 404 for unknown id", func(t *testing.T) {
		server, _ := setupTestServer(t)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nope", nil)
		rec := httptest.NewRecorder()

		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleListTasks(t *testing.T) {
	server, store := setupTestServer(t)

	a := task.New("owner/repo#1")
	b := task.New("owner/repo#2")
	require.NoError(t, store.CreateTask(context.Background(), a))
	require.NoError(t, store.CreateTask(context.Background(), b))
	require.NoError(t, b.Cancel())
	require.NoError(t, store.UpdateTask(context.Background(), b))

	t.Run("filters by state", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?state=pending", nil)
		rec := httptest.NewRecorder()

		server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var tasks []task.Task
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
		require.Len(t, tasks, 1)
		assert.Equal(t, a.ID, tasks[0].ID)
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?state=bogus", nil)
		rec := httptest.NewRecorder()

		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleCancel(t *testing.T) {
	server, store := setupTestServer(t)

	tk := task.New("owner/repo#9")
	require.NoError(t, store.CreateTask(context.Background(), tk))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+tk.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, task.StateCancelled, got.State)

	// A second cancel is an illegal transition.
	rec = httptest.NewRecorder()
	server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+tk.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRetryConflict(t *testing.T) {
	server, store := setupTestServer(t)

	tk := task.New("owner/repo#10")
	require.NoError(t, store.CreateTask(context.Background(), tk))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+tk.ID+"/retry", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlePolicies(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var cfg policy.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 300, cfg.MaxChangedLines)
}

func TestHandleStats(t *testing.T) {
	server, store := setupTestServer(t)

	require.NoError(t, store.CreateTask(context.Background(), task.New("owner/repo#11")))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats ledger.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalTasks)
	assert.Equal(t, 1, stats.CountsByState[task.StatePending])
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
