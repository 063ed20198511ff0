package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowhub/research-orchestrator/internal/config"
	"github.com/knowhub/research-orchestrator/internal/db"
	"github.com/knowhub/research-orchestrator/internal/eventhub"
	"github.com/knowhub/research-orchestrator/internal/executor"
	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/models"
	"github.com/knowhub/research-orchestrator/internal/sequence"
	"github.com/knowhub/research-orchestrator/internal/service"
	"github.com/knowhub/research-orchestrator/internal/timeline"
	"github.com/knowhub/research-orchestrator/internal/workflow"
)

type idleRunner struct{}

func (idleRunner) Run(context.Context, *workflow.State) {}

type stubModel struct{}

func (stubModel) Chat(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{}, nil
}

func (stubModel) ChatStream(context.Context, llm.Request, func(string)) (*llm.Response, error) {
	return &llm.Response{}, nil
}

type apiEnv struct {
	mux  *http.ServeMux
	mock sqlmock.Sqlmock
	mr   *miniredis.Miniredis
	hub  *eventhub.Hub
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })
	dbc := db.NewClientFromDB(sqlx.NewDb(rawDB, "sqlmock"), logger)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	seq := sequence.NewGenerator(dbc)
	store := timeline.NewStore(dbc, rdb, seq, logger)
	hub := eventhub.NewHub(store, logger)
	pub := workflow.NewPublisher(store, hub)

	factory := models.NewFactoryWithBuilder(func(config.ModelConfig) (llm.Client, llm.StreamingClient) {
		return stubModel{}, stubModel{}
	}, logger)
	life := models.NewLifecycle(factory)

	budgets := config.NewBudgetRegistry(map[string]config.BudgetLevel{
		"HIGH": {MaxConductCount: 3, MaxSearchCount: 5, MaxConcurrentUnits: 3},
	}, logger)

	pool := executor.New(1, 4, time.Minute, logger)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	modelCfg := config.ModelConfig{ID: "default", Model: "deep-chat", APIKey: "key"}
	svc := service.NewResearch(dbc, store, life, budgets, modelCfg, idleRunner{}, pool, pub, logger)

	mux := http.NewServeMux()
	NewHandler(svc, hub, logger).RegisterRoutes(mux)
	return &apiEnv{mux: mux, mock: mock, mr: mr, hub: hub}
}

func (e *apiEnv) do(t *testing.T, method, target, body string, asUser string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if asUser != "" {
		req.Header.Set("X-User-Id", asUser)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestIdentityRequired(t *testing.T) {
	env := newAPIEnv(t)

	for _, target := range []string{
		"/api/v1/research/create",
		"/api/v1/research/list",
		"/api/v1/research/abc",
		"/api/v1/research/abc/messages",
	} {
		rec := env.do(t, http.MethodGet, target, "", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestCreateReturnsIDs(t *testing.T) {
	env := newAPIEnv(t)

	now := time.Now()
	cols := []string{
		"id", "user_id", "status", "title", "model_id", "budget",
		"created_at", "started_at", "updated_at", "completed_at",
		"total_input_tokens", "total_output_tokens",
	}
	env.mock.ExpectQuery(`SELECT \* FROM research_task WHERE user_id`).
		WillReturnRows(sqlmock.NewRows(cols))
	env.mock.ExpectQuery(`INSERT INTO research_task`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("t-1", 7, "NEW", nil, nil, nil, now, nil, now, nil, 0, 0))

	rec := env.do(t, http.MethodGet, "/api/v1/research/create?num=1", "", "7")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Code int `json:"code"`
		Data struct {
			ResearchIDs []string `json:"research_ids"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"t-1"}, resp.Data.ResearchIDs)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestStatusMapsOwnershipToForbidden(t *testing.T) {
	env := newAPIEnv(t)

	env.mock.ExpectQuery(`SELECT COUNT\(1\) FROM research_task`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	rec := env.do(t, http.MethodGet, "/api/v1/research/t-9", "", "7")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendMessageConflictMapsTo409(t *testing.T) {
	env := newAPIEnv(t)

	now := time.Now()
	cols := []string{
		"id", "user_id", "status", "title", "model_id", "budget",
		"created_at", "started_at", "updated_at", "completed_at",
		"total_input_tokens", "total_output_tokens",
	}
	env.mock.ExpectExec(`UPDATE research_task`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectQuery(`SELECT \* FROM research_task WHERE id`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("t-1", 7, "IN_RESEARCH", nil, nil, nil, now, now, now, nil, 0, 0))

	rec := env.do(t, http.MethodPost, "/api/v1/research/t-1/messages",
		`{"content": "再来一次"}`, "7")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMessageRejectsEmptyBody(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/research/t-1/messages",
		`{"content": ""}`, "7")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSERequiresHeaders(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/research/sse", "", "7")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEForbiddenForNonOwner(t *testing.T) {
	env := newAPIEnv(t)

	env.mock.ExpectQuery(`SELECT COUNT\(1\) FROM research_task`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/research/sse", nil)
	req.Header.Set("X-User-Id", "7")
	req.Header.Set("X-Research-Id", "t-1")
	req.Header.Set("X-Client-Id", "c-1")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSSEDeliversFramesUntilComplete(t *testing.T) {
	env := newAPIEnv(t)

	// Ownership comes from the cache, so no durable lookup is needed.
	env.mr.SAdd("user:7:researches", "t-1")

	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/research/sse", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "7")
	req.Header.Set("X-Research-Id", "t-1")
	req.Header.Set("X-Client-Id", "c-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Headers received, so the connection is registered: push frames
	// and let the terminal frame end the stream.
	env.hub.SendReportStream("t-1", "hello")
	env.hub.Complete("t-1", "COMPLETED")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	require.Contains(t, body, "event: report")
	require.Contains(t, body, `"delta":"hello"`)
	require.Contains(t, body, "event: complete")
	require.Contains(t, body, `"status":"COMPLETED"`)
}
