package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/antimomentum/antimomentum/config"
	"github.com/antimomentum/antimomentum/internal/store"
	"github.com/labstack/echo/v4"
)

type dispatchCall struct {
	jobID  int64
	prompt string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, jobID int64, prompt string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{jobID: jobID, prompt: prompt})
	return d.err
}

type brokenStore struct{ *store.Memory }

func (brokenStore) GetJob(ctx context.Context, id int64) (store.JobResponse, bool, error) {
	return store.JobResponse{}, false, errors.New("pq: connection refused")
}

func newTestServer(st JobStore, d Dispatcher) http.Handler {
	return New(config.ServerConfig{CORSOrigins: []string{"*"}}, st, d, http.NotFoundHandler(), nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body["message"]
}

func TestCreateJob(t *testing.T) {
	mem := store.NewMemory()
	d := &fakeDispatcher{}
	h := newTestServer(mem, d)

	rec := do(t, h, http.MethodPost, "/api/jobs", `{"prompt":"Summarize the history of Rome"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var job store.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID == 0 || job.Status != store.JobStatusPending || job.Prompt != "Summarize the history of Rome" || job.Reasoning != nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if !strings.Contains(rec.Body.String(), `"createdAt"`) || !strings.Contains(rec.Body.String(), `"reasoning":null`) {
		t.Fatalf("unexpected wire shape %s", rec.Body.String())
	}
	if len(d.calls) != 1 || d.calls[0] != (dispatchCall{jobID: job.ID, prompt: job.Prompt}) {
		t.Fatalf("unexpected dispatch calls %+v", d.calls)
	}
}

func TestCreateJobValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing prompt", `{}`, "prompt is required"},
		{"blank prompt", `{"prompt":"   "}`, "prompt is required"},
		{"null prompt", `{"prompt":null}`, "prompt is required"},
		{"non-string prompt", `{"prompt":42}`, "invalid request body"},
		{"malformed json", `{"prompt":`, "invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemory()
			d := &fakeDispatcher{}
			rec := do(t, newTestServer(mem, d), http.MethodPost, "/api/jobs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", rec.Code)
			}
			if got := decodeMessage(t, rec); got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
			if len(d.calls) != 0 {
				t.Fatal("nothing should be dispatched")
			}
			if _, ok, _ := mem.GetJob(context.Background(), 1); ok {
				t.Fatal("no job should be created")
			}
		})
	}
}

func TestCreateJobDispatchFailure(t *testing.T) {
	mem := store.NewMemory()
	d := &fakeDispatcher{err: errors.New("redis: connection refused")}
	rec := do(t, newTestServer(mem, d), http.MethodPost, "/api/jobs", `{"prompt":"p"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "redis") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
	job, ok, _ := mem.GetJob(context.Background(), 1)
	if !ok || job.Status != store.JobStatusFailed {
		t.Fatalf("expected unscheduled job to be failed, got ok=%v %+v", ok, job)
	}
}

func TestGetJob(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	job, _ := mem.CreateJob(ctx, "p")
	second, _ := mem.CreateStep(ctx, job.ID, "Summarize", "summarize", 2)
	first, _ := mem.CreateStep(ctx, job.ID, "Search", "web_search", 1)
	out := "Simulated search results for: p"
	_ = mem.UpdateStepStatus(ctx, first.ID, store.StepStatusCompleted, &out)
	_ = mem.UpdateStepStatus(ctx, second.ID, store.StepStatusInProgress, nil)
	_ = mem.UpdateJobStatus(ctx, job.ID, store.JobStatusExecuting)

	rec := do(t, newTestServer(mem, &fakeDispatcher{}), http.MethodGet, "/api/jobs/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp store.JobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != store.JobStatusExecuting || len(resp.Steps) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Steps[0].Order != 1 || resp.Steps[0].Output == nil || *resp.Steps[0].Output != out {
		t.Fatalf("unexpected first step %+v", resp.Steps[0])
	}
	if resp.Steps[1].Order != 2 || resp.Steps[1].Status != store.StepStatusInProgress || resp.Steps[1].Output != nil {
		t.Fatalf("unexpected second step %+v", resp.Steps[1])
	}
	if !strings.Contains(rec.Body.String(), `"jobId":1`) {
		t.Fatalf("expected camelCase step fields: %s", rec.Body.String())
	}
}

func TestGetJobWithoutStepsRendersEmptyList(t *testing.T) {
	mem := store.NewMemory()
	_, _ = mem.CreateJob(context.Background(), "p")
	rec := do(t, newTestServer(mem, &fakeDispatcher{}), http.MethodGet, "/api/jobs/1", "")
	if !strings.Contains(rec.Body.String(), `"steps":[]`) {
		t.Fatalf("expected empty steps array: %s", rec.Body.String())
	}
}

func TestGetJobNotFound(t *testing.T) {
	h := newTestServer(store.NewMemory(), &fakeDispatcher{})
	for _, path := range []string{"/api/jobs/999999", "/api/jobs/abc", "/api/jobs/0", "/api/jobs/-3"} {
		rec := do(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 got %d", path, rec.Code)
		}
		if got := decodeMessage(t, rec); got != "Job not found" {
			t.Fatalf("%s: unexpected message %q", path, got)
		}
	}
}

func TestStoreErrorIsHidden(t *testing.T) {
	rec := do(t, newTestServer(brokenStore{store.NewMemory()}, &fakeDispatcher{}), http.MethodGet, "/api/jobs/1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	if got := decodeMessage(t, rec); got != internalErrorMessage {
		t.Fatalf("raw error leaked: %q", got)
	}
}

func TestGetJobFromPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, prompt, status, reasoning, created_at FROM jobs WHERE id=\$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "prompt", "status", "reasoning", "created_at"}).
			AddRow(int64(7), "Summarize X", "completed", "Search then summarize.", created))
	mock.ExpectQuery(`SELECT id, job_id, "order", title, tool, status, output FROM steps`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "order", "title", "tool", "status", "output"}).
			AddRow(int64(1), int64(7), 1, "Search", "web_search", "completed", "Simulated search results for: X").
			AddRow(int64(2), int64(7), 2, "Summarize", "summarize", "completed", "Summarized content of length 11"))

	rec := do(t, newTestServer(&store.Store{DB: db}, &fakeDispatcher{}), http.MethodGet, "/api/jobs/7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp store.JobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reasoning == nil || *resp.Reasoning != "Search then summarize." || len(resp.Steps) != 2 || !resp.CreatedAt.Equal(created) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jobs_finished_total 0\n"))
	})
	h := New(config.ServerConfig{}, store.NewMemory(), &fakeDispatcher{}, metrics, nil).Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); !strings.Contains(rec.Body.String(), "jobs_finished_total") {
		t.Fatalf("metrics: %q", rec.Body.String())
	}
}

func TestCORSAndUnknownRoute(t *testing.T) {
	h := newTestServer(store.NewMemory(), &fakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil)
	req.Header.Set(echo.HeaderOrigin, "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
		t.Fatalf("expected wildcard CORS, got %q", got)
	}

	rec = do(t, h, http.MethodGet, "/api/nope", "")
	if rec.Code != http.StatusNotFound || decodeMessage(t, rec) == "" {
		t.Fatalf("expected JSON 404, got %d %q", rec.Code, rec.Body.String())
	}
}
