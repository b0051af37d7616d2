package daemon_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/daemon"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/store"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/testsupport"
)

func newDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	require.NoError(t, cfg.EnsureDirectories())
	st, err := store.Open(cfg)
	require.NoError(t, err)
	d, err := daemon.New(cfg, st, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c client) do(method, path string, body any, out any) *http.Response {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func serve(t *testing.T, opts ...testsupport.ConfigOption) (*daemon.Daemon, client) {
	t.Helper()
	d := newDaemon(t, testsupport.NewConfig(t, opts...))
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(srv.Close)
	return d, client{t: t, base: srv.URL}
}

func TestPipelineFlowOverHTTP(t *testing.T) {
	_, c := serve(t)

	var created api.Pipeline
	resp := c.do(http.MethodPost, "/api/pipelines", api.CreatePipelineRequest{ProjectID: "proj-1", Actor: "lead"}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var adv api.AdvanceResponse
	resp = c.do(http.MethodPost, "/api/pipelines/"+created.ID+"/advance", api.AdvanceRequest{Actor: "lead"}, &adv)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, adv.Checkpoint)

	var decision api.DecisionResponse
	resp = c.do(http.MethodPost, "/api/checkpoints/"+adv.Checkpoint.ID+"/approve",
		api.DecisionRequest{Actor: "lead", Feedback: "ship it"}, &decision)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, decision.Advance)
	assert.Equal(t, "script", decision.Advance.To)

	var byProject api.Pipeline
	resp = c.do(http.MethodGet, "/api/projects/proj-1/pipeline", nil, &byProject)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "script", byProject.CurrentStage)

	var jobs []api.Job
	resp = c.do(http.MethodGet, "/api/jobs?status=queued", nil, &jobs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, jobs, 1)

	var history []api.Activity
	resp = c.do(http.MethodGet, "/api/projects/proj-1/history?limit=2", nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, history, 2)

	var report api.PipelineReport
	resp = c.do(http.MethodGet, "/api/metrics/report", nil, &report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, report.Totals.Pipelines)
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	_, c := serve(t)

	var created api.Pipeline
	c.do(http.MethodPost, "/api/pipelines", api.CreatePipelineRequest{ProjectID: "proj-1", Actor: "lead"}, &created)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"missing pipeline", http.MethodGet, "/api/pipelines/nope", nil, http.StatusNotFound, "not_found"},
		{"second pipeline", http.MethodPost, "/api/pipelines", api.CreatePipelineRequest{ProjectID: "proj-1", Actor: "lead"}, http.StatusConflict, "conflict"},
		{"rollback at first stage", http.MethodPost, "/api/pipelines/" + created.ID + "/rollback", api.RollbackRequest{Actor: "lead"}, http.StatusConflict, "invalid_transition"},
		{"unknown stage", http.MethodGet, "/api/metrics/stages/teaser", nil, http.StatusBadRequest, "validation"},
		{"bad window", http.MethodGet, "/api/metrics/report?since=yesterday", nil, http.StatusBadRequest, "validation"},
		{"missing checkpoint", http.MethodPost, "/api/checkpoints/nope/approve", api.DecisionRequest{Actor: "lead"}, http.StatusNotFound, "not_found"},
		{"missing rule pipeline", http.MethodPost, "/api/pipelines/nope/rules/evaluate", api.EvaluateRequest{}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body api.ErrorResponse
			resp := client{t: t, base: c.base}.do(tc.method, tc.path, tc.body, &body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestUnassignedReviewerIsForbidden(t *testing.T) {
	_, c := serve(t)

	var created api.Pipeline
	c.do(http.MethodPost, "/api/pipelines", api.CreatePipelineRequest{ProjectID: "proj-1", Actor: "lead"}, &created)
	var adv api.AdvanceResponse
	c.do(http.MethodPost, "/api/pipelines/"+created.ID+"/advance", api.AdvanceRequest{Actor: "lead"}, &adv)
	require.NotNil(t, adv.Checkpoint)

	var body api.ErrorResponse
	resp := c.do(http.MethodPost, "/api/checkpoints/"+adv.Checkpoint.ID+"/approve", api.DecisionRequest{Actor: "mallory"}, &body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "unauthorized", body.Kind)

	resp = c.do(http.MethodPost, "/api/checkpoints/"+adv.Checkpoint.ID+"/approve", api.DecisionRequest{Actor: "lead"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = c.do(http.MethodPost, "/api/checkpoints/"+adv.Checkpoint.ID+"/approve", api.DecisionRequest{Actor: "lead"}, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate_decision", body.Kind)
}

func TestRejectsUnknownFields(t *testing.T) {
	_, c := serve(t)
	resp, err := http.Post(c.base+"/api/pipelines", "application/json", strings.NewReader(`{"project":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerTokenRequired(t *testing.T) {
	_, c := serve(t, testsupport.WithAPIToken("s3cret"))

	resp := c.do(http.MethodGet, "/api/jobs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c.token = "wrong"
	resp = c.do(http.MethodGet, "/api/jobs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c.token = "s3cret"
	resp = c.do(http.MethodGet, "/api/jobs", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c.token = ""
	resp = c.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointCountsEvents(t *testing.T) {
	_, c := serve(t)
	c.do(http.MethodPost, "/api/pipelines", api.CreatePipelineRequest{ProjectID: "proj-1", Actor: "lead"}, nil)

	resp, err := http.Get(c.base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `episodes_pipeline_events_total{kind="pipeline_created",stage="idea"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimSpace(data)
		}
	}
}

func TestWatchStreamsProjectViews(t *testing.T) {
	d, c := serve(t)
	ctx := context.Background()
	created, err := d.Service().CreatePipeline(ctx, "proj-1", "lead")
	require.NoError(t, err)

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.base+"/api/watch?key=project:proj-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var view api.ProjectView
	require.NoError(t, json.Unmarshal([]byte(readEvent(t, reader)), &view))
	require.NotNil(t, view.Pipeline)
	assert.Equal(t, "idea", view.Pipeline.CurrentStage)

	_, err = d.Service().AdvanceToNextStage(ctx, created.ID, "lead")
	require.NoError(t, err)

	var next api.ProjectView
	require.NoError(t, json.Unmarshal([]byte(readEvent(t, reader)), &next))
	require.NotNil(t, next.Pipeline)
	assert.Equal(t, "idea_review", next.Pipeline.CurrentStage)
}

func TestWatchRejectsUnknownKey(t *testing.T) {
	_, c := serve(t)
	var body api.ErrorResponse
	resp := c.do(http.MethodGet, "/api/watch?key=weather:today", nil, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body.Kind)

	resp = c.do(http.MethodGet, "/api/watch", nil, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	status := d.Status(ctx)
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Address)
	assert.Equal(t, cfg.LockPath(), status.LockFilePath)

	require.Error(t, d.Start(ctx), "second start should fail")

	second, err := daemon.New(cfg, mustOpen(t, cfg), logging.NewNop())
	require.NoError(t, err)
	require.Error(t, second.Start(ctx), "lock must keep a second daemon out")
	_ = second.Close()

	resp, err := http.Get("http://" + status.Address + "/api/status")
	require.NoError(t, err)
	var remote api.DaemonStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&remote))
	_ = resp.Body.Close()
	assert.True(t, remote.Running)
	assert.NotEmpty(t, remote.Checks)

	d.Stop()
	assert.False(t, d.Status(ctx).Running)
	assert.Empty(t, d.Address())
}

func mustOpen(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	st, err := store.Open(cfg)
	require.NoError(t, err)
	return st
}
