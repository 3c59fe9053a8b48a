package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jobwatch-dev/jobwatch/internal/bus"
	"github.com/jobwatch-dev/jobwatch/internal/progress"
	"github.com/jobwatch-dev/jobwatch/internal/runner"
	"github.com/jobwatch-dev/jobwatch/internal/store"
	"github.com/jobwatch-dev/jobwatch/internal/store/memory"
)

const testThrottle = 10 * time.Millisecond

type testEnv struct {
	ts      *httptest.Server
	bus     *bus.Bus
	runner  *runner.Runner
	history store.HistoryRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	b := bus.New()
	history := memory.New()
	registry := progress.NewRegistry(b, progress.RegistryConfig{
		Throttle:    testThrottle,
		MaxLogLines: 100,
	})
	r := runner.New(b, runner.Config{
		History: history,
		OnStart: func(handle string) {
			_, _ = registry.Open(handle)
		},
		OnComplete: func(handle string, _ store.RunStatus) {
			registry.Close(handle)
		},
	})
	srv := NewServer(Config{
		Runner:      r,
		Registry:    registry,
		History:     history,
		Source:      b,
		Throttle:    testThrottle,
		MaxLogLines: 100,
		Gatherer:    prometheus.NewRegistry(),
		Timeout:     5 * time.Second,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
		b.Close()
	})
	return &testEnv{ts: ts, bus: b, runner: r, history: history}
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.ts.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp.Body.Close()

	resp, err = http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitJobAndReadProgress(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	release := make(chan struct{})
	env.runner.Register("emit", func(map[string]string) (runner.TaskFunc, error) {
		return func(ctx context.Context, rep *runner.Reporter) error {
			rep.SetTotal(4)
			rep.Add(2)
			rep.Detail("halfway")
			<-release
			return nil
		}, nil
	})

	resp := env.postJSON(t, "/v1/jobs", submitJobRequest{Task: "emit"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decodeJSON[map[string]string](t, resp)
	handle := accepted["job_id"]
	require.NotEmpty(t, handle)

	var snap snapshotDTO
	require.Eventually(t, func() bool {
		resp, err := http.Get(env.ts.URL + "/v1/jobs/" + handle + "/progress")
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			return false
		}
		snap = decodeJSON[snapshotDTO](t, resp)
		return len(snap.Lines) > 0
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, handle, snap.JobID)
	require.EqualValues(t, 2, snap.Completed)
	require.EqualValues(t, 4, snap.Total)
	require.NotNil(t, snap.Fraction)
	require.InDelta(t, 0.5, *snap.Fraction, 1e-9)
	require.Equal(t, "halfway", snap.Lines[0].Text)

	close(release)

	// Completion closes the watcher; the snapshot endpoint goes 404.
	require.Eventually(t, func() bool {
		resp, err := http.Get(env.ts.URL + "/v1/jobs/" + handle + "/progress")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitJobRejectsBadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	resp := env.postJSON(t, "/v1/jobs", submitJobRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.postJSON(t, "/v1/jobs", submitJobRequest{Task: "unknown"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeJSON[map[string]string](t, resp)
	require.Contains(t, body["error"], "not registered")
}

func TestCancelJobReportsLiveness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	started := make(chan struct{})
	env.runner.Register("block", func(map[string]string) (runner.TaskFunc, error) {
		return func(ctx context.Context, rep *runner.Reporter) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, nil
	})

	resp := env.postJSON(t, "/v1/jobs", submitJobRequest{Task: "block"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	handle := decodeJSON[map[string]string](t, resp)["job_id"]
	<-started

	resp = env.postJSON(t, "/v1/jobs/"+handle+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeJSON[map[string]any](t, resp)
	require.Equal(t, true, first["cancelled"])

	resp = env.postJSON(t, "/v1/jobs/"+handle+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeJSON[map[string]any](t, resp)
	require.Equal(t, false, second["cancelled"])

	resp = env.postJSON(t, "/v1/jobs/not-a-uuid/cancel", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRunHistoryEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	done := uuid.New()
	live := uuid.New()
	require.NoError(t, env.history.RecordStart(ctx, done, "scan", base))
	require.NoError(t, env.history.RecordStart(ctx, live, "scan", base.Add(time.Hour)))
	require.NoError(t, env.history.Complete(ctx, done, base.Add(time.Minute), store.RunSuccess, nil))

	resp, err := http.Get(env.ts.URL + "/v1/runs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeJSON[map[string][]runDTO](t, resp)
	require.Len(t, listing["runs"], 2)
	require.Equal(t, live.String(), listing["runs"][0].ID)

	resp, err = http.Get(env.ts.URL + "/v1/runs?status=success")
	require.NoError(t, err)
	listing = decodeJSON[map[string][]runDTO](t, resp)
	require.Len(t, listing["runs"], 1)
	require.Equal(t, done.String(), listing["runs"][0].ID)

	resp, err = http.Get(env.ts.URL + "/v1/runs?status=bogus")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.ts.URL + "/v1/runs/" + done.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	single := decodeJSON[map[string]runDTO](t, resp)
	require.Equal(t, "success", single["run"].Status)

	resp, err = http.Get(env.ts.URL + "/v1/runs/" + uuid.NewString())
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.ts.URL + "/v1/runs/not-a-uuid")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStreamProgressOverWebsocket(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	handle := uuid.NewString()

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") +
		fmt.Sprintf("/v1/jobs/%s/progress/stream", handle)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// First frame is the empty primer snapshot.
	var first streamEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, handle, first.JobID)
	require.Empty(t, first.Lines)

	env.bus.Publish(progress.Topic(handle), progress.SetTotal(2))
	env.bus.Publish(progress.Topic(handle), progress.AddProgress(1))
	env.bus.Publish(progress.Topic(handle), progress.Detail("working"))

	var ev streamEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	require.EqualValues(t, 1, ev.Completed)
	require.EqualValues(t, 2, ev.Total)
	require.Equal(t, 1, ev.NewLines)
	require.Len(t, ev.Lines, 1)
	require.Equal(t, "working", ev.Lines[0].Text)
}
