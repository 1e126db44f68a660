//go:build unix

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/runforge/runforge/internal/executor"
	"github.com/runforge/runforge/internal/runs"
)

type testServer struct {
	router   http.Handler
	registry *runs.Registry
	root     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	root := t.TempDir()
	registry, err := runs.NewRegistry(runs.Config{
		AllowRoot:   root,
		Suffixes:    executor.AnySuffix,
		GracePeriod: 200 * time.Millisecond,
		Workers:     4,
		Meter:       mp.Meter("test"),
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(registry.Close)

	srv := NewServer(ServerConfig{
		Registry:   registry,
		UploadsDir: filepath.Join(root, "uploads"),
		AllowRoot:  root,
		Suffixes:   executor.AnySuffix,
	})
	return &testServer{router: srv.Router(), registry: registry, root: root}
}

func (ts *testServer) script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(ts.root, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (ts *testServer) submitAndWait(t *testing.T, req runs.RunRequest) string {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/api/run", req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	id := decode[map[string]string](t, rr)["run_id"]
	ts.wait(t, id)
	return id
}

func (ts *testServer) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := ts.registry.Wait(ctx, id); err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	if got := decode[map[string]string](t, rr)["status"]; got != "ok" {
		t.Fatalf("body: %q", rr.Body.String())
	}
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)
	script := ts.script(t, "ok.sh", "exit 0\n")

	cases := []struct {
		name string
		req  runs.RunRequest
	}{
		{"missing path", runs.RunRequest{}},
		{"path outside allow root", runs.RunRequest{ScriptPath: "/etc/hostname"}},
		{"negative timeout", runs.RunRequest{ScriptPath: script, TimeoutSeconds: -1}},
		{"too many args", runs.RunRequest{ScriptPath: script, Args: make([]string, 51)}},
		{"working dir not a directory", runs.RunRequest{ScriptPath: script, WorkingDir: script}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/run", tc.req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status: %d %s", rr.Code, rr.Body.String())
			}
		})
	}

	rr := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, rr)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}
}

func TestSubmitStripsDangerousEnv(t *testing.T) {
	ts := newTestServer(t)
	script := ts.script(t, "env.sh", `echo "preload=[$LD_PRELOAD] keep=[$KEEP_ME]"`+"\n")

	id := ts.submitAndWait(t, runs.RunRequest{
		ScriptPath: script,
		EnvVars:    map[string]string{"LD_PRELOAD": "/evil.so", "KEEP_ME": "yes"},
	})
	rr := ts.do(t, http.MethodGet, "/api/runs/"+id+"/logs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logs: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "preload=[] keep=[yes]") {
		t.Fatalf("env not stripped: %q", rr.Body.String())
	}
}

func TestSubmitGetListFlow(t *testing.T) {
	ts := newTestServer(t)
	script := ts.script(t, "ok.sh", "echo flow\n")

	id := ts.submitAndWait(t, runs.RunRequest{ScriptPath: script})

	rr := ts.do(t, http.MethodGet, "/api/runs/"+id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	rec := decode[runs.RunRecord](t, rr)
	if rec.RunID != id || rec.Status != runs.StatusCompleted {
		t.Fatalf("record: %+v", rec)
	}

	rr = ts.do(t, http.MethodGet, "/api/runs?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: %d", rr.Code)
	}
	list := decode[[]runs.RunRecord](t, rr)
	if len(list) != 1 || list[0].RunID != id {
		t.Fatalf("list: %+v", list)
	}

	rr = ts.do(t, http.MethodGet, "/api/runs?status=failed", nil)
	if got := decode[[]runs.RunRecord](t, rr); len(got) != 0 {
		t.Fatalf("status filter: %+v", got)
	}

	rr = ts.do(t, http.MethodGet, "/api/stats", nil)
	st := decode[runs.Stats](t, rr)
	if st.TotalRuns != 1 || st.ByStatus["completed"] != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestListParameterBounds(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/api/runs?limit=0",
		"/api/runs?limit=201",
		"/api/runs?limit=abc",
		"/api/runs?offset=-1",
	} {
		if rr := ts.do(t, http.MethodGet, path, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: %d", path, rr.Code)
		}
	}
}

func TestControlEndpoints(t *testing.T) {
	ts := newTestServer(t)
	script := ts.script(t, "ok.sh", "exit 0\n")

	id := ts.submitAndWait(t, runs.RunRequest{ScriptPath: script})

	// Finished run: control is a conflict, restart is accepted.
	if rr := ts.do(t, http.MethodPost, "/api/runs/"+id+"/cancel", nil); rr.Code != http.StatusConflict {
		t.Fatalf("cancel finished: %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodPost, "/api/runs/no-such/kill", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("kill unknown: %d", rr.Code)
	}
	rr := ts.do(t, http.MethodPost, "/api/runs/"+id+"/restart", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("restart: %d %s", rr.Code, rr.Body.String())
	}
	newID := decode[map[string]string](t, rr)["run_id"]
	if newID == id || newID == "" {
		t.Fatalf("restart id: %q", newID)
	}
	ts.wait(t, newID)

	if rr := ts.do(t, http.MethodPost, "/api/runs/no-such/restart", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("restart unknown: %d", rr.Code)
	}
}

func TestRestartActiveRunConflicts(t *testing.T) {
	ts := newTestServer(t)
	script := ts.script(t, "slow.sh", "sleep 30\n")

	rr := ts.do(t, http.MethodPost, "/api/run", runs.RunRequest{ScriptPath: script})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	id := decode[map[string]string](t, rr)["run_id"]

	if rr := ts.do(t, http.MethodPost, "/api/runs/"+id+"/restart", nil); rr.Code != http.StatusConflict {
		t.Fatalf("restart active: %d %s", rr.Code, rr.Body.String())
	}

	if rr := ts.do(t, http.MethodPost, "/api/runs/"+id+"/kill", nil); rr.Code != http.StatusOK {
		t.Fatalf("kill: %d", rr.Code)
	}
	ts.wait(t, id)
}

func TestLogsAndEvents(t *testing.T) {
	ts := newTestServer(t)
	script := ts.script(t, "noisy.sh", "echo out line\necho err line >&2\nexit 0\n")

	id := ts.submitAndWait(t, runs.RunRequest{ScriptPath: script})

	rr := ts.do(t, http.MethodGet, "/api/runs/"+id+"/logs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logs: %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "out line") || !strings.Contains(body, "--- stderr ---") {
		t.Fatalf("logs body: %q", body)
	}

	rr = ts.do(t, http.MethodGet, "/api/runs/"+id+"/events", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("events: %d", rr.Code)
	}
	events := decode[[]executor.Event](t, rr)
	if len(events) == 0 {
		t.Fatal("no events")
	}

	if rr := ts.do(t, http.MethodGet, "/api/runs/no-such/events", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("events unknown: %d", rr.Code)
	}
}

func TestUploadRun(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("script", "hello.sh")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, "#!/bin/sh\necho uploaded $1\n")
	mw.WriteField("args", `["world"]`)
	mw.WriteField("timeout", "10")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/run/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("upload: %d %s", rr.Code, rr.Body.String())
	}
	id := decode[map[string]string](t, rr)["run_id"]
	ts.wait(t, id)

	logs := ts.do(t, http.MethodGet, "/api/runs/"+id+"/logs", nil)
	if !strings.Contains(logs.Body.String(), "uploaded world") {
		t.Fatalf("logs: %q", logs.Body.String())
	}
}

func TestUploadRejectsBadFields(t *testing.T) {
	ts := newTestServer(t)

	build := func(args, timeout string, withFile bool) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if withFile {
			fw, _ := mw.CreateFormFile("script", "x.sh")
			fmt.Fprint(fw, "#!/bin/sh\nexit 0\n")
		}
		if args != "" {
			mw.WriteField("args", args)
		}
		if timeout != "" {
			mw.WriteField("timeout", timeout)
		}
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/run/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rr := httptest.NewRecorder()
		ts.router.ServeHTTP(rr, req)
		return rr
	}

	if rr := build("", "", false); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing file: %d", rr.Code)
	}
	if rr := build("not-json", "", true); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad args: %d", rr.Code)
	}
	if rr := build("", "-3", true); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad timeout: %d", rr.Code)
	}
}

func TestHistoryEndpointsWithoutStore(t *testing.T) {
	ts := newTestServer(t)
	if rr := ts.do(t, http.MethodGet, "/api/history?script=/tmp/a.sh", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("history without store: %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/api/metrics/execution_time_seconds", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("metrics without store: %d", rr.Code)
	}
}
