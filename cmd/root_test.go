package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/app"
	"github.com/JakeFAU/webfarm/internal/config"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/orchestrator"
)

func TestMain(m *testing.M) {
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, logger, app.Options{Registerer: prometheus.NewRegistry()})
	}
	os.Exit(m.Run())
}

// source serves two next_url pages per profile path; page 2 answers 403
// while blocked is set.
type source struct {
	srv     *httptest.Server
	blocked atomic.Bool
	hits    atomic.Int64
}

func newSource(t *testing.T) *source {
	t.Helper()
	s := &source{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if r.URL.Query().Get("page") == "2" {
			if s.blocked.Load() {
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte("<html><title>Access denied</title></html>"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[{"id":"b","title":"Bee"},{"id":"c","title":"Sea"}]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		next := fmt.Sprintf("http://%s%s?page=2", r.Host, r.URL.Path)
		_, _ = fmt.Fprintf(w, `{"items":[{"id":"a","title":"Ay"},{"id":"b","title":"Bee"}],"next":%q}`, next)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

type testEnv struct {
	dir    string
	config string
	src    *source
}

func newTestEnv(t *testing.T, profiles ...string) *testEnv {
	t.Helper()
	if len(profiles) == 0 {
		profiles = []string{"shop"}
	}
	dir := t.TempDir()
	env := &testEnv{dir: dir, config: filepath.Join(dir, "webfarm.yaml"), src: newSource(t)}

	cfg := fmt.Sprintf(`logging:
  level: error
http:
  timeout_seconds: 5
  max_attempts: 1
ratelimit:
  interval_ms: 0
storage:
  backend: sqlite
  sqlite_path: %s
fixtures:
  backend: local
  dir: %s
`, filepath.Join(dir, "webfarm.db"), filepath.Join(dir, "fixtures"))
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))

	profilesDir := filepath.Join(dir, "profiles")
	require.NoError(t, os.MkdirAll(profilesDir, 0o755))
	for _, name := range profiles {
		doc := fmt.Sprintf(`{
  "name": %q,
  "request": {"url": "%s/%s/items"},
  "pagination": {"kind": "next_url"},
  "extract": {"mode": "json"},
  "key": {"paths": ["id"]},
  "export": {"schemas": {"default": {"columns": [
    {"name": "id", "path": "id"},
    {"name": "title", "path": "title"}
  ]}}}
}`, name, env.src.srv.URL, name)
		require.NoError(t, os.WriteFile(filepath.Join(profilesDir, name+".json"), []byte(doc), 0o600))
	}
	return env
}

func (e *testEnv) exec(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", e.config, "--profiles-dir", filepath.Join(e.dir, "profiles")}, args...)
	code := run(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestRunWritesRawItemsAsJSONL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	code, stdout, stderr := env.exec(t, "run", "--profile", "shop")
	require.Equal(t, ExitOK, code, stderr)

	lines := nonEmptyLines(stdout)
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"id":"a","title":"Ay"}`, lines[0])
	assert.JSONEq(t, `{"id":"c","title":"Sea"}`, lines[3])
}

func TestRunWritesToFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	out := filepath.Join(env.dir, "out", "shop.jsonl")
	code, stdout, stderr := env.exec(t, "run", "--profile", "shop", "--out", out, "--max-batches", "1")
	require.Equal(t, ExitOK, code, stderr)
	assert.Empty(t, stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, nonEmptyLines(string(data)), 2)
}

func TestRunToStoreThenExport(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	code, stdout, stderr := env.exec(t, "run-to-store", "--profile", "shop")
	require.Equal(t, ExitOK, code, stderr)

	var res orchestrator.RunResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, harvest.RunStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 4, res.ItemsRaw)
	assert.Equal(t, 3, res.ItemsUnique)

	code, stdout, stderr = env.exec(t, "export", "--profile", "shop")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, []string{"id,title", "a,Ay", "b,Bee", "c,Sea"}, nonEmptyLines(stdout))

	code, stdout, stderr = env.exec(t, "export", "--profile", "shop", "--format", "jsonl", "--limit", "1")
	require.Equal(t, ExitOK, code, stderr)
	lines := nonEmptyLines(stdout)
	require.Len(t, lines, 1)
	assert.JSONEq(t, `{"id":"a","title":"Ay"}`, lines[0])
}

func TestExportRejectsUnknownSchema(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	code, _, stderr := env.exec(t, "export", "--profile", "shop", "--schema", "wide")
	assert.Equal(t, ExitFailed, code)
	assert.Contains(t, stderr, `no export schema "wide"`)
}

func TestBlockedRunResolvesThroughResume(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.src.blocked.Store(true)

	code, stdout, stderr := env.exec(t, "run-to-store", "--profile", "shop")
	require.Equal(t, ExitBlocked, code, stderr)
	var res orchestrator.RunResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, harvest.RunStatusBlocked, res.Status)
	assert.Equal(t, 1, res.LastBatch)
	require.NotEmpty(t, res.BlockedEventID)

	code, stdout, stderr = env.exec(t, "blocked-list", "--format", "jsonl")
	require.Equal(t, ExitOK, code, stderr)
	lines := nonEmptyLines(stdout)
	require.Len(t, lines, 1)
	var row map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &row))
	assert.Equal(t, res.BlockedEventID, row["id"])
	assert.Equal(t, "shop", row["profile"])
	assert.Equal(t, "2", row["batch"])
	assert.Equal(t, "403", row["status_code"])
	assert.Equal(t, string(harvest.BlockedOpen), row["status"])

	code, stdout, stderr = env.exec(t, "farm-resume-open", "--dry-run")
	require.Equal(t, ExitOK, code, stderr)
	assert.JSONEq(t, `{"profiles":["shop"]}`, stdout)

	// Still blocked: exit 3 again and the event stays open.
	code, _, _ = env.exec(t, "blocked-resume", "--profile", "shop")
	require.Equal(t, ExitBlocked, code)

	env.src.blocked.Store(false)
	code, stdout, stderr = env.exec(t, "blocked-resume", "--profile", "shop", "--auto-resolve", "--continue")
	require.Equal(t, ExitOK, code, stderr)
	var resumed orchestrator.RunResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &resumed))
	assert.Equal(t, res.RunID, resumed.RunID)
	assert.Equal(t, harvest.RunStatusCompleted, resumed.Status)

	code, stdout, stderr = env.exec(t, "blocked-list", "--format", "csv")
	require.Equal(t, ExitOK, code, stderr)
	assert.Len(t, nonEmptyLines(stdout), 1, "only the header remains")

	code, stdout, stderr = env.exec(t, "blocked-list", "--all", "--format", "csv")
	require.Equal(t, ExitOK, code, stderr)
	assert.Len(t, nonEmptyLines(stdout), 2)

	code, stdout, stderr = env.exec(t, "export", "--profile", "shop")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, []string{"id,title", "a,Ay", "b,Bee", "c,Sea"}, nonEmptyLines(stdout))
}

func TestBlockedResolveByID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.src.blocked.Store(true)
	code, stdout, _ := env.exec(t, "run-to-store", "--profile", "shop")
	require.Equal(t, ExitBlocked, code)
	var res orchestrator.RunResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))

	code, stdout, stderr := env.exec(t, "blocked-resolve", "--id", res.BlockedEventID, "--note", "gave up")
	require.Equal(t, ExitOK, code, stderr)
	var ev harvest.BlockedEvent
	require.NoError(t, json.Unmarshal([]byte(stdout), &ev))
	assert.Equal(t, harvest.BlockedResolved, ev.Status)
	assert.Equal(t, "gave up", ev.Note)

	code, _, stderr = env.exec(t, "blocked-resolve", "--id", "missing")
	assert.Equal(t, ExitFailed, code)
	assert.Contains(t, stderr, "not found")
}

func TestSnapshotThenOfflineTestAndReplay(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	code, stdout, stderr := env.exec(t, "snapshot", "--profile", "shop", "--name", "listing", "--batches", "2", "--write-case")
	require.Equal(t, ExitOK, code, stderr)
	var snap app.SnapshotResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &snap))
	assert.Equal(t, []string{"listing-0001", "listing-0002"}, snap.Fixtures)
	assert.Len(t, snap.Cases, 2)

	code, stdout, stderr = env.exec(t, "offline-test", "--profile", "shop", "--json")
	require.Equal(t, ExitOK, code, stderr)
	var rep struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.True(t, rep.OK, stdout)

	hits := env.src.hits.Load()
	code, stdout, stderr = env.exec(t, "run", "--profile", "shop", "--offline")
	require.Equal(t, ExitOK, code, stderr)
	assert.Len(t, nonEmptyLines(stdout), 4)
	assert.Equal(t, hits, env.src.hits.Load(), "offline runs never reach the source")
}

func TestOfflineTestWithoutFixturesFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	code, _, _ := env.exec(t, "offline-test", "--profile", "shop")
	assert.Equal(t, ExitFailed, code)
}

func TestFarmRunsEveryProfile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "shop", "news")
	code, stdout, stderr := env.exec(t, "farm", "--workers", "2")
	require.Equal(t, ExitOK, code, stderr)
	var rep orchestrator.FarmReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, 2, rep.Completed)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "news", rep.Results[0].Profile)
	assert.Equal(t, "shop", rep.Results[1].Profile)

	code, stdout, stderr = env.exec(t, "farm", "--profiles", "shop")
	require.Equal(t, ExitOK, code, stderr)
	rep = orchestrator.FarmReport{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	require.Len(t, rep.Results, 1)
}

func TestFarmBlockedExitsThree(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "shop", "news")
	env.src.blocked.Store(true)
	code, stdout, _ := env.exec(t, "farm")
	require.Equal(t, ExitBlocked, code)
	var rep orchestrator.FarmReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, 2, rep.Blocked)

	env.src.blocked.Store(false)
	code, stdout, stderr := env.exec(t, "farm-resume-open", "--auto-resolve", "--continue")
	require.Equal(t, ExitOK, code, stderr)
	rep = orchestrator.FarmReport{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, 2, rep.Completed)

	code, stdout, _ = env.exec(t, "farm-resume-open", "--dry-run")
	require.Equal(t, ExitOK, code)
	assert.JSONEq(t, `{"profiles":[]}`, stdout)
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing profile flag", args: []string{"run"}, want: "--profile is required"},
		{name: "unknown profile", args: []string{"run", "--profile", "ghost"}, want: `profile "ghost" not found`},
		{name: "bad ctx override", args: []string{"export", "--profile", "shop", "--ctx", "novalue"}, want: "want key=value"},
		{name: "unknown command", args: []string{"crawl"}, want: "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, _, stderr := env.exec(t, tt.args...)
			assert.Equal(t, ExitFailed, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestBadConfigFails(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "blocked-list"}, &stdout, &stderr)
	assert.Equal(t, ExitFailed, code)
	assert.Contains(t, stderr.String(), "read config")
}
