package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/binlens/pkg/adapters/memory"
	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/aretw0/binlens/pkg/views"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{"isa": "x86_64", "timeout_seconds": 0, "entrypoints": ["main"], "cli_arg_patterns": ["--entry {entrypoint}"]}`

type fixture struct {
	engine  *memory.Engine
	ctrl    *session.Controller
	handler http.Handler
}

func newFixture(t *testing.T, engine *memory.Engine, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, engine, nil, opts...)
}

func newFixtureWith(t *testing.T, engine *memory.Engine, ctrlOpts []session.Option, opts ...Option) *fixture {
	t.Helper()
	ctrl := session.NewController(engine, ctrlOpts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	return &fixture{engine: engine, ctrl: ctrl, handler: NewHandler(ctrl, opts...)}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T) domain.Session {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sessions", validConfig)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var snap domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

func (f *fixture) waitDone(t *testing.T, id string) {
	t.Helper()
	s, err := f.ctrl.Get(id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = s.Wait(ctx)
	require.NoError(t, err)
}

func TestHealthAndInfo(t *testing.T) {
	f := newFixture(t, memory.NewEngine(), WithVersion("1.2.3\n"))

	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/info", "")
	assert.JSONEq(t, `{"app":"binlens-http","version":"1.2.3"}`, w.Body.String())
}

func TestValidateConfig_ReportsAllFields(t *testing.T) {
	f := newFixture(t, memory.NewEngine())

	w := f.do(t, http.MethodPost, "/configs/validate", `{"isa": "z80", "timeout_seconds": -1, "entrypoints": []}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	fields := map[string]bool{}
	for _, p := range resp.Fields {
		fields[p.Field] = true
	}
	assert.True(t, fields["isa"])
	assert.True(t, fields["timeout_seconds"])
	assert.True(t, fields["entrypoints"])

	w = f.do(t, http.MethodPost, "/configs/validate", validConfig)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/configs/validate", `{not json`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, memory.NewEngine(memory.WithScript(
		memory.Log(domain.LevelInfo, "loading"),
		memory.Invocation("--entry {entrypoint}", "--entry", "main"),
		memory.Finding("stack-overflow", "0x400"),
		memory.Log(domain.LevelInfo, "done"),
		memory.Complete(),
	)))

	snap := f.create(t)
	assert.Equal(t, domain.StateIdle, snap.State)

	w := f.do(t, http.MethodPost, "/sessions/"+snap.ID+"/start", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.waitDone(t, snap.ID)

	w = f.do(t, http.MethodGet, "/sessions/"+snap.ID, "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, domain.StateCompleted, snap.State)
	assert.Equal(t, domain.ExitSuccess, snap.ExitReason)

	w = f.do(t, http.MethodGet, "/sessions/"+snap.ID+"/views/tally", "")
	assert.JSONEq(t, `{"counts":{"stack-overflow":1},"total":1,"detected":["stack-overflow"],"undetected":[]}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/sessions/"+snap.ID+"/views/logs?tail=1", "")
	var logs LogsView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs.Entries, 1)
	assert.Equal(t, "done", logs.Entries[0].Text)
	assert.Equal(t, 2, logs.Total)

	w = f.do(t, http.MethodGet, "/sessions/"+snap.ID+"/views/trace", "")
	var trace []domain.Invocation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trace))
	require.Len(t, trace, 1)
	assert.Equal(t, []string{"--entry", "main"}, trace[0].ResolvedArgs)

	w = f.do(t, http.MethodGet, "/sessions", "")
	var list []domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = f.do(t, http.MethodDelete, "/sessions/"+snap.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/sessions/"+snap.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStart_ConflictWhileActive(t *testing.T) {
	f := newFixture(t, memory.NewEngine(memory.WithManualAck()))
	first := f.create(t)
	second := f.create(t)
	t.Cleanup(func() {
		if runs := f.engine.Runs(); len(runs) > 0 {
			runs[0].Step(memory.Complete())
		}
	})

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/sessions/"+first.ID+"/start", "").Code)

	w := f.do(t, http.MethodPost, "/sessions/"+second.ID+"/start", "")
	require.Equal(t, http.StatusConflict, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, first.ID, resp.Active)
}

func TestControl_IllegalTransition(t *testing.T) {
	f := newFixture(t, memory.NewEngine())
	snap := f.create(t)

	w := f.do(t, http.MethodPost, "/sessions/"+snap.ID+"/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "illegal transition: pause while idle")
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, memory.NewEngine())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/sessions/nope/start", "").Code)

	snap := f.create(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/"+snap.ID+"/views/graph", "").Code)
}

func TestLaunchFailure_BadGateway(t *testing.T) {
	f := newFixture(t, memory.NewEngine(memory.WithLaunchError(assert.AnError)))
	snap := f.create(t)

	w := f.do(t, http.MethodPost, "/sessions/"+snap.ID+"/start", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestConfigStoreEndpoints(t *testing.T) {
	f := newFixture(t, memory.NewEngine(memory.WithScript(memory.Complete())), WithConfigStore(memory.NewStore()))

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/configs/nightly", validConfig).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPut, "/configs/broken", `{"isa":"z80"}`).Code)

	w := f.do(t, http.MethodGet, "/configs", "")
	assert.JSONEq(t, `["nightly"]`, w.Body.String())

	w = f.do(t, http.MethodGet, "/configs/nightly", "")
	assert.Contains(t, w.Body.String(), `"isa":"x86_64"`)

	w = f.do(t, http.MethodPost, "/sessions?config=nightly", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/sessions?config=absent", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/configs/nightly", "").Code)
}

func TestConfigOptions_CustomSchema(t *testing.T) {
	schema := config.DefaultSchema()
	schema.ISAs = append(schema.ISAs, "sparc")
	f := newFixture(t, memory.NewEngine(),
		WithConfigStore(memory.NewStore()),
		WithConfigOptions(config.WithSchema(schema)),
	)

	sparc := `{"isa": "sparc", "timeout_seconds": 0, "entrypoints": ["main"]}`
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/configs/sparc", sparc).Code)

	w := f.do(t, http.MethodPost, "/sessions?config=sparc", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"isa":"sparc"`)

	w = f.do(t, http.MethodPost, "/sessions", sparc)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestArchiveEndpoints(t *testing.T) {
	archive := memory.NewArchive()
	engine := memory.NewEngine(memory.WithScript(memory.Finding("race", ""), memory.Complete()))
	ctrl := session.NewController(engine, session.WithArchive(archive))
	f := &fixture{engine: engine, ctrl: ctrl, handler: NewHandler(ctrl, WithArchive(archive))}

	snap := f.create(t)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/sessions/"+snap.ID+"/start", "").Code)
	f.waitDone(t, snap.ID)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/sessions/"+snap.ID, "").Code)

	w := f.do(t, http.MethodGet, "/archive", "")
	assert.JSONEq(t, `["`+snap.ID+`"]`, w.Body.String())

	w = f.do(t, http.MethodGet, "/archive/"+snap.ID, "")
	var rec domain.SessionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, map[string]int{"race": 1}, rec.Tally)
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t, memory.NewEngine(), WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("binlens_up 1\n"))
	})))
	assert.Equal(t, "binlens_up 1\n", f.do(t, http.MethodGet, "/metrics", "").Body.String())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, memory.NewEngine())
	w := f.do(t, http.MethodOptions, "/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, sc *bufio.Scanner, until func(sseEvent) bool) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			out = append(out, cur)
			if until(cur) {
				return out
			}
			cur = sseEvent{}
		}
	}
	return out
}

func TestSubscribeEvents_StreamsViewsUntilTerminal(t *testing.T) {
	f := newFixture(t, memory.NewEngine(memory.WithManualAck()))
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	snap := f.create(t)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/sessions/"+snap.ID+"/start", "").Code)

	resp, err := http.Get(srv.URL + "/sessions/" + snap.ID + "/events?watch=logs,tally")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	first := readEvents(t, sc, func(e sseEvent) bool { return e.name == "snapshot" })
	require.NotEmpty(t, first)
	assert.Contains(t, first[len(first)-1].data, `"state":"running"`)

	run := f.engine.Last()
	run.Step(memory.Log(domain.LevelWarn, "unresolved import"))
	run.Step(memory.Invocation("--entry {entrypoint}", "--entry", "main"))
	run.Step(memory.Finding("heap-overflow", "0x77"))
	run.Step(memory.Complete())

	events := readEvents(t, sc, func(e sseEvent) bool {
		return e.name == "session" && strings.Contains(e.data, `"completed"`)
	})

	names := map[string]int{}
	for _, e := range events {
		names[e.name]++
	}
	assert.Equal(t, 1, names["logs"])
	assert.Equal(t, 1, names["tally"])
	assert.Zero(t, names["trace"], "trace is filtered out by ?watch")
	assert.Contains(t, events[0].data, "unresolved import")

	last := events[len(events)-1]
	var diff domain.SessionDiff
	require.NoError(t, json.Unmarshal([]byte(last.data), &diff))
	require.NotNil(t, diff.State)
	assert.Equal(t, domain.StateCompleted, *diff.State)
	assert.True(t, diff.Ended)
}

func TestStreamManager_DropsWhenFull(t *testing.T) {
	sm := NewStreamManager()
	ch, cancel := sm.Subscribe("s")
	defer cancel()

	for range cap(ch) + 5 {
		sm.Broadcast("s", Message{Event: "logs", Data: []byte("{}")})
	}
	assert.Len(t, ch, cap(ch))
	assert.Equal(t, 1, sm.Subscribers("s"))

	cancel()
	cancel()
	assert.Equal(t, 0, sm.Subscribers("s"))
}

func TestTallyView_Catalogue(t *testing.T) {
	engine := memory.NewEngine(memory.WithScript(
		memory.Finding("heap-overflow", "0x10"),
		memory.Complete(),
	))
	f := newFixtureWith(t, engine, []session.Option{
		session.WithSessionOptions(session.WithCatalogue([]string{"stack-overflow", "heap-overflow", "use-after-free"})),
	})

	snap := f.create(t)
	w := f.do(t, http.MethodGet, "/sessions/"+snap.ID+"/views/tally", "")
	assert.JSONEq(t, `{"counts":{},"total":0,"detected":[],"undetected":["stack-overflow","heap-overflow","use-after-free"]}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/sessions/"+snap.ID+"/start", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.waitDone(t, snap.ID)

	w = f.do(t, http.MethodGet, "/sessions/"+snap.ID+"/views/tally", "")
	var report views.TallyReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, []string{"heap-overflow"}, report.Detected)
	assert.Equal(t, []string{"stack-overflow", "use-after-free"}, report.Undetected)
}
