package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/abutsfit/cncbridge/internal/api/middleware"
	"github.com/abutsfit/cncbridge/internal/audit"
	"github.com/abutsfit/cncbridge/internal/cooldown"
	"github.com/abutsfit/cncbridge/internal/dispatch"
	"github.com/abutsfit/cncbridge/internal/gate"
	"github.com/abutsfit/cncbridge/internal/handles"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/hilink/sim"
	"github.com/abutsfit/cncbridge/internal/jobs"
	"github.com/abutsfit/cncbridge/internal/material"
	"github.com/abutsfit/cncbridge/internal/mode1"
	"github.com/abutsfit/cncbridge/internal/program"
	"github.com/abutsfit/cncbridge/internal/queue"
	"github.com/abutsfit/cncbridge/internal/registry"
	"github.com/abutsfit/cncbridge/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	ip1  = "10.0.0.1"
	ip2  = "10.0.0.2"
	port = 8193
)

type fixture struct {
	srv      *Server
	lib      *sim.Library
	reg      *registry.Store
	files    *store.Store
	queue    *queue.Queues
	dispatch *dispatch.Dispatcher
	audit    *bytes.Buffer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	lib := sim.New()
	lib.AddController(ip1, port)
	lib.AddController(ip2, port)

	reg, err := registry.Open(filepath.Join(dir, "machines.json"))
	require.NoError(t, err)
	for _, m := range []registry.Machine{{UID: "M01", IP: ip1, Port: port}, {UID: "M02", IP: ip2, Port: port}} {
		_, err = reg.Upsert(m)
		require.NoError(t, err)
	}

	g := gate.New(gate.Config{})
	hs := handles.New(lib, g, reg, handles.Config{})
	client := mode1.New(lib, g, hs, reg, mode1.Config{})
	t.Cleanup(client.Wait)

	files, err := store.New(filepath.Join(dir, "store"))
	require.NoError(t, err)
	pipeline := program.NewPipeline(client, files, program.Config{
		BusyPollInterval:   5 * time.Millisecond,
		BusyMaxWait:        50 * time.Millisecond,
		VerifyInitialDelay: time.Millisecond,
		VerifyInterval:     5 * time.Millisecond,
	})

	tracker := jobs.New(jobs.NewMemoryStore(time.Hour), jobs.Config{Workers: 2, FailurePayload: JobFailurePayload})
	tracker.Start()
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracker.Stop(stopCtx)
	})

	materials, err := material.Open(ctx, filepath.Join(dir, "materials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = materials.Close() })

	q := queue.New()
	dispatcher := dispatch.New(client, pipeline, q, tracker, dispatch.Config{
		Disabled:         true,
		SmartMaxWait:     5 * time.Second,
		StartWait:        20 * time.Millisecond,
		BusyPoll:         5 * time.Millisecond,
		ModeSettle:       time.Millisecond,
		ActivateBusyWait: 20 * time.Millisecond,
		ActivatePoll:     5 * time.Millisecond,
		VerifyTimeout:    time.Second,
	})
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Stop(stopCtx)
	})

	var auditBuf bytes.Buffer
	srv := New(Deps{
		Machines:  client,
		Handles:   hs,
		Registry:  reg,
		Programs:  pipeline,
		Jobs:      tracker,
		Cooldown:  cooldown.New(cooldown.NewMemory(), 0, 0),
		Store:     files,
		Queue:     q,
		Dispatch:  dispatcher,
		Materials: materials,
		Audit:     audit.New(zerolog.New(zerolog.SyncWriter(&auditBuf))),
	}, cfg)
	return &fixture{srv: srv, lib: lib, reg: reg, files: files, queue: q, dispatch: dispatcher, audit: &auditBuf}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func results(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	raw, ok := body["results"].([]any)
	require.True(t, ok, "results missing: %v", body)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.(map[string]any))
	}
	return out
}

// waitJob polls the job endpoint until the job is terminal.
func (f *fixture) waitJob(t *testing.T, jobID string) map[string]any {
	t.Helper()
	var body map[string]any
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/cnc/jobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		body = decode(t, rec)
		return body["status"] != string(jobs.StatusPending)
	}, 5*time.Second, 10*time.Millisecond)
	return body
}

func TestMachinesParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?"+url.Values{"machines": {" M01, ,M02,M01,, M03 "}}.Encode(), nil)
	got, err := machinesParam(req)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"M01", "M02", "M03"}, got); diff != "" {
		t.Errorf("machinesParam mismatch (-want +got):\n%s", diff)
	}

	got, err = machinesParam(httptest.NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = machinesParam(httptest.NewRequest(http.MethodGet, "/x?machines=M01&machines=M02", nil))
	assert.Error(t, err, "the list is not exploded")
}

func TestQueryIntParams(t *testing.T) {
	req := func(q string) *http.Request { return httptest.NewRequest(http.MethodGet, "/x?"+q, nil) }

	head, err := headTypeParam(req(""))
	require.NoError(t, err)
	assert.Equal(t, hilink.HeadMain, head)
	head, err = headTypeParam(req("headType=%202"))
	require.NoError(t, err)
	assert.Equal(t, hilink.HeadSub, head)
	for _, q := range []string{"headType=3", "headType=abc"} {
		_, err = headTypeParam(req(q))
		assert.Equal(t, http.StatusBadRequest, statusFor(err), q)
	}

	slot, err := slotParam(req("slotNo=4000"))
	require.NoError(t, err)
	assert.Equal(t, int16(4000), slot)
	_, err = slotParam(req("slotNo=40000"))
	assert.Error(t, err)

	limit, err := limitParam(req(""))
	require.NoError(t, err)
	assert.Equal(t, -1, limit)
	_, err = limitParam(req("limit=-2"))
	assert.Error(t, err)
}

func TestStatusFanOutKeepsOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.lib.Update(ip2, port, func(c *sim.Controller) { c.Status = hilink.StatusRun })

	rec := f.do(t, http.MethodGet, "/api/cnc/status?machines=M02,NOPE,M01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])

	res := results(t, body)
	require.Len(t, res, 3)
	assert.Equal(t, "M02", res[0]["machineId"])
	assert.Equal(t, true, res[0]["success"])
	assert.Equal(t, "Run", res[0]["status"])

	assert.Equal(t, "NOPE", res[1]["machineId"])
	assert.Equal(t, false, res[1]["success"])
	assert.NotEmpty(t, res[1]["message"])

	assert.Equal(t, "M01", res[2]["machineId"])
	assert.Equal(t, "Ready", res[2]["status"])
}

func TestFanOutRequiresMachines(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/api/cnc/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "machines parameter is required", decode(t, rec)["message"])
}

func TestSingleMachineStatus(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/api/cnc/machines/M01/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "M01", body["machineId"])
	assert.Equal(t, "Ready", body["status"])

	rec = f.do(t, http.MethodGet, "/api/cnc/machines/NOPE/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
}

func TestStartRunsAsJobAndCoolsDown(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/api/cnc/machines/M01/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "Start signal job accepted", body["message"])

	job := f.waitJob(t, jobID)
	assert.Equal(t, string(jobs.StatusCompleted), job["status"])
	assert.Equal(t, "start", job["kind"])
	result := job["result"].(map[string]any)
	assert.Equal(t, "Start signal sent", result["message"])

	var on bool
	f.lib.Update(ip1, port, func(c *sim.Controller) { on = c.PanelIO[mode1.DefaultStartIOUID] })
	assert.True(t, on)

	rec = f.do(t, http.MethodPost, "/api/cnc/machines/M01/start", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too many requests", decode(t, rec)["message"])

	rec = f.do(t, http.MethodPost, "/api/cnc/start?machines=M01,M02", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := results(t, decode(t, rec))
	require.Len(t, res, 2)
	assert.Equal(t, false, res[0]["success"])
	assert.Equal(t, "Too many requests", res[0]["message"])
	assert.Equal(t, true, res[0]["rateLimited"])
	assert.EqualValues(t, http.StatusTooManyRequests, res[0]["status"])
	assert.Greater(t, res[0]["retryAfterSec"], float64(0))
	assert.Equal(t, true, res[1]["success"], "cooldown is per machine")
	assert.NotContains(t, res[1], "rateLimited")

	trail := f.audit.String()
	assert.Contains(t, trail, `"actor":"192.0.2.1"`)
	assert.Contains(t, trail, `"result":"accepted"`)
	assert.Contains(t, trail, `"result":"rejected"`)
	assert.Contains(t, trail, `"job_id":"`+jobID+`"`)
}

func TestModeValidation(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/api/cnc/mode?machines=M01", map[string]any{"mode": "TURBO"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "mode must be EDIT, AUTO or MDI", decode(t, rec)["message"])

	rec = f.do(t, http.MethodPost, "/api/cnc/mode?machines=M01", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/cnc/mode?machines=M01", map[string]any{"mode": "edit"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := results(t, decode(t, rec))
	require.Len(t, res, 1)
	job := f.waitJob(t, res[0]["jobId"].(string))
	assert.Equal(t, string(jobs.StatusCompleted), job["status"])

	var mode hilink.Mode
	f.lib.Update(ip1, port, func(c *sim.Controller) { mode = c.Mode })
	assert.Equal(t, hilink.ModeEdit, mode)
}

func TestUploadThenList(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.files.WriteFile("jobs/O1234.nc", []byte("O1234\nG0 X0\nM30\n")))

	rec := f.do(t, http.MethodPost, "/api/cnc/programs?machines=M01", map[string]any{"slotNo": 1234, "path": "jobs/O1234.nc"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := results(t, decode(t, rec))
	require.Len(t, res, 1)
	job := f.waitJob(t, res[0]["jobId"].(string))
	require.Equal(t, string(jobs.StatusCompleted), job["status"], job)

	rec = f.do(t, http.MethodGet, "/api/cnc/programs?machines=M01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = results(t, decode(t, rec))
	data := res[0]["data"].(map[string]any)
	programs := data["programs"].([]any)
	var nos []float64
	for _, p := range programs {
		nos = append(nos, p.(map[string]any)["no"].(float64))
	}
	assert.Contains(t, nos, float64(1234))
}

func TestUploadIsNotCooledDown(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.files.WriteFile("jobs/O1234.nc", []byte("O1234\nG0 X0\nM30\n")))

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/cnc/programs?machines=M01", map[string]any{"slotNo": 1234, "path": "jobs/O1234.nc"})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		res := results(t, decode(t, rec))
		require.Equal(t, true, res[0]["success"], "upload %d", i)
		f.waitJob(t, res[0]["jobId"].(string))
	}
}

func TestUploadMissingFile(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/api/cnc/programs?machines=M01", map[string]any{"slotNo": 10, "path": "missing.nc"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "file not found", body["message"])
	assert.Equal(t, "missing.nc", body["path"])
}

func TestRawDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.lib.Update(ip1, port, func(c *sim.Controller) {
		c.Status = hilink.StatusAlarm
		c.Programs[hilink.HeadMain] = map[int16]string{7: "O0007\nM30\n"}
	})

	rec := f.do(t, http.MethodPost, "/api/cnc/raw", map[string]any{"uid": "M01", "dataType": "GetSomething"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported dataType: GetSomething", decode(t, rec)["message"])

	rec = f.do(t, http.MethodPost, "/api/cnc/raw", map[string]any{"dataType": "GetOPStatus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/cnc/raw", map[string]any{"uid": "M01", "dataType": "getopstatus"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alarm", decode(t, rec)["data"].(map[string]any)["status"])

	activate := map[string]any{"uid": "M01", "dataType": "SetActivateProgram", "payload": map[string]any{"programNo": 7}}
	rec = f.do(t, http.MethodPost, "/api/cnc/raw", activate)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Program activated", decode(t, rec)["message"])

	rec = f.do(t, http.MethodPost, "/api/cnc/raw", activate)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many activate requests", decode(t, rec)["message"])
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retry)

	activate["bypassCooldown"] = true
	rec = f.do(t, http.MethodPost, "/api/cnc/raw", activate)
	assert.Equal(t, http.StatusOK, rec.Code)

	var active string
	f.lib.Update(ip1, port, func(c *sim.Controller) { active = c.Active.MainProgramName })
	assert.Equal(t, "O0007", active)
}

func TestJobLookup(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/api/cnc/jobs/deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "deadbeef", decode(t, rec)["jobId"])

	rec = f.do(t, http.MethodPost, "/api/cnc/machines/M01/reset", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["jobId"].(string)
	f.waitJob(t, jobID)

	rec = f.do(t, http.MethodGet, "/api/cnc/machines/M01/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/cnc/machines/M02/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "job belongs to another machine")

	var resets int
	f.lib.Update(ip1, port, func(c *sim.Controller) { resets = c.Resets })
	assert.Equal(t, 1, resets)
}

func TestQueueRoutes(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/api/bridge/queue/M01", map[string]any{"fileName": "O1000.nc"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode(t, rec)["data"].(map[string]any)
	rec = f.do(t, http.MethodPost, "/api/bridge/queue/M01", map[string]any{"fileName": "O2000.nc"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode(t, rec)["data"].(map[string]any)

	rec = f.do(t, http.MethodPost, "/api/bridge/queue/M01", map[string]any{"kind": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/bridge/queue/M01/"+second["id"].(string)+"/qty", map[string]any{"qty": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["data"].(map[string]any)["qty"])

	rec = f.do(t, http.MethodPatch, "/api/bridge/queue/M01/unknown/pause", map[string]any{"paused": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job not found", decode(t, rec)["message"])

	rec = f.do(t, http.MethodDelete, "/api/bridge/queue/M01/"+first["id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "O1000.nc", decode(t, rec)["data"].(map[string]any)["fileName"])

	rec = f.do(t, http.MethodGet, "/api/bridge/queue/M01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	rec = f.do(t, http.MethodPost, "/api/bridge/queue/clear", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/bridge/queue/clear", map[string]any{"machineId": "M01"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/bridge/queue/M01", nil)
	assert.Empty(t, decode(t, rec)["data"])
}

func TestQueueReplace(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/api/bridge/queue/M01", map[string]any{"fileName": "O1000.nc"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/bridge/queue/M01", map[string]any{"jobs": []map[string]any{
		{"id": "j1", "fileName": " O2000.nc ", "qty": 2},
		{"id": "j2", "fileName": ""},
		{"id": "j3", "kind": "DUMMY", "fileName": "dummy", "programNo": 4000},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	items := f.queue.Snapshot("M01")
	require.Len(t, items, 2)
	assert.Equal(t, "j1", items[0].ID)
	assert.Equal(t, "O2000.nc", items[0].FileName)
	assert.Equal(t, 2, items[0].Qty)
	assert.Equal(t, "backend_db", items[0].Source)
	assert.Equal(t, queue.KindDummy, items[1].Kind)
	assert.Equal(t, 4000, items[1].ProgramNo)

	rec = f.do(t, http.MethodPut, "/api/bridge/queue/M01", map[string]any{"jobs": []any{}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.queue.Snapshot("M01"))
}

func TestMaterialRoutes(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/api/bridge/materials/M01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/bridge/materials/M01", map[string]any{"materialType": "S45C", "diameter": 32.5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/bridge/materials/M01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "M01", data["machineId"])
	assert.Equal(t, "S45C", data["materialType"])
	assert.InDelta(t, 32.5, data["diameter"], 0.001)

	rec = f.do(t, http.MethodGet, "/api/bridge/materials/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	rec = f.do(t, http.MethodDelete, "/api/bridge/materials/M01", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/bridge/materials/M01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreRoutes(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPut, "/api/bridge-store/file", map[string]any{"path": "a/prog.nc", "content": "O0001\n"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/bridge-store/file?path=a/prog.nc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "prog.nc", body["name"])
	assert.Equal(t, "O0001\n", body["content"])

	rec = f.do(t, http.MethodGet, "/api/bridge-store/file?path=a/none.nc", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/bridge-store/file?path=../../etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/bridge-store/file", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/bridge-store/rename", map[string]any{"path": "a/missing.nc", "newName": "b.nc"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "source not found", decode(t, rec)["message"])

	rec = f.do(t, http.MethodGet, "/api/bridge-store/folder-zip?path=a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="a.zip"`)

	rec = f.do(t, http.MethodDelete, "/api/bridge-store/folder?path=a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := f.files.ReadFile("a/prog.nc")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBridgeConfigMachines(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPut, "/api/bridge-config/machines/M03", map[string]any{"ip": "10.0.0.3", "port": 8193})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["changed"])

	m, ok := f.reg.Get("M03")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.3", m.IP)

	rec = f.do(t, http.MethodPut, "/api/bridge-config/machines/M04", map[string]any{"ip": "", "port": 8193})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/bridge-config/machines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["machines"], 3)

	rec = f.do(t, http.MethodDelete, "/api/bridge-config/machines/M03", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/bridge-config/machines/M03", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSharedSecret(t *testing.T) {
	f := newFixture(t, Config{Stack: middleware.StackConfig{
		Access: middleware.AccessConfig{SharedSecret: "s3cret"},
	}})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/cnc/machines", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, f.audit.String(), `"event_type":"access.denied"`)

	req := httptest.NewRequest(http.MethodGet, "/api/cnc/machines", nil)
	req.Header.Set(middleware.HeaderBridgeSecret, "s3cret")
	out := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
	assert.NotEmpty(t, out.Header().Get("X-Request-ID"))
}

func TestVendorMessageFollowsAcceptLanguage(t *testing.T) {
	f := newFixture(t, Config{})
	f.lib.Script(hilink.OpGetStatus, hilink.CodeCommunication, hilink.CodeCommunication)

	get := func(lang string) map[string]any {
		req := httptest.NewRequest(http.MethodGet, "/api/cnc/machines/M01/status", nil)
		if lang != "" {
			req.Header.Set("Accept-Language", lang)
		}
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
		return decode(t, rec)
	}

	ko := get("ko-KR,ko;q=0.9,en;q=0.8")
	assert.Equal(t, "CNC 통신 에러: 설비 전원, 통신 케이블, IP 및 Port 번호를 확인하세요.", ko["message"])
	assert.EqualValues(t, hilink.CodeCommunication, ko["code"])

	en := get("")
	assert.Equal(t, hilink.Message(hilink.CodeCommunication), en["message"])
}
