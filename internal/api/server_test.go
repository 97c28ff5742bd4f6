package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/nconklindev/sheetsplit/internal/pipeline"
	"github.com/nconklindev/sheetsplit/internal/storage"
	"github.com/nconklindev/sheetsplit/internal/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	root := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	archives, err := storage.NewLocal(filepath.Join(root, "archives"))
	require.NoError(t, err)
	m, err := pipeline.NewManager(pipeline.Options{WorkDir: filepath.Join(root, "work")}, archives, nil, log)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	s := NewServer(m, log, 0)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func regionWorkbook(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	regions := []string{"North", "South"}
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Order", "Region", "Total"}))
	for i := 1; i <= 10; i++ {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &[]any{i, regions[i%2], float64(i) * 1.5}))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func uploadFile(t *testing.T, ts *httptest.Server, name string, content []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/api/v1/tasks", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func uploadTask(t *testing.T, ts *httptest.Server) pipeline.Snapshot {
	t.Helper()
	resp := uploadFile(t, ts, "orders.xlsx", regionWorkbook(t))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var snap pipeline.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	return snap
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func regionConfig() types.SplitConfig {
	return types.SplitConfig{
		Sheets:       []string{"Sheet1"},
		Mode:         types.ModeGroupColumn,
		GroupColumn:  "Region",
		NamingRule:   types.NamingGroupValue,
		NamingColumn: "Region",
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpload(t *testing.T) {
	_, ts := newTestServer(t)
	snap := uploadTask(t, ts)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, pipeline.StateIdle, snap.State)
	require.Len(t, snap.Sheets, 1)
	assert.Equal(t, []string{"Order", "Region", "Total"}, snap.Sheets[0].Headers)
	assert.Equal(t, 10, snap.Sheets[0].DataRows)
}

func TestUpload_Rejected(t *testing.T) {
	_, ts := newTestServer(t)

	resp := uploadFile(t, ts, "orders.csv", []byte("Order,Region\n1,North\n"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "unsupported format", e.Kind)
}

func TestUpload_MissingFile(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTask_NotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/tasks/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreview(t *testing.T) {
	_, ts := newTestServer(t)
	snap := uploadTask(t, ts)

	resp := postJSON(t, ts.URL+"/api/v1/tasks/"+snap.ID+"/preview", regionConfig())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var preview previewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	assert.Equal(t, []string{"Sheet1_South.xlsx", "Sheet1_North.xlsx"}, preview.Files)
	assert.Equal(t, 10, preview.Rows)
}

func TestSplit_InvalidConfiguration(t *testing.T) {
	_, ts := newTestServer(t)
	snap := uploadTask(t, ts)

	tests := []struct {
		name string
		body string
	}{
		{"unknown column", `{"sheets":["Sheet1"],"mode":"by-group-column","groupColumn":"Nope","namingRule":"sequential"}`},
		{"zero rows", `{"sheets":["Sheet1"],"mode":"by-row-count","rowsPerFile":0,"namingRule":"sequential"}`},
		{"bad json", `{"sheets":`},
		{"unknown field", `{"sheets":["Sheet1"],"mode":"by-row-count","rowsPerFile":2,"namingRule":"sequential","extra":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/tasks/"+snap.ID+"/split", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Get(ts.URL + "/api/v1/tasks/" + snap.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	var after pipeline.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&after))
	assert.Equal(t, pipeline.StateIdle, after.State)
}

func TestSplit_EndToEnd(t *testing.T) {
	s, ts := newTestServer(t)
	snap := uploadTask(t, ts)
	base := ts.URL + "/api/v1/tasks/" + snap.ID

	resp := postJSON(t, base+"/split", regionConfig())
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.manager.Wait()

	resp, err := http.Get(base)
	require.NoError(t, err)
	var done pipeline.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&done))
	resp.Body.Close()
	require.Equal(t, pipeline.StateDone, done.State, done.Reason)
	assert.Equal(t, 100, done.Percent)
	require.NotNil(t, done.Result)
	assert.Equal(t, 2, done.Result.FileCount)

	// A second split on a finished task conflicts.
	resp = postJSON(t, base+"/split", regionConfig())
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(base + "/events")
	require.NoError(t, err)
	events, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(events), "event: done\ndata: ")

	resp, err = http.Get(base + "/archive")
	require.NoError(t, err)
	archive, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), done.Result.ArchiveName)

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Sheet1_South.xlsx", "Sheet1_North.xlsx"}, names)

	resp = postJSON(t, base+"/confirm", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestArchive_NotReady(t *testing.T) {
	_, ts := newTestServer(t)
	snap := uploadTask(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/tasks/" + snap.ID + "/archive")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancel_IdleTaskConflicts(t *testing.T) {
	_, ts := newTestServer(t)
	snap := uploadTask(t, ts)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/tasks/"+snap.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSheets_HeaderRow(t *testing.T) {
	_, ts := newTestServer(t)
	snap := uploadTask(t, ts)
	base := ts.URL + "/api/v1/tasks/" + snap.ID + "/sheets"

	resp, err := http.Get(base + "?headerRow=2")
	require.NoError(t, err)
	var sheets []types.SheetInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sheets))
	resp.Body.Close()
	require.Len(t, sheets, 1)
	assert.Equal(t, 2, sheets[0].HeaderRow)
	assert.Equal(t, "1", sheets[0].Headers[0])

	resp, err = http.Get(base + "?headerRow=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pipeline.ErrTaskNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", pipeline.ErrTaskBusy), http.StatusConflict},
		{pipeline.ErrIllegalTransition, http.StatusConflict},
		{storage.ErrNotFound, http.StatusNotFound},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestFormatEvent(t *testing.T) {
	got := formatEvent(pipeline.Event{TaskID: "t1", Stage: pipeline.StateExecuting, Percent: 55, Message: "rows"})
	assert.True(t, strings.HasPrefix(got, "event: executing\ndata: {"))
	assert.True(t, strings.HasSuffix(got, "}\n\n"))
	assert.Contains(t, got, `"percent":55`)
}
