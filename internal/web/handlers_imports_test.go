package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/harborins/policyimport/internal/importer"
)

const testHeader = "agent,account_name,company_name,category_name,firstname,dob,email,policy_number,policy_start_date,policy_end_date"

func payloadOf(rows ...string) string {
	return testHeader + "\n" + strings.Join(rows, "\n") + "\n"
}

// multipartUpload builds a multipart body carrying content as the "file"
// field.
func multipartUpload(t *testing.T, filename, content string) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile error = %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write part error = %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer error = %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func startImport(t *testing.T, srv *Server, body io.Reader, contentType string) string {
	t.Helper()

	rec := doRequest(t, srv, http.MethodPost, "/api/imports", body, http.Header{"Content-Type": {contentType}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/imports = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["run_id"] == "" {
		t.Fatal("response missing run_id")
	}
	return resp["run_id"]
}

func waitForRun(t *testing.T, srv *Server, runID string) importer.RunStatus {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := srv.service.Result(ctx, runID)
	if err != nil {
		t.Fatalf("Result(%s) error = %v", runID, err)
	}
	return status
}

func TestImportUploadLifecycle(t *testing.T) {
	srv, mem := newTestServer(t, testConfig())

	payload := payloadOf(
		"Jardine Lloyd,Acme Corp,Global Underwriters,Commercial Auto,Ana,4/1/1986,ana@acme.example,PN-9001,1/1/2024,1/1/2025",
		"Jardine Lloyd,Acme Corp,Global Underwriters,Commercial Auto,Bo,5/2/1990,bo@acme.example,PN-9002,1/1/2024,1/1/2025",
	)
	body, contentType := multipartUpload(t, "policies.csv", payload)
	runID := startImport(t, srv, body, contentType)

	status := waitForRun(t, srv, runID)
	if status.Phase != importer.PhaseCompleted {
		t.Fatalf("phase = %s, want %s (error %q)", status.Phase, importer.PhaseCompleted, status.Error)
	}
	if status.Processed != 2 || status.Total != 2 || status.Errors != 0 {
		t.Errorf("run = %d/%d with %d errors, want 2/2 with 0", status.Processed, status.Total, status.Errors)
	}
	if mem.PolicyCount() != 2 {
		t.Errorf("stored policies = %d, want 2", mem.PolicyCount())
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/imports/"+runID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
	var polled importer.RunStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &polled); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if polled.Phase != importer.PhaseCompleted || polled.Processed != 2 {
		t.Errorf("polled status = %+v, want completed 2 rows", polled)
	}
}

func TestImportRawBodyUpload(t *testing.T) {
	srv, mem := newTestServer(t, testConfig())

	payload := payloadOf(
		"Jardine Lloyd,Acme Corp,Global Underwriters,Health,Cara,6/3/1979,cara@acme.example,PN-9003,2/1/2024,2/1/2025",
	)
	runID := startImport(t, srv, strings.NewReader(payload), "text/csv")

	status := waitForRun(t, srv, runID)
	if status.Phase != importer.PhaseCompleted {
		t.Fatalf("phase = %s, want %s (error %q)", status.Phase, importer.PhaseCompleted, status.Error)
	}
	if mem.PolicyCount() != 1 {
		t.Errorf("stored policies = %d, want 1", mem.PolicyCount())
	}
}

func TestImportWorkbookUpload(t *testing.T) {
	srv, mem := newTestServer(t, testConfig())

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	headerCells := strings.Split(testHeader, ",")
	headerRow := make([]interface{}, len(headerCells))
	for i, cell := range headerCells {
		headerRow[i] = cell
	}
	rows := [][]interface{}{
		headerRow,
		{"Jardine Lloyd", "Acme Corp", "Global Underwriters", "Commercial Auto", "Dee", "7/4/1984", "dee@acme.example", "PN-9004", "3/1/2024", "3/1/2025"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("CoordinatesToCellName error = %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow error = %v", err)
		}
	}
	var wb bytes.Buffer
	if err := f.Write(&wb); err != nil {
		t.Fatalf("write workbook error = %v", err)
	}

	body, contentType := multipartUpload(t, "policies.xlsx", wb.String())
	runID := startImport(t, srv, body, contentType)

	status := waitForRun(t, srv, runID)
	if status.Phase != importer.PhaseCompleted {
		t.Fatalf("phase = %s, want %s (error %q)", status.Phase, importer.PhaseCompleted, status.Error)
	}
	if mem.PolicyCount() != 1 {
		t.Errorf("stored policies = %d, want 1", mem.PolicyCount())
	}
}

func TestImportEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := doRequest(t, srv, http.MethodPost, "/api/imports", strings.NewReader(""), http.Header{"Content-Type": {"text/csv"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty upload = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestImportBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Import.MaxFileSize = 64
	srv, _ := newTestServer(t, cfg)

	payload := payloadOf("a,b,c,d,e,f,g,h,i,j")
	rec := doRequest(t, srv, http.MethodPost, "/api/imports", strings.NewReader(payload), http.Header{"Content-Type": {"text/csv"}})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized upload = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestImportMissingFileField(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("notfile", "data"); err != nil {
		t.Fatalf("WriteField error = %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer error = %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/imports", &buf, http.Header{"Content-Type": {mw.FormDataContentType()}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("upload without file field = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestImportStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := doRequest(t, srv, http.MethodGet, "/api/imports/not-a-run", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/imports/not-a-run/events", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run events = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	id    string
	event string
	data  string
}

func readFrames(t *testing.T, r io.Reader) []sseFrame {
	t.Helper()

	var frames []sseFrame
	var cur sseFrame
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event != "" || cur.data != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return frames
}

func TestImportEventsStream(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	payload := payloadOf(
		"Jardine Lloyd,Acme Corp,Global Underwriters,Commercial Auto,Eve,8/5/1975,eve@acme.example,PN-9005,4/1/2024,4/1/2025",
		"Jardine Lloyd,Acme Corp,Global Underwriters,Commercial Auto,Fay,9/6/1982,fay@acme.example,PN-9006,4/1/2024,4/1/2025",
	)
	body, contentType := multipartUpload(t, "policies.csv", payload)
	resp, err := http.Post(ts.URL+"/api/imports", contentType, body)
	if err != nil {
		t.Fatalf("POST /api/imports error = %v", err)
	}
	var created map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	resp.Body.Close()
	runID := created["run_id"]

	client := &http.Client{Timeout: 5 * time.Second}
	stream, err := client.Get(ts.URL + "/api/imports/" + runID + "/events")
	if err != nil {
		t.Fatalf("GET events error = %v", err)
	}
	defer stream.Body.Close()

	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	frames := readFrames(t, stream.Body)
	if len(frames) == 0 {
		t.Fatal("stream carried no events")
	}
	for _, f := range frames {
		if f.event != "progress" && f.event != "done" {
			t.Errorf("unexpected event type %q", f.event)
		}
	}
	last := frames[len(frames)-1]
	if last.event != "done" {
		t.Fatalf("last event = %q, want done", last.event)
	}
	if !strings.Contains(last.data, `"success":true`) || !strings.Contains(last.data, `"processed":2`) {
		t.Errorf("done payload = %s, want success with 2 processed", last.data)
	}
}

func TestImportEventsReplayAfterCompletion(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	payload := payloadOf(
		"Jardine Lloyd,Acme Corp,Global Underwriters,Commercial Auto,Gil,1/7/1969,gil@acme.example,PN-9007,5/1/2024,5/1/2025",
	)
	body, contentType := multipartUpload(t, "policies.csv", payload)
	runID := startImport(t, srv, body, contentType)
	waitForRun(t, srv, runID)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/imports/"+runID+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest error = %v", err)
	}
	req.Header.Set("Last-Event-ID", "7")

	client := &http.Client{Timeout: 5 * time.Second}
	stream, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET events error = %v", err)
	}
	defer stream.Body.Close()

	frames := readFrames(t, stream.Body)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want exactly the terminal replay", len(frames))
	}
	if frames[0].event != "done" {
		t.Errorf("event = %q, want done", frames[0].event)
	}
	if frames[0].id != "8" {
		t.Errorf("event id = %q, want 8 (resumed from Last-Event-ID 7)", frames[0].id)
	}
	if !strings.Contains(frames[0].data, `"success":true`) {
		t.Errorf("done payload = %s, want success", frames[0].data)
	}
}

func TestImportRejectedWhenSaturated(t *testing.T) {
	cfg := testConfig()
	cfg.Import.MaxConcurrent = 1
	cfg.Import.MaxWaitTime = 50 * time.Millisecond
	srv, _ := newTestServer(t, cfg)

	// Swap in a service whose single run slot stays gated on its storage
	// connector, so the next upload cannot be admitted.
	gate := make(chan struct{})
	admitted := make(chan struct{})
	srv.service = importer.NewService(cfg.Import, func(context.Context) (importer.Store, error) {
		close(admitted)
		<-gate
		return nil, context.Canceled
	}, srv.logger)

	payload := payloadOf("a,b,c,d,e,1/1/1990,f@x.example,PN-HOLD,1/1/2024,1/1/2025")
	body, contentType := multipartUpload(t, "one.csv", payload)
	firstID := startImport(t, srv, body, contentType)
	<-admitted

	body2, contentType2 := multipartUpload(t, "two.csv", payload)
	rec := doRequest(t, srv, http.MethodPost, "/api/imports", body2, http.Header{"Content-Type": {contentType2}})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("saturated upload = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("saturated response missing Retry-After header")
	}

	close(gate)
	status := waitForRun(t, srv, firstID)
	if status.Phase != importer.PhaseFailed {
		t.Errorf("gated run phase = %s, want %s", status.Phase, importer.PhaseFailed)
	}
}
