package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/harborins/policyimport/internal/importer"
	"github.com/harborins/policyimport/internal/logging"
	"github.com/harborins/policyimport/internal/tabular"
)

// handleCreateImport accepts a policy data upload and starts an import run.
//
// The payload arrives either as a multipart form with a "file" field or as
// the raw request body. Workbook uploads are converted to delimited text
// before the run starts. Responds 202 with the run id; progress then streams
// from the events endpoint.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)

	payload, filename, err := readImportPayload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if tabular.IsWorkbook(filename) {
		payload, err = tabular.ConvertWorkbook(bytes.NewReader(payload))
		if err != nil {
			logging.FromContext(r.Context()).Warn("workbook conversion failed", "filename", filename, "error", err)
			writeError(w, r, http.StatusBadRequest, "could not read workbook file")
			return
		}
	}

	runID, err := s.service.StartImport(r.Context(), payload)
	if err != nil {
		if errors.Is(err, importer.ErrTooManyRuns) {
			w.Header().Set("Retry-After", "30")
			writeError(w, r, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]string{"run_id": runID})
}

// readImportPayload extracts the upload body and, for multipart uploads, the
// client filename used for workbook detection.
func readImportPayload(r *http.Request) ([]byte, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, "", fmt.Errorf("parse upload form: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", errors.New("upload form must carry a \"file\" field")
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", fmt.Errorf("read upload: %w", err)
		}
		return data, header.Filename, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read request body: %w", err)
	}
	return data, "", nil
}

// handleImportStatus returns the current snapshot of a run.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	status, err := s.service.Status(runID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "import run not found")
		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

// handleImportEvents streams run updates as Server-Sent Events.
//
// Each message goes out under its type as the SSE event name, with the JSON
// payload as data. The stream ends after the terminal event. Subscriber
// channels drop messages rather than block the run, so if the terminal
// message was dropped the handler replays it from the run's final status
// once the channel closes.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	ch, err := s.service.Subscribe(runID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "import run not found")
		return
	}
	defer s.service.Unsubscribe(runID, ch)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	// Continue the event counter where a reconnecting client left off.
	eventID := 0
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil {
			eventID = n
		}
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sentTerminal := false
	for {
		select {
		case msg, open := <-ch:
			if !open {
				if !sentTerminal {
					if status, err := s.service.Status(runID); err == nil {
						if final, done := status.FinalMessage(); done {
							eventID++
							writeEvent(w, eventID, final)
							flusher.Flush()
						}
					}
				}
				return
			}
			eventID++
			writeEvent(w, eventID, msg)
			flusher.Flush()
			if msg.Terminal() {
				sentTerminal = true
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent writes one SSE frame. Marshal failures surface as an error
// event so the client is not left waiting on a silently skipped update.
func writeEvent(w io.Writer, id int, msg importer.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		fmt.Fprintf(w, "id: %d\nevent: error\ndata: {\"error\":\"internal error\"}\n\n", id)
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, msg.Type, data)
}
