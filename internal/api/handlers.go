package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/executor"
	"github.com/runforge/runforge/internal/runs"
)

// dangerousEnv lists variables stripped silently from submitted requests.
// Loader-influencing variables would let a caller hijack the interpreter.
var dangerousEnv = map[string]struct{}{
	"PATH":                  {},
	"LD_PRELOAD":            {},
	"LD_LIBRARY_PATH":       {},
	"DYLD_INSERT_LIBRARIES": {},
	"PYTHONPATH":            {},
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validateRequest enforces the queueing contract: struct tags, path policy,
// working dir existence, dangerous env stripping. Mutates req in place.
func (s *Server) validateRequest(req *runs.RunRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return err
	}
	resolved, err := executor.ValidatePath(req.ScriptPath, s.allowRoot, s.suffixes)
	if err != nil {
		return err
	}
	req.ScriptPath = resolved
	if req.WorkingDir != "" {
		info, err := os.Stat(req.WorkingDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("working_dir %q is not a directory", req.WorkingDir)
		}
	}
	for k := range req.EnvVars {
		if _, bad := dangerousEnv[k]; bad {
			delete(req.EnvVars, k)
		}
	}
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req runs.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.registry.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": rec.RunID,
		"status": string(rec.Status),
	})
}

const maxUploadBytes = 32 << 20

// handleUpload accepts a multipart form with a "script" file plus optional
// "args" (JSON array), "env_vars" (JSON object) and "timeout" (seconds)
// fields. The file is stored under the managed uploads directory with a
// uuid-prefixed name before normal submission.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("script")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing script file: "+err.Error())
		return
	}
	defer file.Close()

	name := uuid.NewString() + "_" + filepath.Base(header.Filename)
	dest := filepath.Join(s.uploadsDir, name)
	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o755)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dest)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out.Close()

	req := runs.RunRequest{ScriptPath: dest, CaptureOutput: true}
	if v := r.FormValue("args"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Args); err != nil {
			writeError(w, http.StatusBadRequest, "invalid args field: "+err.Error())
			return
		}
	}
	if v := r.FormValue("env_vars"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.EnvVars); err != nil {
			writeError(w, http.StatusBadRequest, "invalid env_vars field: "+err.Error())
			return
		}
	}
	if v := r.FormValue("timeout"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive number")
			return
		}
		req.TimeoutSeconds = t
	}
	if err := s.validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.registry.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": rec.RunID,
		"status": string(rec.Status),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be in [1,200]")
			return
		}
		limit = n
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be >= 0")
			return
		}
		offset = n
	}
	status := runs.RunStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.registry.List(limit, offset, status))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// controlHandler adapts a registry control op to an endpoint: 404 for an
// unknown id, 409 when the run already finished.
func (s *Server) controlHandler(op func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		switch err := op(id); {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "signalled"})
		case errors.Is(err, runs.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, runs.ErrRunFinished):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, runs.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, runs.ErrRunActive):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": rec.RunID,
		"status": string(rec.Status),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	stdout, stderr, err := s.registry.Logs(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, stdout)
	if stderr != "" {
		io.WriteString(w, "\n--- stderr ---\n")
		io.WriteString(w, stderr)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.registry.Events(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

// handleHistory exposes the durable execution history for one script.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history store not configured")
		return
	}
	script := r.URL.Query().Get("script")
	if script == "" {
		writeError(w, http.StatusBadRequest, "script query parameter is required")
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	records, err := s.history.GetExecutionHistory(r.Context(), script, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleMetricStats exposes order statistics for one metric.
func (s *Server) handleMetricStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history store not configured")
		return
	}
	stats, err := s.history.Aggregations(r.Context(), chi.URLParam(r, "name"), r.URL.Query().Get("script"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
