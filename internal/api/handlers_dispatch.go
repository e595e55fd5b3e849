package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/abutsfit/cncbridge/internal/cooldown"
	"github.com/abutsfit/cncbridge/internal/dispatch"
	"github.com/abutsfit/cncbridge/internal/queue"
)

const kindManualPlay = "manual_play"

func (s *Server) registerDispatchRoutes(r chi.Router) {
	r.Post("/smart/enqueue", s.handleSmartEnqueue)
	r.Post("/smart/replace", s.handleSmartReplace)
	r.Post("/smart/dequeue", s.handleSmartDequeue)
	r.Post("/smart/start", s.handleSmartStart)
	r.Get("/smart/status", s.handleSmartStatus)

	r.Post("/continuous/enqueue", s.handleContinuousEnqueue)
	r.Get("/continuous/state", s.handleContinuousState)

	r.Post("/manual/preload", s.handleManualPreload)
	r.Post("/manual/play", s.handleManualPlay)
}

func (s *Server) handleSmartEnqueue(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SmartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	machineID := chi.URLParam(r, "machineId")
	added, err := s.deps.Dispatch.SmartEnqueue(r.Context(), machineID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Enqueued",
		"jobs":    added,
		"queued":  s.deps.Dispatch.SmartStatus(machineID).Queued,
	})
}

func (s *Server) handleSmartReplace(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SmartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.deps.Dispatch.SmartReplace(r.Context(), chi.URLParam(r, "machineId"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Replaced", "jobs": jobs})
}

type smartDequeueRequest struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleSmartDequeue(w http.ResponseWriter, r *http.Request) {
	var req smartDequeueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Dispatch.SmartDequeue(r.Context(), chi.URLParam(r, "machineId"), req.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"removed":      res.Removed,
		"removedJobId": res.RemovedJobID,
		"queued":       res.Queued,
	})
}

func (s *Server) handleSmartStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.deps.Dispatch.SmartStart(chi.URLParam(r, "machineId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Smart worker already running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "Smart worker started"})
}

func (s *Server) handleSmartStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.deps.Dispatch.SmartStatus(chi.URLParam(r, "machineId"))})
}

type continuousEnqueueRequest struct {
	FileName       string `json:"fileName"`
	BridgePath     string `json:"bridgePath"`
	RequestID      string `json:"requestId"`
	AllowAutoStart bool   `json:"allowAutoStart"`
}

// handleContinuousEnqueue inserts a file so it runs right after the
// current job.
func (s *Server) handleContinuousEnqueue(w http.ResponseWriter, r *http.Request) {
	var req continuousEnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		writeMessage(w, http.StatusBadRequest, "fileName is required")
		return
	}
	machineID := chi.URLParam(r, "machineId")
	it, err := s.deps.Queue.EnqueueFront(machineID, queue.FileJob{
		FileName:       req.FileName,
		BridgePath:     req.BridgePath,
		RequestID:      req.RequestID,
		AllowAutoStart: req.AllowAutoStart,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publishDepth(machineID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Job enqueued",
		"jobId":     it.ID,
		"machineId": machineID,
	})
}

func (s *Server) handleContinuousState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Dispatch.State(chi.URLParam(r, "machineId"))
	if !ok {
		writeMessage(w, http.StatusNotFound, "Machine state not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": st})
}

func (s *Server) handleManualPreload(w http.ResponseWriter, r *http.Request) {
	var req dispatch.PreloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Dispatch.Preload(r.Context(), chi.URLParam(r, "machineId"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Manual preload queued", "data": res})
}

// handleManualPlay runs synchronously; the response reports the started
// slot.
func (s *Server) handleManualPlay(w http.ResponseWriter, r *http.Request) {
	var req dispatch.PlayRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	machineID := chi.URLParam(r, "machineId")
	if s.deps.Cooldown.IsOnCooldown(ctx, cooldown.Control, cooldown.ManualPlayKey(machineID)) {
		err := &cooldownError{window: s.deps.Cooldown.Window(cooldown.Control)}
		s.deps.Audit.Control(ctx, kindManualPlay, machineID, "", err)
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Dispatch.Play(ctx, machineID, req)
	s.deps.Audit.Control(ctx, kindManualPlay, machineID, "", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Manual play started", "data": res})
}
