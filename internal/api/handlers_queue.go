package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/queue"
)

func (s *Server) registerQueueRoutes(r chi.Router) {
	r.Get("/", s.handleQueueAll)
	r.Post("/reorder", s.handleQueueReorder)
	r.Post("/clear", s.handleQueueClear)
	r.Get("/{machineId}", s.handleQueueMachine)
	r.Post("/{machineId}", s.handleQueueEnqueue)
	r.Put("/{machineId}", s.handleQueueReplace)
	r.Delete("/{machineId}/{jobId}", s.handleQueueRemove)
	r.Patch("/{machineId}/{jobId}/qty", s.handleQueueQty)
	r.Patch("/{machineId}/{jobId}/pause", s.handleQueuePause)
}

func (s *Server) publishDepth(machineID string) {
	metrics.SetQueueDepth(strings.ToLower(machineID), len(s.deps.Queue.Snapshot(machineID)))
}

func (s *Server) handleQueueAll(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.deps.Queue.SnapshotAll(limit)})
}

func (s *Server) handleQueueMachine(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.deps.Queue.Snapshot(chi.URLParam(r, "machineId"))})
}

type enqueueRequest struct {
	Kind             queue.Kind `json:"kind"`
	FileName         string     `json:"fileName"`
	OriginalFileName string     `json:"originalFileName"`
	BridgePath       string     `json:"bridgePath"`
	RequestID        string     `json:"requestId"`
	AllowAutoStart   bool       `json:"allowAutoStart"`
	Source           string     `json:"source"`
	Front            bool       `json:"front"`
	ProgramNo        int        `json:"programNo"`
	ProgramName      string     `json:"programName"`
}

func (s *Server) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	machineID := chi.URLParam(r, "machineId")
	var (
		it  queue.Item
		err error
	)
	switch req.Kind {
	case queue.KindDummy:
		it, err = s.deps.Queue.EnqueueDummyFront(machineID, req.ProgramNo, req.ProgramName)
	case queue.KindFile, "":
		job := queue.FileJob{
			FileName:         req.FileName,
			OriginalFileName: req.OriginalFileName,
			BridgePath:       req.BridgePath,
			RequestID:        req.RequestID,
			AllowAutoStart:   req.AllowAutoStart,
			Source:           req.Source,
		}
		if req.Front {
			it, err = s.deps.Queue.EnqueueFront(machineID, job)
		} else {
			it, err = s.deps.Queue.EnqueueBack(machineID, job)
		}
	default:
		writeMessage(w, http.StatusBadRequest, "kind must be file or dummy")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publishDepth(machineID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": it})
}

type replaceRequest struct {
	Jobs []struct {
		ID          string     `json:"id"`
		Kind        queue.Kind `json:"kind"`
		Qty         int        `json:"qty"`
		FileName    string     `json:"fileName"`
		BridgePath  string     `json:"bridgePath"`
		RequestID   string     `json:"requestId"`
		ProgramNo   int        `json:"programNo"`
		ProgramName string     `json:"programName"`
		Paused      bool       `json:"paused"`
	} `json:"jobs"`
}

// handleQueueReplace swaps a machine's queue for the backend's list. Entries
// without a file name are skipped.
func (s *Server) handleQueueReplace(w http.ResponseWriter, r *http.Request) {
	var req replaceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]queue.Item, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		name := strings.TrimSpace(j.FileName)
		if name == "" {
			continue
		}
		kind := queue.KindFile
		if strings.EqualFold(string(j.Kind), string(queue.KindDummy)) {
			kind = queue.KindDummy
		}
		items = append(items, queue.Item{
			ID:          strings.TrimSpace(j.ID),
			Kind:        kind,
			Qty:         j.Qty,
			FileName:    name,
			BridgePath:  strings.TrimSpace(j.BridgePath),
			RequestID:   strings.TrimSpace(j.RequestID),
			ProgramNo:   j.ProgramNo,
			ProgramName: j.ProgramName,
			Paused:      j.Paused,
			Source:      "backend_db",
		})
	}
	machineID := chi.URLParam(r, "machineId")
	if err := s.deps.Queue.Replace(machineID, items); err != nil {
		writeError(w, r, err)
		return
	}
	s.publishDepth(machineID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.deps.Queue.Snapshot(machineID)})
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	machineID, jobID := chi.URLParam(r, "machineId"), chi.URLParam(r, "jobId")
	var removed *queue.Item
	for _, it := range s.deps.Queue.Snapshot(machineID) {
		if strings.EqualFold(it.ID, jobID) {
			removed = &it
			break
		}
	}
	if removed == nil || !s.deps.Queue.Remove(machineID, removed.ID) {
		writeMessage(w, http.StatusNotFound, "job not found")
		return
	}
	s.publishDepth(machineID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": removed})
}

type qtyRequest struct {
	Qty *int `json:"qty"`
}

func (s *Server) handleQueueQty(w http.ResponseWriter, r *http.Request) {
	var req qtyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	qty := 1
	if req.Qty != nil {
		qty = *req.Qty
	}
	it, err := s.deps.Queue.SetQty(chi.URLParam(r, "machineId"), chi.URLParam(r, "jobId"), qty)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": it})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	it, err := s.deps.Queue.SetPaused(chi.URLParam(r, "machineId"), chi.URLParam(r, "jobId"), req.Paused)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": it})
}

func writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusNotFound {
		writeMessage(w, http.StatusNotFound, "job not found")
		return
	}
	writeError(w, r, err)
}

type reorderRequest struct {
	MachineID string   `json:"machineId"`
	Order     []string `json:"order"`
}

func (s *Server) handleQueueReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	machineID := strings.TrimSpace(req.MachineID)
	if machineID == "" {
		writeMessage(w, http.StatusBadRequest, "machineId is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.deps.Queue.Reorder(machineID, req.Order)})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	machineID := strings.TrimSpace(req.MachineID)
	if machineID == "" {
		writeMessage(w, http.StatusBadRequest, "machineId is required")
		return
	}
	s.deps.Queue.Clear(machineID)
	s.publishDepth(machineID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
