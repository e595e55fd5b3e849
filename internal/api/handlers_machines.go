package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/abutsfit/cncbridge/internal/jobs"
	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/mode1"
	"github.com/abutsfit/cncbridge/internal/registry"
)

func machineList(ms []registry.Machine) []registry.Machine {
	if ms == nil {
		return []registry.Machine{}
	}
	return ms
}

func (s *Server) handleMachinesList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "machines": machineList(s.deps.Machines.ListMachines())})
}

// handleMachinesRegister stores a machine and checks that a handle opens.
// A failed check still keeps the registry entry.
func (s *Server) handleMachinesRegister(w http.ResponseWriter, r *http.Request) {
	var m registry.Machine
	if err := decodeBody(w, r, &m); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(m.UID) == "" {
		writeMessage(w, http.StatusBadRequest, "uid is required")
		return
	}
	m.UID = strings.TrimSpace(m.UID)
	m.IP = strings.TrimSpace(m.IP)

	err := s.deps.Machines.Register(r.Context(), m)
	s.deps.Audit.MachineConfig(r.Context(), "register", m.UID, err)
	if err != nil && statusFor(err) == http.StatusBadRequest {
		writeError(w, r, err)
		return
	}
	if err != nil {
		logger := xglog.WithContext(r.Context(), s.logger)
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "machine.verify_failed").
			Str(xglog.FieldUID, m.UID).
			Msg("registered machine did not answer")
		msg, _ := mode1.DescribeIn(err, languageFrom(r.Context()))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "result": -1, "message": msg})
		return
	}
	metrics.SetRegistryMachines(len(s.deps.Registry.List()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": 0, "message": nil})
}

// handleMachinesStatus reports the status of every registered machine.
func (s *Server) handleMachinesStatus(w http.ResponseWriter, r *http.Request) {
	ms := s.deps.Machines.ListMachines()
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.UID)
	}
	results := s.fanOut(r.Context(), ids, s.statusOp)
	out := make([]map[string]any, len(results))
	for i, e := range results {
		row := map[string]any{"uid": ids[i], "success": e["success"], "status": e["status"], "error": nil}
		if e["success"] != true {
			row["status"] = "UNKNOWN"
			row["error"] = e["message"]
		}
		out[i] = row
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "machines": out})
}

func (s *Server) handleConfigMachines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "machines": machineList(s.deps.Registry.List())})
}

type machineConfigRequest struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (s *Server) handleConfigUpsert(w http.ResponseWriter, r *http.Request) {
	var req machineConfigRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m := registry.Machine{UID: strings.TrimSpace(chi.URLParam(r, "uid")), IP: strings.TrimSpace(req.IP), Port: req.Port}
	changed, err := s.deps.Registry.Upsert(m)
	s.deps.Audit.MachineConfig(r.Context(), "upsert", m.UID, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Handles.Invalidate(m.UID, "config_changed")
	metrics.SetRegistryMachines(len(s.deps.Registry.List()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "machine": m, "changed": changed})
}

func (s *Server) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(chi.URLParam(r, "uid"))
	err := s.deps.Registry.Delete(uid)
	s.deps.Audit.MachineConfig(r.Context(), "delete", uid, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Handles.Invalidate(uid, "config_deleted")
	metrics.SetRegistryMachines(len(s.deps.Registry.List()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleJob returns a job record. Under /machines/{machineId} the job must
// belong to that machine.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "jobId"))
	rec, err := s.lookupJob(r.Context(), id)
	if err == nil {
		if mid := chi.URLParam(r, "machineId"); mid != "" && !strings.EqualFold(mid, rec.MachineID) {
			err = jobs.ErrNotFound
		}
	}
	if errors.Is(err, jobs.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "job not found", "jobId": id})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := map[string]any{
		"success":      true,
		"jobId":        rec.JobID,
		"kind":         rec.Kind,
		"machineId":    rec.MachineID,
		"status":       rec.Status,
		"createdAtUtc": rec.CreatedAt,
	}
	if rec.Status.Terminal() {
		body["result"] = rec.Result
		body["finishedAtUtc"] = rec.FinishedAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) lookupJob(ctx context.Context, id string) (jobs.Record, error) {
	if id == "" {
		return jobs.Record{}, jobs.ErrNotFound
	}
	return s.deps.Jobs.Get(ctx, id)
}
