package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/abutsfit/cncbridge/internal/cooldown"
	"github.com/abutsfit/cncbridge/internal/hilink"
	xglog "github.com/abutsfit/cncbridge/internal/log"
)

type rawRequest struct {
	UID            string          `json:"uid"`
	DataType       string          `json:"dataType"`
	Payload        json.RawMessage `json:"payload"`
	BypassCooldown bool            `json:"bypassCooldown"`
}

type rawPayload struct {
	HeadType  *int16 `json:"headType"`
	ProgramNo int16  `json:"programNo"`
}

// rawHandler returns the response body for one raw request.
type rawHandler func(s *Server, ctx context.Context, req rawRequest, p rawPayload) (any, error)

// rawOps is keyed by lower-cased dataType.
var rawOps = map[string]rawHandler{}

func init() {
	register := func(h rawHandler, names ...string) {
		for _, n := range names {
			rawOps[strings.ToLower(n)] = h
		}
	}
	register((*Server).rawAlarms, "GetMachineAlarmInfo")
	register((*Server).rawMachineList, "GetMachineList")
	register((*Server).rawStatus, "GetMachineStatus", "GetOPStatus")
	register((*Server).rawProgramList, "GetMachineProgramListInfo", "GetProgListInfo")
	register((*Server).rawActiveProgram, "GetMachineActivateProgInfo", "GetActivateProgInfo")
	register((*Server).rawProgramData, "GetMachineProgramData", "GetProgDataInfo")
	register((*Server).rawActivate, "SetActivateProgram")
}

func withData(data any) map[string]any {
	return map[string]any{"success": true, "data": data}
}

// handleRaw dispatches a tagged request to a fixed set of vendor reads and
// the program activation command.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	var req rawRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if id := chi.URLParam(r, "machineId"); id != "" {
		req.UID = id
	}
	req.UID = strings.TrimSpace(req.UID)
	req.DataType = strings.TrimSpace(req.DataType)
	if req.UID == "" {
		writeMessage(w, http.StatusBadRequest, "uid is required")
		return
	}
	if req.DataType == "" {
		writeMessage(w, http.StatusBadRequest, "dataType is required")
		return
	}
	h, found := rawOps[strings.ToLower(req.DataType)]
	if !found {
		writeMessage(w, http.StatusBadRequest, "unsupported dataType: "+req.DataType)
		return
	}
	var p rawPayload
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
	}
	ctx := xglog.ContextWithMachineID(r.Context(), req.UID)
	body, err := h(s, ctx, req, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) rawAlarms(ctx context.Context, req rawRequest, p rawPayload) (any, error) {
	head, err := headOrDefault(p.HeadType)
	if err != nil {
		return nil, err
	}
	info, err := s.deps.Machines.GetAlarms(ctx, req.UID, head)
	if err != nil {
		return nil, err
	}
	info.HeadType = head
	return withData(alarmData(info)), nil
}

func (s *Server) rawMachineList(_ context.Context, _ rawRequest, _ rawPayload) (any, error) {
	return withData(machineList(s.deps.Machines.ListMachines())), nil
}

func (s *Server) rawStatus(ctx context.Context, req rawRequest, _ rawPayload) (any, error) {
	st, err := s.deps.Machines.GetMachineStatus(ctx, req.UID)
	if err != nil {
		return nil, err
	}
	return withData(map[string]any{"status": st}), nil
}

func (s *Server) rawProgramList(ctx context.Context, req rawRequest, p rawPayload) (any, error) {
	head, err := headOrDefault(p.HeadType)
	if err != nil {
		return nil, err
	}
	info, err := s.programList(ctx, req.UID, head)
	if err != nil {
		return nil, err
	}
	info.HeadType = head
	if info.Programs == nil {
		info.Programs = []hilink.ProgramEntry{}
	}
	return withData(info), nil
}

func (s *Server) rawActiveProgram(ctx context.Context, req rawRequest, _ rawPayload) (any, error) {
	info, err := s.deps.Machines.GetActiveProgram(ctx, req.UID)
	if err != nil {
		return nil, err
	}
	return withData(info), nil
}

func (s *Server) rawProgramData(ctx context.Context, req rawRequest, p rawPayload) (any, error) {
	head, err := headOrDefault(p.HeadType)
	if err != nil {
		return nil, err
	}
	if p.ProgramNo <= 0 {
		return nil, badRequest("programNo is required")
	}
	data, err := s.deps.Machines.GetProgramData(ctx, req.UID, head, p.ProgramNo)
	if err != nil {
		return nil, err
	}
	return withData(data), nil
}

func (s *Server) rawActivate(ctx context.Context, req rawRequest, p rawPayload) (any, error) {
	if !req.BypassCooldown && s.deps.Cooldown.IsOnCooldown(ctx, cooldown.Control, cooldown.ActivateKey(req.UID)) {
		return nil, &cooldownError{window: s.deps.Cooldown.Window(cooldown.Control), message: "Too many activate requests"}
	}
	head, err := headOrDefault(p.HeadType)
	if err != nil {
		return nil, err
	}
	if p.ProgramNo <= 0 {
		return nil, badRequest("programNo is required")
	}
	dto := hilink.ActivateProgram{HeadType: head, ProgramNo: p.ProgramNo}
	if err := s.deps.Machines.SetActivateProgram(ctx, req.UID, dto); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message": "Program activated", "programNo": dto.ProgramNo, "headType": dto.HeadType}, nil
}
