package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/abutsfit/cncbridge/internal/cooldown"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/jobs"
	xglog "github.com/abutsfit/cncbridge/internal/log"
)

// Job kinds.
const (
	kindStart         = "start"
	kindStop          = "stop"
	kindReset         = "reset"
	kindMode          = "mode"
	kindUpload        = "upload"
	kindSmartUpload   = "smart_upload"
	kindSmartDownload = "smart_download"
	kindActivate      = "activate"
	kindDeleteProgram = "delete_program"
)

// submit checks the cooldown key, when one is given, and queues fn as a job
// for machineID.
func (s *Server) submit(ctx context.Context, kind, machineID string, class cooldown.Class, key string, fn jobs.Func) (string, error) {
	if key != "" && s.deps.Cooldown.IsOnCooldown(ctx, class, key) {
		err := &cooldownError{window: s.deps.Cooldown.Window(class)}
		s.deps.Audit.Control(ctx, kind, machineID, "", err)
		return "", err
	}
	requestID := xglog.RequestIDFromContext(ctx)
	jobID, err := s.deps.Jobs.Submit(ctx, kind, machineID, func(jctx context.Context) (any, error) {
		jctx = xglog.ContextWithMachineID(jctx, machineID)
		if requestID != "" {
			jctx = xglog.ContextWithRequestID(jctx, requestID)
		}
		return fn(jctx)
	})
	s.deps.Audit.Control(ctx, kind, machineID, jobID, err)
	return jobID, err
}

func accepted(jobID, message string) entry {
	return entry{"jobId": jobID, "message": message}
}

func (s *Server) statusOp(ctx context.Context, id string) (entry, error) {
	st, err := s.deps.Machines.GetMachineStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return entry{"status": st}, nil
}

func alarmData(info hilink.AlarmInfo) map[string]any {
	alarms := info.Alarms
	if alarms == nil {
		alarms = []hilink.Alarm{}
	}
	return map[string]any{"headType": info.HeadType, "alarms": alarms}
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	head, err := headTypeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serve(w, r, http.StatusOK, func(ctx context.Context, id string) (entry, error) {
		info, err := s.deps.Machines.GetAlarms(ctx, id, head)
		if err != nil {
			return nil, err
		}
		info.HeadType = head
		return entry{"data": alarmData(info)}, nil
	})
}

type panelRequest struct {
	IOUID     *int16 `json:"ioUid"`
	PanelType int16  `json:"panelType"`
	Status    *bool  `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handlePanel(w, r, kindStart, s.cfg.StartIOUID, cooldown.StartKey, "Start")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handlePanel(w, r, kindStop, s.cfg.StopIOUID, cooldown.StopKey, "Stop")
}

// handlePanel pulses a panel IO signal as a job.
func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request, kind string, defaultIO int16, key func(string) string, label string) {
	var req panelRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ioUID := defaultIO
	if req.IOUID != nil {
		ioUID = *req.IOUID
	}
	if ioUID < 0 {
		writeMessage(w, http.StatusBadRequest, "ioUid must not be negative")
		return
	}
	on := true
	if req.Status != nil {
		on = *req.Status
	}
	s.serve(w, r, http.StatusAccepted, func(ctx context.Context, id string) (entry, error) {
		jobID, err := s.submit(ctx, kind, id, cooldown.Control, key(id), func(jctx context.Context) (any, error) {
			if err := s.deps.Machines.SetPanelIO(jctx, id, req.PanelType, ioUID, on); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "message": label + " signal sent", "ioUid": ioUID, "status": on}, nil
		})
		if err != nil {
			return nil, err
		}
		return accepted(jobID, label+" signal job accepted"), nil
	})
}

func (s *Server) resetOp(ctx context.Context, id string) (entry, error) {
	jobID, err := s.submit(ctx, kindReset, id, cooldown.Control, cooldown.ResetKey(id), func(jctx context.Context) (any, error) {
		if err := s.deps.Machines.Reset(jctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "message": "Machine reset completed"}, nil
	})
	if err != nil {
		return nil, err
	}
	return accepted(jobID, "Reset job accepted"), nil
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Mode) == "" {
		writeMessage(w, http.StatusBadRequest, "mode is required (EDIT/AUTO)")
		return
	}
	mode, ok := hilink.ParseMode(req.Mode)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "mode must be EDIT, AUTO or MDI")
		return
	}
	s.serve(w, r, http.StatusAccepted, func(ctx context.Context, id string) (entry, error) {
		jobID, err := s.submit(ctx, kindMode, id, cooldown.Control, cooldown.ModeKey(id, string(mode)), func(jctx context.Context) (any, error) {
			if err := s.deps.Machines.SetMode(jctx, id, string(mode)); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "message": "Mode changed", "mode": mode}, nil
		})
		if err != nil {
			return nil, err
		}
		e := accepted(jobID, "Mode change job accepted")
		e["mode"] = mode
		return e, nil
	})
}
