package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/abutsfit/cncbridge/internal/cooldown"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/mode1"
	"github.com/abutsfit/cncbridge/internal/program"
	"github.com/abutsfit/cncbridge/internal/store"
)

// handleProgramsGet lists programs or, with slotNo, reads one program and
// optionally saves it to the store.
func (s *Server) handleProgramsGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	head, err := headTypeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slot, err := slotParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if slot > 0 {
		rel := strings.TrimSpace(q.Get("path"))
		s.serve(w, r, http.StatusOK, func(ctx context.Context, id string) (entry, error) {
			key := cooldown.DownloadProgramGetKey(id, int(head), int(slot))
			if s.deps.Cooldown.IsOnCooldown(ctx, cooldown.RawRead, key) {
				return nil, &cooldownError{window: s.deps.Cooldown.Window(cooldown.RawRead)}
			}
			res, err := s.deps.Programs.Download(ctx, program.DownloadRequest{MachineID: id, HeadType: head, ProgramNo: slot, Path: rel})
			if err != nil {
				return nil, err
			}
			e := entry{"headType": res.HeadType, "slotNo": res.SlotNo, "length": res.Length, "path": nil}
			if res.Path != "" {
				e["path"] = res.Path
			}
			if rel == "" {
				e["programData"] = res.Data
			}
			return e, nil
		})
		return
	}
	s.serve(w, r, http.StatusOK, func(ctx context.Context, id string) (entry, error) {
		info, err := s.programList(ctx, id, head)
		if err != nil {
			return nil, err
		}
		info.HeadType = head
		if info.Programs == nil {
			info.Programs = []hilink.ProgramEntry{}
		}
		return entry{"data": info}, nil
	})
}

// programList reads the program list within ListTimeout. A list that does
// not come back in time drops the handle.
func (s *Server) programList(ctx context.Context, id string, head int16) (hilink.ProgramListInfo, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.ListTimeout)
	defer cancel()
	info, err := s.deps.Machines.GetProgramList(lctx, id, head)
	if err == nil {
		return info, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		s.deps.Handles.Invalidate(id, "list_timeout")
		err = fmt.Errorf("%w: GetMachineProgramListInfo timeout (>%dms)", mode1.ErrReadTimeout, s.cfg.ListTimeout.Milliseconds())
	}
	return info, err
}

type uploadRequest struct {
	HeadType *int16 `json:"headType"`
	SlotNo   int    `json:"slotNo"`
	Path     string `json:"path"`
	IsNew    *bool  `json:"isNew"`
	Verify   bool   `json:"verify"`
}

func (u uploadRequest) isNew() bool { return u.IsNew == nil || *u.IsNew }

// prepare loads and normalizes the file named by the request. A missing file
// is reported with its path.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request, req program.UploadRequest) (string, int, bool) {
	content, slot, err := s.deps.Programs.Prepare(req)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "file not found", "path": req.Path})
		return "", 0, false
	}
	if err != nil {
		writeError(w, r, err)
		return "", 0, false
	}
	return content, slot, true
}

// handleProgramsUpload uploads a store file to the given slot on every
// machine, one job per machine.
func (s *Server) handleProgramsUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	head, err := headOrDefault(req.HeadType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.SlotNo <= 0 {
		writeMessage(w, http.StatusBadRequest, "slotNo is required")
		return
	}
	rel := strings.TrimSpace(req.Path)
	if rel == "" {
		writeMessage(w, http.StatusBadRequest, "path is required")
		return
	}
	if ids, err := machinesParam(r); err != nil || len(ids) == 0 {
		writeMessage(w, http.StatusBadRequest, "machines parameter is required")
		return
	}
	content, slot, ok := s.prepare(w, r, program.UploadRequest{SlotNo: req.SlotNo, Path: rel, Style: program.StyleInPlace})
	if !ok {
		return
	}
	s.serveFanOut(w, r, http.StatusAccepted, func(ctx context.Context, id string) (entry, error) {
		jobID, err := s.submit(ctx, kindUpload, id, "", "", func(jctx context.Context) (any, error) {
			res, err := s.deps.Programs.Upload(jctx, program.UploadRequest{
				MachineID: id,
				HeadType:  head,
				SlotNo:    slot,
				Path:      rel,
				Content:   content,
				IsNew:     req.isNew(),
				Style:     program.StyleInPlace,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "message": "Program uploaded", "slotNo": res.SlotNo, "bytes": res.Bytes, "attempts": res.Attempts, "waitedMs": res.WaitedMs}, nil
		})
		if err != nil {
			return nil, err
		}
		e := accepted(jobID, "Program upload job accepted")
		e["slotNo"] = slot
		e["path"] = rel
		return e, nil
	})
}

type downloadRequest struct {
	HeadType  *int16 `json:"headType"`
	ProgramNo int16  `json:"programNo"`
	Path      string `json:"path"`
}

// handleProgramsDownload saves a program from every machine into the store.
func (s *Server) handleProgramsDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	head, err := headOrDefault(req.HeadType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProgramNo <= 0 {
		writeMessage(w, http.StatusBadRequest, "programNo is required")
		return
	}
	rel := strings.TrimSpace(req.Path)
	if rel == "" {
		writeMessage(w, http.StatusBadRequest, "path is required")
		return
	}
	s.serveFanOut(w, r, http.StatusOK, func(ctx context.Context, id string) (entry, error) {
		key := cooldown.DownloadProgramKey(id, int(head), int(req.ProgramNo))
		if s.deps.Cooldown.IsOnCooldown(ctx, cooldown.RawRead, key) {
			return nil, &cooldownError{window: s.deps.Cooldown.Window(cooldown.RawRead)}
		}
		res, err := s.deps.Programs.Download(ctx, program.DownloadRequest{MachineID: id, HeadType: head, ProgramNo: req.ProgramNo, Path: rel})
		if err != nil {
			return nil, err
		}
		return entry{"headType": res.HeadType, "slotNo": res.SlotNo, "path": res.Path, "length": res.Length}, nil
	})
}

func (s *Server) activeOp(ctx context.Context, id string) (entry, error) {
	info, err := s.deps.Machines.GetActiveProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	return entry{"data": info}, nil
}

type activateRequest struct {
	HeadType  *int16 `json:"headType"`
	ProgramNo int16  `json:"programNo"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	head, err := headOrDefault(req.HeadType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProgramNo <= 0 {
		writeMessage(w, http.StatusBadRequest, "programNo is required")
		return
	}
	dto := hilink.ActivateProgram{HeadType: head, ProgramNo: req.ProgramNo}
	s.serveFanOut(w, r, http.StatusAccepted, func(ctx context.Context, id string) (entry, error) {
		jobID, err := s.submit(ctx, kindActivate, id, "", "", func(jctx context.Context) (any, error) {
			if err := s.deps.Machines.SetActivateProgram(jctx, id, dto); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "message": "Program activated", "programNo": dto.ProgramNo, "headType": dto.HeadType}, nil
		})
		if err != nil {
			return nil, err
		}
		return accepted(jobID, "Activate program job accepted"), nil
	})
}

// handleActivateSub activates a sub head program synchronously on a fresh
// handle.
func (s *Server) handleActivateSub(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProgramNo <= 0 {
		writeMessage(w, http.StatusBadRequest, "programNo is required")
		return
	}
	dto := hilink.ActivateProgram{HeadType: hilink.HeadSub, ProgramNo: req.ProgramNo}
	s.serve(w, r, http.StatusOK, func(ctx context.Context, id string) (entry, error) {
		s.deps.Handles.Invalidate(id, "activate_sub")
		if err := s.deps.Machines.SetActivateProgram(ctx, id, dto); err != nil {
			return nil, err
		}
		return entry{"message": "Program activated", "programNo": dto.ProgramNo, "headType": dto.HeadType}, nil
	})
}

func (s *Server) handleProgramsDelete(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	head, err := headOrDefault(req.HeadType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProgramNo <= 0 {
		writeMessage(w, http.StatusBadRequest, "programNo is required")
		return
	}
	no := req.ProgramNo
	s.serveFanOut(w, r, http.StatusAccepted, func(ctx context.Context, id string) (entry, error) {
		key := cooldown.DeleteProgramKey(id, int(head), int(no))
		jobID, err := s.submit(ctx, kindDeleteProgram, id, cooldown.Control, key, func(jctx context.Context) (any, error) {
			active, err := s.deps.Machines.DeleteProgram(jctx, id, head, no)
			if err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "message": "Program deleted", "headType": head, "programNo": no, "activateProgNum": active}, nil
		})
		if err != nil {
			return nil, err
		}
		return accepted(jobID, "Delete program job accepted"), nil
	})
}

// handleSmartUpload normalizes a store file and uploads it as a job per
// machine, replacing the slot and optionally confirming it appeared.
func (s *Server) handleSmartUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	head, err := headOrDefault(req.HeadType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rel := strings.TrimSpace(req.Path)
	if rel == "" {
		writeMessage(w, http.StatusBadRequest, "path is required")
		return
	}
	content, slot, ok := s.prepare(w, r, program.UploadRequest{SlotNo: req.SlotNo, Path: rel})
	if !ok {
		return
	}
	s.serve(w, r, http.StatusAccepted, func(ctx context.Context, id string) (entry, error) {
		jobID, err := s.submit(ctx, kindSmartUpload, id, "", "", func(jctx context.Context) (any, error) {
			res, err := s.deps.Programs.Upload(jctx, program.UploadRequest{
				MachineID: id,
				HeadType:  head,
				SlotNo:    slot,
				Path:      rel,
				Content:   content,
				IsNew:     req.isNew(),
				DeleteOld: true,
			})
			if err != nil {
				return nil, err
			}
			out := map[string]any{"success": true, "message": "Program uploaded", "slotNo": res.SlotNo, "usedMode": "mode1", "bytes": res.Bytes}
			if req.Verify {
				if err := s.deps.Programs.VerifyExists(jctx, id, head, int16(res.SlotNo), s.cfg.VerifyTimeout); err != nil {
					return nil, err
				}
				out["verified"] = true
			}
			return out, nil
		})
		if err != nil {
			return nil, err
		}
		e := accepted(jobID, "Smart upload job accepted")
		e["headType"] = head
		e["path"] = rel
		e["slotNo"] = slot
		return e, nil
	})
}

// handleSmartDownload reads a program as a job per machine, saving it when
// a path is given.
func (s *Server) handleSmartDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	head, err := headOrDefault(req.HeadType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProgramNo <= 0 {
		writeMessage(w, http.StatusBadRequest, "programNo is required")
		return
	}
	rel := strings.TrimSpace(req.Path)
	s.serve(w, r, http.StatusAccepted, func(ctx context.Context, id string) (entry, error) {
		key := cooldown.DownloadProgramKey(id, int(head), int(req.ProgramNo))
		jobID, err := s.submit(ctx, kindSmartDownload, id, cooldown.RawRead, key, func(jctx context.Context) (any, error) {
			res, err := s.deps.Programs.Download(jctx, program.DownloadRequest{MachineID: id, HeadType: head, ProgramNo: req.ProgramNo, Path: rel})
			if err != nil {
				return nil, err
			}
			out := map[string]any{"success": true, "message": "Program downloaded", "headType": res.HeadType, "slotNo": res.SlotNo, "length": res.Length, "path": nil}
			if res.Path != "" {
				out["path"] = res.Path
			} else {
				out["programData"] = res.Data
			}
			return out, nil
		})
		if err != nil {
			return nil, err
		}
		e := accepted(jobID, "Smart download job accepted")
		e["headType"] = head
		e["programNo"] = req.ProgramNo
		return e, nil
	})
}
