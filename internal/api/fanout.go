package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/abutsfit/cncbridge/internal/hilink"
	xglog "github.com/abutsfit/cncbridge/internal/log"
)

// machineOp runs one operation against one machine. A nil error means the
// returned entry is a success.
type machineOp func(ctx context.Context, machineID string) (entry, error)

// fanOut runs op for every machine with bounded concurrency. Results keep
// the order of ids.
func (s *Server) fanOut(ctx context.Context, ids []string, op machineOp) []entry {
	results := make([]entry, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FanoutConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			mctx := xglog.ContextWithMachineID(gctx, id)
			e, err := op(mctx, id)
			if err != nil {
				results[i] = failure(gctx, id, err)
				return nil
			}
			if e == nil {
				e = entry{}
			}
			e["machineId"] = id
			e["success"] = true
			results[i] = e
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// serveFanOut handles a ?machines= request.
func (s *Server) serveFanOut(w http.ResponseWriter, r *http.Request, status int, op machineOp) {
	ids, err := machinesParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(ids) == 0 {
		writeMessage(w, http.StatusBadRequest, "machines parameter is required")
		return
	}
	writeJSON(w, status, map[string]any{"success": true, "results": s.fanOut(r.Context(), ids, op)})
}

// serveSingle handles a /machines/{machineId}/... request.
func (s *Server) serveSingle(w http.ResponseWriter, r *http.Request, status int, op machineOp) {
	id := strings.TrimSpace(chi.URLParam(r, "machineId"))
	if id == "" {
		writeMessage(w, http.StatusBadRequest, "machineId is required")
		return
	}
	e, err := op(xglog.ContextWithMachineID(r.Context(), id), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if e == nil {
		e = entry{}
	}
	e["machineId"] = id
	e["success"] = true
	writeJSON(w, status, e)
}

// headOrDefault validates an optional head from a JSON body.
func headOrDefault(v *int16) (int16, error) {
	if v == nil || *v == 0 {
		return hilink.HeadMain, nil
	}
	if *v != hilink.HeadMain && *v != hilink.HeadSub {
		return 0, badRequest("headType must be 1 or 2")
	}
	return *v, nil
}
