package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/abutsfit/cncbridge/internal/material"
)

func (s *Server) handleMaterialsList(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Materials.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []material.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": items})
}

func (s *Server) handleMaterialGet(w http.ResponseWriter, r *http.Request) {
	it, err := s.deps.Materials.Get(r.Context(), chi.URLParam(r, "machineId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": it})
}

// handleMaterialPut replaces the machine's material record. Fields missing
// from the body are cleared.
func (s *Server) handleMaterialPut(w http.ResponseWriter, r *http.Request) {
	var it material.Item
	if err := decodeBody(w, r, &it); err != nil {
		writeError(w, r, err)
		return
	}
	it.MachineID = chi.URLParam(r, "machineId")
	saved, err := s.deps.Materials.Upsert(r.Context(), it)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": saved})
}

func (s *Server) handleMaterialDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Materials.Delete(r.Context(), chi.URLParam(r, "machineId")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
