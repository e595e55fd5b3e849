package api

import (
	"bytes"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/store"
)

func (s *Server) registerStoreRoutes(r chi.Router) {
	r.Get("/config", s.handleStoreConfig)
	r.Get("/list", s.handleStoreList)
	r.Get("/folder-zip", s.handleStoreZip)
	r.Post("/mkdir", s.handleStoreMkdir)
	r.Post("/rename", s.handleStoreRename)
	r.Post("/move", s.handleStoreMove)
	r.Get("/file", s.handleStoreRead)
	r.Put("/file", s.handleStoreWrite)
	r.Delete("/file", s.handleStoreDelete)
	r.Post("/upload", s.handleStoreUpload)
	r.Delete("/folder", s.handleStoreDeleteFolder)
}

// pathParam returns the required path query parameter.
func pathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	rel := strings.TrimSpace(r.URL.Query().Get("path"))
	if rel == "" {
		writeMessage(w, http.StatusBadRequest, "path is required")
		return "", false
	}
	return rel, true
}

func (s *Server) handleStoreConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rootPath": s.deps.Store.Root()})
}

func (s *Server) handleStoreList(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	entries, err := s.deps.Store.List(rel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": rel, "entries": entries})
}

// handleStoreZip streams a folder as a zip archive. The archive is built in
// memory first so a failure can still be reported as JSON.
func (s *Server) handleStoreZip(w http.ResponseWriter, r *http.Request) {
	rel, ok := pathParam(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := s.deps.Store.Zip(rel, &buf); err != nil {
		writeError(w, r, err)
		return
	}
	name := path.Base(strings.TrimRight(rel, "/"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(name, `"`, "")+`.zip"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		logger := xglog.WithContext(r.Context(), s.logger)
		logger.Debug().Err(err).Str(xglog.FieldPath, rel).Msg("zip response aborted")
	}
}

type pathRequest struct {
	Path     string `json:"path"`
	NewName  string `json:"newName"`
	FromPath string `json:"fromPath"`
	ToPath   string `json:"toPath"`
	Content  string `json:"content"`
	// NormalizeName defaults to true on upload.
	NormalizeName *bool `json:"normalizeName"`
}

func (s *Server) handleStoreMkdir(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeMessage(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.deps.Store.Mkdir(req.Path); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeMoveError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "source not found")
		return
	}
	writeError(w, r, err)
}

func (s *Server) handleStoreRename(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" || strings.TrimSpace(req.NewName) == "" {
		writeMessage(w, http.StatusBadRequest, "path and newName are required")
		return
	}
	if err := s.deps.Store.Rename(req.Path, req.NewName); err != nil {
		writeMoveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStoreMove(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.FromPath) == "" || strings.TrimSpace(req.ToPath) == "" {
		writeMessage(w, http.StatusBadRequest, "fromPath and toPath are required")
		return
	}
	if err := s.deps.Store.Move(req.FromPath, req.ToPath); err != nil {
		writeMoveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStoreRead(w http.ResponseWriter, r *http.Request) {
	rel, ok := pathParam(w, r)
	if !ok {
		return
	}
	data, err := s.deps.Store.ReadFile(rel)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "name": path.Base(rel), "path": rel, "content": string(data)})
}

func (s *Server) handleStoreWrite(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Path == "" {
		req.Path = r.URL.Query().Get("path")
	}
	if strings.TrimSpace(req.Path) == "" {
		writeMessage(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.deps.Store.WriteFile(req.Path, []byte(req.Content)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStoreUpload saves a file, renaming program files to O####.ext
// unless normalizeName is false.
func (s *Server) handleStoreUpload(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rel := strings.TrimSpace(req.Path)
	if rel == "" {
		writeMessage(w, http.StatusBadRequest, "path is required")
		return
	}
	normalize := req.NormalizeName == nil || *req.NormalizeName
	if normalize {
		rel = store.NormalizeProgramFileName(rel)
	}
	if err := s.deps.Store.WriteFile(rel, []byte(req.Content)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": rel, "normalized": normalize})
}

func (s *Server) handleStoreDelete(w http.ResponseWriter, r *http.Request) {
	rel, ok := pathParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.Delete(rel); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStoreDeleteFolder(w http.ResponseWriter, r *http.Request) {
	rel, ok := pathParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteFolder(rel); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
