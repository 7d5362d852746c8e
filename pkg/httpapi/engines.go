package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/kolosal/kolosal-server/pkg/backendloader"
)

type engineRegisterRequest struct {
	Name          string `json:"name"`
	LibraryPath   string `json:"library_path"`
	Description   string `json:"description"`
	LoadOnStartup bool   `json:"load_on_startup"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListEngines(w, r)
	case http.MethodPost:
		s.handleRegisterEngine(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed_error", "method_not_allowed", "unsupported method")
	}
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	engines := s.loader.Available()
	writeJSON(w, http.StatusOK, map[string]any{"engines": engines})
}

func (s *Server) handleRegisterEngine(w http.ResponseWriter, r *http.Request) {
	var req engineRegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Name == "" || req.LibraryPath == "" {
		writeValidationError(w, "name and library_path are required")
		return
	}
	if _, err := os.Stat(req.LibraryPath); err != nil {
		writeValidationError(w, fmt.Sprintf("library_path %q does not exist", req.LibraryPath))
		return
	}

	err := s.loader.AddAvailable(backendloader.EngineInfo{
		Name:        req.Name,
		Description: req.Description,
		LibraryPath: req.LibraryPath,
	})
	if err != nil {
		writeConflict(w, err.Error())
		return
	}

	if req.LoadOnStartup {
		if err := s.loader.LoadEngine(req.Name); err != nil {
			writeBackendFailure(w, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name, "status": "registered"})
}
