package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kolosal/kolosal-server/pkg/download"
	"github.com/kolosal/kolosal-server/pkg/engine"
)

// modelCreateRequest is the body of "POST /models".
type modelCreateRequest struct {
	ModelID         string            `json:"model_id"`
	ModelPath       string            `json:"model_path"`
	BackendName     string            `json:"backend_name"`
	MainGPUID       int               `json:"main_gpu_id"`
	Embedding       bool              `json:"embedding"`
	LoadImmediately *bool             `json:"load_immediately"`
	LoadParams      download.LoadParams `json:"load_params"`
}

func (s *Server) modelsDir() string {
	return filepath.Join(s.downloadDir, "models")
}

// handleModels dispatches "GET|POST /models".
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListModels(w, r)
	case http.MethodPost:
		s.handleCreateModel(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed_error", "method_not_allowed", "unsupported method")
	}
}

func modelTypeAndCapabilities(embedding bool) (string, []string) {
	if embedding {
		return "embedding", []string{"embeddings"}
	}
	return "completion", []string{"chat", "completion"}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	snapshots := s.coordinator.List()
	type modelEntry struct {
		ModelID         string   `json:"model_id"`
		Status          string   `json:"status"`
		Available       bool     `json:"available"`
		ModelType       string   `json:"model_type"`
		Capabilities    []string `json:"capabilities"`
		InferenceReady  bool     `json:"inference_ready"`
	}
	models := make([]modelEntry, 0, len(snapshots))
	loaded, registered := 0, 0
	for _, snap := range snapshots {
		modelType, caps := modelTypeAndCapabilities(snap.IsEmbedding)
		models = append(models, modelEntry{
			ModelID:        snap.ID,
			Status:         string(snap.State),
			Available:      true,
			ModelType:      modelType,
			Capabilities:   caps,
			InferenceReady: snap.Loaded,
		})
		if snap.Loaded {
			loaded++
		} else {
			registered++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"summary": map[string]any{
			"total":      len(models),
			"loaded":     loaded,
			"registered": registered,
		},
	})
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req modelCreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.ModelPath == "" {
		writeValidationError(w, "model_path is required")
		return
	}
	if req.ModelID == "" {
		req.ModelID = uuid.NewString()
	}
	loadImmediately := true
	if req.LoadImmediately != nil {
		loadImmediately = *req.LoadImmediately
	}

	params := engine.LoadParams{
		ContextLength: req.LoadParams.ContextLength,
		BatchSize:     req.LoadParams.BatchSize,
		Parallelism:   req.LoadParams.Parallelism,
		GPULayers:     req.LoadParams.GPULayers,
		UseMemoryLock: req.LoadParams.UseMemoryLock,
		TensorSplit:   req.LoadParams.TensorSplit,
		ExtraFlags:    req.LoadParams.ExtraFlags,
	}

	if isURLPath(req.ModelPath) {
		s.handleCreateModelFromURL(w, r, req, params, loadImmediately)
		return
	}

	ctx := r.Context()
	var err error
	if req.Embedding {
		if loadImmediately {
			err = s.coordinator.AddEmbedding(ctx, req.ModelID, req.ModelPath, params, req.MainGPUID, req.BackendName)
		} else {
			err = s.coordinator.RegisterEmbedding(ctx, req.ModelID, req.ModelPath, params, req.MainGPUID, req.BackendName)
		}
	} else {
		if loadImmediately {
			err = s.coordinator.Add(ctx, req.ModelID, req.ModelPath, params, req.MainGPUID, req.BackendName)
		} else {
			err = s.coordinator.Register(ctx, req.ModelID, req.ModelPath, params, req.MainGPUID, req.BackendName)
		}
	}
	if err != nil {
		s.writeAddError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"model_id": req.ModelID,
		"status":   "created",
	})
}

func isURLPath(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func (s *Server) handleCreateModelFromURL(w http.ResponseWriter, r *http.Request, req modelCreateRequest, params engine.LoadParams, loadImmediately bool) {
	if exists, _ := s.coordinator.GetEngineStatus(req.ModelID); exists {
		writeConflict(w, fmt.Sprintf("model %q already exists", req.ModelID))
		return
	}

	localPath := filepath.Join(s.modelsDir(), req.ModelID+".gguf")
	engineParams := download.EngineParams{
		ModelID:         req.ModelID,
		LoadImmediately: loadImmediately,
		MainGPUID:       req.MainGPUID,
		InferenceEngine: req.BackendName,
		LoadParams: download.LoadParams{
			ContextLength: params.ContextLength,
			BatchSize:     params.BatchSize,
			Parallelism:   params.Parallelism,
			GPULayers:     params.GPULayers,
			UseMemoryLock: params.UseMemoryLock,
			TensorSplit:   params.TensorSplit,
			ExtraFlags:    params.ExtraFlags,
		},
	}

	if err := s.downloads.StartDownloadWithEngine(r.Context(), req.ModelID, req.ModelPath, localPath, engineParams); err != nil {
		writeConflict(w, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"model_id":    req.ModelID,
		"status":      "downloading",
		"download_url": req.ModelPath,
		"local_path":  localPath,
	})
}

func (s *Server) writeAddError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already exists"):
		writeConflict(w, msg)
	case strings.Contains(msg, "is not valid"):
		writeValidationError(w, msg)
	default:
		writeBackendFailure(w, msg)
	}
}

// handleModelByID dispatches "GET|DELETE /models/{id}" and "GET
// /models/{id}/status".
func (s *Server) handleModelByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeValidationError(w, "model id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleModelStatus(w, id)
	case http.MethodDelete:
		s.handleDeleteModel(w, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed_error", "method_not_allowed", "unsupported method")
	}
}

func (s *Server) handleModelStatus(w http.ResponseWriter, id string) {
	snap, ok := s.coordinator.Describe(id)
	if !ok {
		writeNotFound(w, fmt.Sprintf("model %q not found", id))
		return
	}
	_, caps := modelTypeAndCapabilities(snap.IsEmbedding)
	writeJSON(w, http.StatusOK, map[string]any{
		"model_id":        snap.ID,
		"status":          string(snap.State),
		"available":       true,
		"engine_loaded":   snap.Loaded,
		"inference_ready": snap.Loaded,
		"capabilities":    caps,
	})
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, id string) {
	if err := s.coordinator.Remove(id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeNotFound(w, err.Error())
			return
		}
		writeBackendFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model_id": id,
		"status":   "removed",
	})
}
