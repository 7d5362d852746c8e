package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kolosal/kolosal-server/pkg/download"
)

// downloadView adds derived timing fields (elapsed_seconds,
// estimated_remaining_seconds) on top of the stored ProgressFields.
type downloadView struct {
	download.ProgressFields
	ElapsedSeconds            float64  `json:"elapsed_seconds"`
	EstimatedRemainingSeconds *float64 `json:"estimated_remaining_seconds,omitempty"`
}

func buildDownloadView(p download.ProgressFields) downloadView {
	v := downloadView{ProgressFields: p}
	end := p.Timing.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	v.ElapsedSeconds = end.Sub(p.Timing.StartTime).Seconds()

	if p.Timing.EndTime.IsZero() && p.DownloadSpeedBps > 0 && p.TotalBytes > p.DownloadedBytes {
		remaining := float64(p.TotalBytes-p.DownloadedBytes) / p.DownloadSpeedBps
		v.EstimatedRemainingSeconds = &remaining
	}
	return v
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDownloads(w, r)
	case http.MethodDelete:
		s.handleCancelAllDownloads(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed_error", "method_not_allowed", "unsupported method")
	}
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	all := s.downloads.GetAllActiveDownloads()
	views := make([]downloadView, 0, len(all))
	active := 0
	for _, p := range all {
		if p.Status.Active() {
			active++
		}
		views = append(views, buildDownloadView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"downloads": views,
		"summary": map[string]any{
			"total":  len(views),
			"active": active,
		},
	})
}

func (s *Server) handleCancelAllDownloads(w http.ResponseWriter, r *http.Request) {
	n := s.downloads.CancelAllDownloads()
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func (s *Server) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeValidationError(w, "download id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleDownloadProgress(w, id)
	case http.MethodDelete:
		s.handleCancelDownload(w, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed_error", "method_not_allowed", "unsupported method")
	}
}

func (s *Server) handleDownloadProgress(w http.ResponseWriter, id string) {
	p, ok := s.downloads.GetDownloadProgress(id)
	if !ok {
		writeNotFound(w, fmt.Sprintf("download %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, buildDownloadView(p))
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, id string) {
	p, ok := s.downloads.GetDownloadProgress(id)
	if !ok {
		writeNotFound(w, fmt.Sprintf("download %q not found", id))
		return
	}
	if !p.Status.Active() {
		writeError(w, http.StatusBadRequest, "validation_error", "already_terminal", fmt.Sprintf("download %q is already %s", id, p.Status))
		return
	}
	s.downloads.CancelDownload(id)
	writeJSON(w, http.StatusOK, map[string]any{"model_id": id, "status": "cancelled"})
}

func (s *Server) handleDownloadCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.handleCancelDownload(w, id)
}

func (s *Server) handlePauseDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.downloads.PauseDownload(id) {
		writeNotFound(w, fmt.Sprintf("no active download %q to pause", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_id": id, "status": "paused"})
}

func (s *Server) handleResumeDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.downloads.ResumeDownload(id) {
		writeNotFound(w, fmt.Sprintf("no paused download %q to resume", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_id": id, "status": "downloading"})
}
