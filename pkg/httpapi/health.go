package httpapi

import (
	"net/http"

	"github.com/kolosal/kolosal-server/pkg/sysmem"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshots := s.coordinator.List()
	loaded := 0
	for _, snap := range snapshots {
		if snap.Loaded {
			loaded++
		}
	}

	body := map[string]any{
		"status":           "ok",
		"engines_total":    len(snapshots),
		"engines_loaded":   loaded,
		"downloads_active": s.activeDownloadCount(),
	}
	if mem, err := sysmem.Query(); err == nil {
		body["memory_total_bytes"] = mem.TotalBytes
		body["memory_available_bytes"] = mem.AvailableBytes
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) activeDownloadCount() int {
	n := 0
	for _, p := range s.downloads.GetAllActiveDownloads() {
		if p.Status.Active() {
			n++
		}
	}
	return n
}
