package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mxrcochxvez/moltbot-railway/internal/archive"
)

// handleExport streams the state directory as a tar.gz download. The archive
// is built on the fly; once the first byte is written the status is fixed, so
// a mid-stream failure can only be logged and the connection dropped.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := archive.ExportFilename(time.Now())
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	if err := archive.WriteState(w, s.cfg.Dir.Root); err != nil {
		s.logger.Error("state export failed", "error", err)
	}
}
