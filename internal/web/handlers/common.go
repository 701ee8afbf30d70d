package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/blob"
	"github.com/pvavrin/facelens/internal/match"
	"github.com/pvavrin/facelens/internal/scheduler"
	"github.com/pvavrin/facelens/internal/search"
	"github.com/pvavrin/facelens/internal/store"
)

// Deps carries the collaborators every handler group picks from.
type Deps struct {
	Backend       backend.Backend
	Blobs         blob.Store
	Scheduler     *scheduler.Scheduler
	Runner        *search.Runner
	Waiter        *search.Waiter
	Stores        *store.Manager
	MatchDefaults match.Options
	Log           *slog.Logger
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// contentTypeForImage maps an image filename extension to a MIME type.
func contentTypeForImage(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// isImageEntry reports whether a zip entry name is a photo worth ingesting.
// Resource-fork directories and dotfiles from macOS archives are skipped.
func isImageEntry(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return false
	}
	base := path.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(path.Ext(base)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
