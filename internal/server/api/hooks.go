package api

import (
	"net/http"

	"github.com/ayusman/moodlens/internal/hook"
)

// HookHandler lists discovered hooks and rescans the hook directory.
type HookHandler struct {
	manager *hook.Manager
}

// NewHookHandler creates a new HookHandler.
func NewHookHandler(m *hook.Manager) *HookHandler {
	return &HookHandler{manager: m}
}

type hookResponse struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Moods       []string `json:"moods"`
	Path        string   `json:"path"`
}

type listHooksResponse struct {
	Dir   string         `json:"dir"`
	Hooks []hookResponse `json:"hooks"`
}

// ServeHTTP handles GET /api/hooks and POST /api/hooks (rescan).
func (h *HookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := h.manager.Discover(); err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to discover hooks")
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hooks := h.manager.List()
	resp := listHooksResponse{
		Dir:   h.manager.HookDir(),
		Hooks: make([]hookResponse, 0, len(hooks)),
	}
	for _, hk := range hooks {
		moods := hk.Manifest.Moods
		if moods == nil {
			moods = []string{}
		}
		resp.Hooks = append(resp.Hooks, hookResponse{
			Name:        hk.Manifest.Name,
			Version:     hk.Manifest.Version,
			Description: hk.Manifest.Description,
			Moods:       moods,
			Path:        hk.Path,
		})
	}

	WriteJSON(w, http.StatusOK, resp)
}
