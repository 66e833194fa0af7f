package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/letuhao/imagevault/pkg/model"
)

type healthBody struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// handleHealthz reports 200 only when the metadata store and at least one
// active cache root are reachable (spec §6 GET /healthz). The worker pool
// itself has no separate liveness signal beyond the Scheduler's own
// goroutine having been started by cmd/imagevaultd, so this checks the two
// dependencies that can actually fail independently of the process being
// alive at all.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, err := s.repo.CountActiveCollections(ctx); err != nil {
		writeHealth(w, http.StatusServiceUnavailable, "metadata store unreachable: "+err.Error())
		return
	}

	if _, err := s.placement.Select(ctx); err != nil {
		if model.Is(err, model.KindNoActiveCacheRoot) {
			writeHealth(w, http.StatusServiceUnavailable, "no active cache root")
			return
		}
		writeHealth(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeHealth(w, http.StatusOK, "")
}

func writeHealth(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := healthBody{Detail: detail}
	if status == http.StatusOK {
		body.Status = "ok"
	} else {
		body.Status = "unavailable"
	}
	_ = json.NewEncoder(w).Encode(body)
}
