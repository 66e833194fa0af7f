package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/letuhao/imagevault/pkg/model"
)

// jobView is the wire shape for GET /jobs/{jobId} — a flattened read model
// rather than model.JobRecord verbatim, so internal fields (the
// processed/failed item-id sets) don't leak wholesale over HTTP.
type jobView struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	State           string  `json:"state"`
	Priority        int     `json:"priority"`
	TotalItems      int     `json:"totalItems"`
	CompletedItems  int     `json:"completedItems"`
	FailedItems     int     `json:"failedItems"`
	SkippedItems    int     `json:"skippedItems"`
	ProgressPercent float64 `json:"progressPercent"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	CanResume       bool    `json:"canResume"`
}

func toJobView(j *model.JobRecord) jobView {
	return jobView{
		ID:              j.ID.String(),
		Type:            string(j.Type),
		State:           string(j.State),
		Priority:        j.Priority,
		TotalItems:      j.TotalItems,
		CompletedItems:  j.CompletedItems,
		FailedItems:     j.FailedItems,
		SkippedItems:    j.SkippedItems,
		ProgressPercent: j.ProgressPercent(),
		ErrorMessage:    j.ErrorMessage,
		CanResume:       j.CanResume,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(r.PathValue("jobId"))
	if err != nil {
		writeError(w, model.New(model.KindValidation, "httpapi: malformed jobId"))
		return
	}
	job, err := s.repo.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toJobView(job))
}
