package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/letuhao/imagevault/pkg/model"
)

type bulkAddRequest struct {
	ParentPath        string `json:"parentPath"`
	NamePrefix        string `json:"namePrefix"`
	IncludeSubfolders bool   `json:"includeSubfolders"`
	AutoAdd           bool   `json:"autoAdd"`
}

func (s *Server) handleBulkAdd(w http.ResponseWriter, r *http.Request) {
	var req bulkAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.New(model.KindValidation, "httpapi: malformed request body"))
		return
	}
	if req.ParentPath == "" {
		writeError(w, model.New(model.KindValidation, "httpapi: parentPath is required"))
		return
	}
	job, err := s.admin.BulkAdd(r.Context(), req.ParentPath, req.NamePrefix, req.IncludeSubfolders, req.AutoAdd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAcceptedJob(w, job)
}

func (s *Server) handleScanCollection(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, model.New(model.KindValidation, "httpapi: malformed collection id"))
		return
	}
	job, err := s.admin.ScanCollection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAcceptedJob(w, job)
}

func (s *Server) handleRegenerateThumbnails(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, model.New(model.KindValidation, "httpapi: malformed collection id"))
		return
	}
	job, err := s.admin.RegenerateThumbnails(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAcceptedJob(w, job)
}

func (s *Server) handleRedistribute(w http.ResponseWriter, r *http.Request) {
	job, err := s.admin.RedistributeCache(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeAcceptedJob(w, job)
}

func (s *Server) handleRandomCollection(w http.ResponseWriter, r *http.Request) {
	coll, err := s.admin.RandomCollection(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Path string `json:"path"`
		Type string `json:"type"`
	}{ID: coll.ID.String(), Name: coll.Name, Path: coll.Path, Type: string(coll.Type)})
}

func writeAcceptedJob(w http.ResponseWriter, job *model.JobRecord) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(toJobView(job))
}
