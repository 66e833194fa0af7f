package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/letuhao/imagevault/pkg/model"
)

// errorBody is the JSON envelope every non-2xx response carries.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps a model.Error's Kind to an HTTP status and writes the
// JSON error envelope, mirroring perkeep's ServeHTTP error path (spec §7
// "Kind switches on HTTP status") but as a typed table instead of a bare
// http.Error(rw, err.Error(), 500) string.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := model.KindOf(err)
	if !ok {
		kind = model.KindInfrastructureUnavailable
	}
	status := statusForKind(kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Kind: string(kind), Message: err.Error()})
}

func statusForKind(k model.Kind) int {
	switch k {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindValidation, model.KindPathTooLong, model.KindUnsupportedFormat, model.KindArchiveCorrupt:
		return http.StatusBadRequest
	case model.KindConflict:
		return http.StatusConflict
	case model.KindCacheCapacityExceeded, model.KindNoActiveCacheRoot:
		return http.StatusInsufficientStorage
	case model.KindTooBusy:
		return http.StatusServiceUnavailable
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	case model.KindInfrastructureUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
