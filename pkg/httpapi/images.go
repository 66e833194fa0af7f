package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/letuhao/imagevault/pkg/artifactstore"
	"github.com/letuhao/imagevault/pkg/logging"
	"github.com/letuhao/imagevault/pkg/model"
)

func contentTypeForFormat(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// handleGetImage is the HTTP Read Path (spec §4.9): resolve the image and
// its collection, normalize the request into a fixed (width, height,
// quality, format, kind) tuple, compute the fingerprint, and serve it
// through the three-tier cache — producing it synchronously through the
// Processor on a full miss.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	imgID, err := model.ParseID(r.PathValue("imageId"))
	if err != nil {
		writeError(w, model.New(model.KindValidation, "httpapi: malformed imageId"))
		return
	}

	img, err := s.repo.GetImage(ctx, imgID)
	if err != nil {
		writeError(w, err)
		return
	}
	coll, err := s.repo.GetCollection(ctx, img.CollectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if coll.IsDeleted() {
		writeError(w, model.New(model.KindNotFound, "httpapi: collection deleted"))
		return
	}

	width, height, quality, format, kind := normalizeRequest(r, coll)

	fp := artifactstore.Fingerprint(artifactstore.VariantParams{
		ImageID: img.ID, Kind: kind, Width: width, Height: height, Quality: quality, Format: format,
	})

	if err := s.acquireResize(ctx); err != nil {
		writeError(w, err)
		return
	}
	defer s.releaseResize()

	reqCtx := WithProduceParams(ctx, img, coll, kind, width, height, quality, format)
	data, err := s.cache.Get(reqCtx, fp)
	if err != nil {
		logging.WithRequest(fp, coll.ID.String()).WithError(err).Warn("httpapi: image read failed")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeForFormat(format))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if coll.Settings.CacheExpiration > 0 {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(coll.Settings.CacheExpiration/time.Second)))
	} else {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// normalizeRequest applies spec §4.9's normalization rules: missing
// width/height fall back to the collection's configured cache box (or its
// thumbnail box when the request asks for exactly that box), quality
// clamps to [1,100] and defaults to the collection's configured quality,
// format defaults to the collection's configured cache format. A request
// whose width/height match the thumbnail box exactly reuses the thumbnail
// artifact's fingerprint rather than minting a duplicate cache-kind copy
// of the same pixels.
func normalizeRequest(r *http.Request, coll *model.Collection) (width, height, quality int, format string, kind model.VariantKind) {
	width = atoiOr(r.URL.Query().Get("width"), coll.Settings.CacheWidth)
	height = atoiOr(r.URL.Query().Get("height"), coll.Settings.CacheHeight)
	quality = coll.Settings.Quality
	if q := r.URL.Query().Get("quality"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			quality = n
		}
	}
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	format = r.URL.Query().Get("format")
	if format == "" {
		format = coll.Settings.CacheFormat
	}

	kind = model.VariantCache
	if width == coll.Settings.ThumbnailWidth && height == coll.Settings.ThumbnailHeight {
		kind = model.VariantThumbnail
	}
	return width, height, quality, format, kind
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
