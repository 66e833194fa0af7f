// Package httpapi implements the HTTP Read Path (spec §4.9) and the
// read-only/admin-trigger endpoints of the External Interfaces (spec §6):
// GET /images/{imageId}, GET /jobs/{jobId}, GET /healthz, GET /metrics,
// and the admin POST endpoints delegated to pkg/admin.
//
// Routing follows perkeep's pkg/webserver.Server shape (a thin wrapper
// around *http.ServeMux with HandleFunc/Handle) rather than pulling in a
// third-party router; Go 1.22+'s method- and wildcard-aware ServeMux
// patterns ("GET /images/{imageId}") make that wrapper unnecessary here,
// so this package registers directly against http.ServeMux.
package httpapi

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go4.org/syncutil"

	"github.com/letuhao/imagevault/pkg/admin"
	"github.com/letuhao/imagevault/pkg/jobs"
	"github.com/letuhao/imagevault/pkg/metrics"
	"github.com/letuhao/imagevault/pkg/model"
	"github.com/letuhao/imagevault/pkg/placement"
	"github.com/letuhao/imagevault/pkg/processor"
	"github.com/letuhao/imagevault/pkg/readcache"
)

// Server wires the HTTP surface to the core components. Handlers never
// construct their own dependencies; everything comes from this struct,
// built once at startup (spec §9 "explicit context objects").
type Server struct {
	repo      model.Repository
	placement *placement.Engine
	scheduler *jobs.Scheduler
	processor *processor.Processor
	cache     *readcache.ReadCache
	admin     *admin.Service

	resizeSem         *syncutil.Sem
	resizeWaitTimeout time.Duration
}

// Deps collects Server's constructor dependencies.
type Deps struct {
	Repo              model.Repository
	Placement         *placement.Engine
	Scheduler         *jobs.Scheduler
	Processor         *processor.Processor
	Cache             *readcache.ReadCache
	Admin             *admin.Service
	ResizeConcurrency int64
	ResizeWaitTimeout time.Duration
}

// New builds a Server. Cache and Processor together implement the
// three-tier lookup + synchronous on-miss production spec §4.6 describes;
// Server only adds the HTTP framing, backpressure semaphore, and header
// policy around that call.
func New(d Deps) *Server {
	n := d.ResizeConcurrency
	if n <= 0 {
		n = 4
	}
	wait := d.ResizeWaitTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Server{
		repo:              d.Repo,
		placement:         d.Placement,
		scheduler:         d.Scheduler,
		processor:         d.Processor,
		cache:             d.Cache,
		admin:             d.Admin,
		resizeSem:         syncutil.NewSem(n),
		resizeWaitTimeout: wait,
	}
}

// Handler builds the routed http.Handler for the whole surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /images/{imageId}", s.handleGetImage)
	mux.HandleFunc("GET /jobs/{jobId}", s.handleGetJob)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /collections/random", s.handleRandomCollection)
	mux.HandleFunc("POST /collections/bulk", s.handleBulkAdd)
	mux.HandleFunc("POST /collections/{id}/scan", s.handleScanCollection)
	mux.HandleFunc("POST /collections/{id}/thumbnails/regenerate", s.handleRegenerateThumbnails)
	mux.HandleFunc("POST /cache/redistribute", s.handleRedistribute)

	return withRequestLog(mux)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("httpapi: request served")
	})
}

// acquireResize blocks until the resize semaphore grants a slot or
// resizeWaitTimeout elapses, whichever comes first, reporting TooBusy on
// timeout (spec §4.9 Backpressure). If the timeout wins the race, the
// background acquisition is still allowed to complete and is immediately
// released, so the semaphore's internal accounting never drifts.
func (s *Server) acquireResize(ctx context.Context) error {
	metrics.ResizeSemQueueDepth.Inc()
	defer metrics.ResizeSemQueueDepth.Dec()

	done := make(chan error, 1)
	go func() { done <- s.resizeSem.Acquire(1) }()

	select {
	case err := <-done:
		return err
	case <-time.After(s.resizeWaitTimeout):
		go func() {
			if err := <-done; err == nil {
				s.resizeSem.Release(1)
			}
		}()
		return model.New(model.KindTooBusy, "httpapi: resize semaphore exhausted")
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				s.resizeSem.Release(1)
			}
		}()
		return ctx.Err()
	}
}

func (s *Server) releaseResize() {
	s.resizeSem.Release(1)
}
