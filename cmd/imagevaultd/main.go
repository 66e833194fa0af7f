// Command imagevaultd is the long-running image cache and derivation
// daemon: it wires the metadata store, placement engine, artifact stores,
// three-tier read cache, job scheduler/processor, admin service and HTTP
// surface together and serves spec §6's External Interfaces until asked to
// stop.
//
// The cobra/pflag/fatih-color CLI shape follows perkeep's cmd/camtool and
// cmd/pk-put: a single root command with bound flags rather than a
// subcommand tree, since this binary has exactly one mode of operation
// (run the server).
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/letuhao/imagevault/pkg/admin"
	"github.com/letuhao/imagevault/pkg/artifactstore"
	"github.com/letuhao/imagevault/pkg/config"
	"github.com/letuhao/imagevault/pkg/httpapi"
	"github.com/letuhao/imagevault/pkg/jobs"
	"github.com/letuhao/imagevault/pkg/kv"
	"github.com/letuhao/imagevault/pkg/logging"
	"github.com/letuhao/imagevault/pkg/longpath"
	"github.com/letuhao/imagevault/pkg/metastore"
	"github.com/letuhao/imagevault/pkg/model"
	"github.com/letuhao/imagevault/pkg/placement"
	"github.com/letuhao/imagevault/pkg/processor"
	"github.com/letuhao/imagevault/pkg/readcache"
)

// Exit codes, documented in spec §6.
const (
	exitOK                = 0
	exitConfigError       = 1
	exitStoreUnreachable  = 2
	exitNoCacheRoot       = 3
)

// flags collects the CLI-settable overrides; zero values mean "not set,
// defer to config.Load's file/env layers" (config.Flags.ApplyFlags already
// implements that convention).
var flags struct {
	configPath string
	listenAddr string
	kvBackend  string
	kvPath     string
	cacheRoot  string
	logFormat  string
	logLevel   string
}

func main() {
	root := &cobra.Command{
		Use:   "imagevaultd",
		Short: "imagevault cache and derivation daemon",
		RunE:  runServe,
	}
	f := root.Flags()
	f.StringVar(&flags.configPath, "config", "", "path to a JSON configuration file")
	f.StringVar(&flags.listenAddr, "listen", "", "HTTP listen address, overrides config")
	f.StringVar(&flags.kvBackend, "kv-backend", "", "kv backend (memory|leveldb), overrides config")
	f.StringVar(&flags.kvPath, "kv-path", "", "kv backend path, overrides config")
	f.StringVar(&flags.cacheRoot, "cache-root", "./data/cacheroot", "directory for the default cache root, provisioned on first run if no cache root exists yet")
	f.StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	f.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("imagevaultd: %v", err))
		os.Exit(exitConfigError)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(flags.logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logging.Configure(logging.Options{Level: level, Format: logging.Format(flags.logFormat)})

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		logrus.WithError(err).Error("imagevaultd: configuration error")
		os.Exit(exitConfigError)
	}
	cfg.ApplyFlags(config.Flags{
		ListenAddr: flags.listenAddr,
		KVBackend:  flags.kvBackend,
		KVPath:     flags.kvPath,
	})
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Error("imagevaultd: invalid configuration")
		os.Exit(exitConfigError)
	}

	store, err := kv.Open(cfg.KVBackend, cfg.KVPath)
	if err != nil {
		logrus.WithError(err).Error("imagevaultd: kv store unreachable")
		os.Exit(exitStoreUnreachable)
	}
	defer store.Close()

	repo := metastore.New(store)

	bg := context.Background()
	if _, err := repo.CountActiveCollections(bg); err != nil {
		logrus.WithError(err).Error("imagevaultd: metadata store unreachable")
		os.Exit(exitStoreUnreachable)
	}

	eng := placement.New(repo)
	if err := eng.Refresh(bg); err != nil {
		logrus.WithError(err).Error("imagevaultd: failed to load cache roots")
		os.Exit(exitStoreUnreachable)
	}
	if err := ensureDefaultCacheRoot(bg, repo, eng, flags.cacheRoot); err != nil {
		logrus.WithError(err).Error("imagevaultd: failed to provision a usable cache root")
		os.Exit(exitNoCacheRoot)
	}
	if _, err := eng.Select(bg); err != nil {
		logrus.WithError(err).Error("imagevaultd: no usable cache root")
		os.Exit(exitNoCacheRoot)
	}

	lp := longpath.New(cfg.PathSafeLimit)
	stores, err := buildStoreResolver(bg, repo, eng, lp)
	if err != nil {
		logrus.WithError(err).Error("imagevaultd: failed to build artifact stores")
		os.Exit(exitStoreUnreachable)
	}

	// processor and cache are mutually referential at construction time
	// (the cache's Loader calls back into the processor on an L3 miss, the
	// processor invalidates the cache after writing a forced variant), so
	// the processor is built cache-less first and wired back in once the
	// cache exists.
	proc := processor.New(repo, eng, stores, nil).WithBatchSize(processor.DefaultBatchSize)

	var l2 readcache.L2
	if cfg.CacheL2Enabled {
		switch cfg.CacheL2Backend {
		case "groupcache":
			var poolHandler http.Handler
			l2, poolHandler = readcache.NewGroupcacheL2(cfg.CacheL1MaxBytes, cfg.GroupcacheSelfAddr, cfg.GroupcachePeers, httpapi.NewLoader(proc))
			if poolHandler != nil {
				listenAddr, err := groupcacheListenAddr(cfg.GroupcacheSelfAddr)
				if err != nil {
					logrus.WithError(err).Error("imagevaultd: invalid cache.l2.groupcache.selfAddr")
					os.Exit(exitConfigError)
				}
				go func() {
					if err := http.ListenAndServe(listenAddr, poolHandler); err != nil {
						logrus.WithError(err).Warn("imagevaultd: groupcache peer listener stopped")
					}
				}()
			}
		default:
			l2 = readcache.NewKVL2(store)
		}
	}
	cache := readcache.New(cfg.CacheL1MaxBytes, l2, httpapi.NewLoader(proc))
	proc.WithCache(cache)

	jcfg := jobs.DefaultConfig()
	jcfg.Watchdog = cfg.JobWatchdog
	jcfg.JobTimeout = cfg.JobTimeout
	jcfg.MaxRetries = cfg.JobMaxRetries
	jcfg.RetryBaseDelay = cfg.JobRetryBaseDelay
	if cfg.WorkerConcurrencyPerType != nil {
		jcfg.ConcurrencyPerType = cfg.WorkerConcurrencyPerType
	}
	sched := jobs.New(repo, jcfg)

	redist := placement.NewRedistributor(repo, repo, repo)
	adminSvc := admin.New(repo, sched, eng, redist, cache)

	sched.RegisterHandler(model.JobScanCollection, proc.ScanCollectionHandler(true, true))
	sched.RegisterHandler(model.JobGenerateThumbnails, proc.ScanCollectionHandler(true, false))
	sched.RegisterHandler(model.JobGenerateCache, proc.ScanCollectionHandler(false, true))
	sched.RegisterHandler(model.JobRegenerateThumbnails, proc.RegenerateThumbnailsHandler())
	sched.RegisterHandler(model.JobBulkAdd, adminSvc.BulkAddHandler())
	sched.RegisterHandler(model.JobRedistribute, adminSvc.RedistributeHandler())

	srv := httpapi.New(httpapi.Deps{
		Repo:              repo,
		Placement:         eng,
		Scheduler:         sched,
		Processor:         proc,
		Cache:             cache,
		Admin:             adminSvc,
		ResizeConcurrency: cfg.ResizeConcurrentLimit,
		ResizeWaitTimeout: cfg.ResizeWaitTimeout,
	})
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

	runCtx, cancel := context.WithCancel(context.Background())
	go sched.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		color.Cyan("imagevaultd: listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("imagevaultd: shutting down")
	case err := <-errCh:
		logrus.WithError(err).Error("imagevaultd: http server failed")
		cancel()
		os.Exit(exitConfigError)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("imagevaultd: graceful shutdown timed out")
	}
	cancel()
	return nil
}

// ensureDefaultCacheRoot provisions a single active cache root under path
// if the repository has none yet, so a fresh deployment has somewhere to
// write artifacts without a separate admin step (spec §3 CacheRoot: at
// least one active root is required for any write).
func ensureDefaultCacheRoot(ctx context.Context, repo model.Repository, eng *placement.Engine, path string) error {
	roots, err := repo.ListActiveCacheRoots(ctx)
	if err != nil {
		return err
	}
	if len(roots) > 0 {
		return nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}

	root := &model.CacheRoot{
		ID:       model.NewID(),
		Name:     "default",
		Path:     abs,
		Priority: 0,
		IsActive: true,
	}
	if err := repo.CreateCacheRoot(ctx, root); err != nil {
		return err
	}
	return eng.Refresh(ctx)
}

// groupcacheListenAddr extracts the host:port a groupcache HTTPPool's peer
// transport should bind to from a selfAddr of the form
// "http://host:port" (the same string used to address this node from its
// peers' cache.l2.groupcache.peers lists).
func groupcacheListenAddr(selfAddr string) (string, error) {
	u, err := url.Parse(selfAddr)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("imagevaultd: cache.l2.groupcache.selfAddr must be a URL like http://host:port, got %q", selfAddr)
	}
	return u.Host, nil
}

// buildStoreResolver constructs one artifactstore.Store per known cache
// root (active or not, so reads of artifacts under a root since
// deactivated still resolve) and returns a processor.StoreResolver closure
// over the resulting map.
func buildStoreResolver(ctx context.Context, repo model.Repository, eng *placement.Engine, lp *longpath.Adapter) (processor.StoreResolver, error) {
	roots, err := repo.ListAllCacheRoots(ctx)
	if err != nil {
		return nil, err
	}
	stores := make(map[model.ID]*artifactstore.Store, len(roots))
	for _, r := range roots {
		stores[r.ID] = artifactstore.New(r.ID, r.Path, lp, eng)
	}
	return func(rootID model.ID) (*artifactstore.Store, bool) {
		s, ok := stores[rootID]
		return s, ok
	}, nil
}
