// Package config implements the Configuration Loader (spec §4.11): an
// immutable snapshot of every `worker.*`, `cache.l1.*`, `cache.l2.*`,
// `path.*`, `resize.*`, `job.*` and `kv.*` key from spec §6, built once at
// startup from (lowest to highest priority) defaults, a JSON file, then
// IMAGEVAULT_* environment variables, then CLI flags, and passed down the
// call graph by reference rather than read from a global (spec §9).
//
// The strict-unknown-key validation is modeled on perkeep's
// pkg/jsonconfig.Obj, which tracks which keys were actually consulted and
// reports leftovers as errors; a typed Config struct gets the same
// guarantee for free from encoding/json's DisallowUnknownFields, so no
// hand-rolled key-tracking map is needed here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/letuhao/imagevault/pkg/model"
)

// Config is the fully-resolved, immutable snapshot every component is
// handed explicitly (spec §9: "explicit context objects, not package
// globals").
type Config struct {
	ListenAddr string

	WorkerCount              int
	WorkerConcurrencyPerType map[model.JobType]int
	JobWatchdog              time.Duration
	JobTimeout               time.Duration
	JobMaxRetries            int
	JobRetryBaseDelay        time.Duration

	CacheL1MaxBytes int64
	CacheL1TTL      time.Duration
	CacheL2Enabled  bool
	CacheL2TTL      time.Duration
	// CacheL2Backend selects the L2 tier implementation: "kv" (the default,
	// a pkg/kv.Store-backed tier local to this process/host) or
	// "groupcache" (a fleet-shared tier peered over HTTP).
	CacheL2Backend     string
	GroupcacheSelfAddr string
	GroupcachePeers    []string

	KVBackend string // "memory" | "leveldb"
	KVPath    string

	PathSafeLimit int

	ResizeConcurrentLimit int64
	ResizeWaitTimeout      time.Duration
}

// fileShape is the JSON-file representation; field names match the
// dotted keys in spec §6's configuration table with dots folded to
// nested objects. DisallowUnknownFields makes an unrecognized key a load
// error instead of a silently-ignored typo (spec §4.11: "Unknown config
// keys are reported as Validation errors, not silently ignored").
type fileShape struct {
	ListenAddr string `json:"listenAddr"`
	Worker     struct {
		Count              int            `json:"count"`
		ConcurrencyPerType map[string]int `json:"concurrencyPerType"`
	} `json:"worker"`
	Cache struct {
		L1 struct {
			MaxBytes int64  `json:"maxBytes"`
			TTL      string `json:"ttl"`
		} `json:"l1"`
		L2 struct {
			Enabled    bool   `json:"enabled"`
			TTL        string `json:"ttl"`
			Backend    string `json:"backend"`
			Groupcache struct {
				SelfAddr string   `json:"selfAddr"`
				Peers    []string `json:"peers"`
			} `json:"groupcache"`
		} `json:"l2"`
	} `json:"cache"`
	KV struct {
		Backend string `json:"backend"`
		Path    string `json:"path"`
	} `json:"kv"`
	Path struct {
		SafeLimit int `json:"safeLimit"`
	} `json:"path"`
	Resize struct {
		ConcurrentLimit int64  `json:"concurrentLimit"`
		WaitTimeout     string `json:"waitTimeout"`
	} `json:"resize"`
	Job struct {
		Watchdog       string `json:"watchdog"`
		Timeout        string `json:"timeout"`
		MaxRetries     int    `json:"maxRetries"`
		RetryBaseDelay string `json:"retryBaseDelay"`
	} `json:"job"`
}

// Defaults returns the built-in baseline, matching pkg/jobs.DefaultConfig
// and pkg/readcache.DefaultL1MaxBytes so the two packages never drift.
func Defaults() *Config {
	return &Config{
		ListenAddr: ":8080",
		WorkerCount: 4,
		WorkerConcurrencyPerType: map[model.JobType]int{
			model.JobScanCollection:       1,
			model.JobGenerateThumbnails:   4,
			model.JobGenerateCache:        4,
			model.JobRegenerateThumbnails: 4,
			model.JobBulkAdd:              1,
			model.JobRedistribute:         1,
		},
		JobWatchdog:            5 * time.Minute,
		JobTimeout:             2 * time.Hour,
		JobMaxRetries:          3,
		JobRetryBaseDelay:      10 * time.Second,
		CacheL1MaxBytes:        256 << 20,
		CacheL1TTL:             0,
		CacheL2Enabled:         false,
		CacheL2TTL:             0,
		CacheL2Backend:         "kv",
		KVBackend:              "memory",
		PathSafeLimit:          250,
		ResizeConcurrentLimit:  4,
		ResizeWaitTimeout:      5 * time.Second,
	}
}

// Load builds a Config: Defaults(), overlaid by configPath's JSON (if
// non-empty), overlaid by IMAGEVAULT_* environment variables. CLI flags
// are the caller's job to apply afterward via ApplyFlags, since cobra/
// pflag parsing happens in cmd/imagevaultd where the flag set is defined.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()
	if configPath != "" {
		if err := loadFile(cfg, configPath); err != nil {
			return nil, err
		}
	}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return model.Wrap(model.KindValidation, err, "config: open "+path)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var shape fileShape
	if err := dec.Decode(&shape); err != nil {
		return model.Wrap(model.KindValidation, err, "config: parse "+path)
	}

	if shape.ListenAddr != "" {
		cfg.ListenAddr = shape.ListenAddr
	}
	if shape.Worker.Count > 0 {
		cfg.WorkerCount = shape.Worker.Count
	}
	for k, v := range shape.Worker.ConcurrencyPerType {
		cfg.WorkerConcurrencyPerType[model.JobType(k)] = v
	}
	if shape.Cache.L1.MaxBytes > 0 {
		cfg.CacheL1MaxBytes = shape.Cache.L1.MaxBytes
	}
	if shape.Cache.L1.TTL != "" {
		d, err := time.ParseDuration(shape.Cache.L1.TTL)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: cache.l1.ttl")
		}
		cfg.CacheL1TTL = d
	}
	cfg.CacheL2Enabled = shape.Cache.L2.Enabled || cfg.CacheL2Enabled
	if shape.Cache.L2.TTL != "" {
		d, err := time.ParseDuration(shape.Cache.L2.TTL)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: cache.l2.ttl")
		}
		cfg.CacheL2TTL = d
	}
	if shape.Cache.L2.Backend != "" {
		cfg.CacheL2Backend = shape.Cache.L2.Backend
	}
	if shape.Cache.L2.Groupcache.SelfAddr != "" {
		cfg.GroupcacheSelfAddr = shape.Cache.L2.Groupcache.SelfAddr
	}
	if len(shape.Cache.L2.Groupcache.Peers) > 0 {
		cfg.GroupcachePeers = shape.Cache.L2.Groupcache.Peers
	}
	if shape.KV.Backend != "" {
		cfg.KVBackend = shape.KV.Backend
	}
	if shape.KV.Path != "" {
		cfg.KVPath = shape.KV.Path
	}
	if shape.Path.SafeLimit > 0 {
		cfg.PathSafeLimit = shape.Path.SafeLimit
	}
	if shape.Resize.ConcurrentLimit > 0 {
		cfg.ResizeConcurrentLimit = shape.Resize.ConcurrentLimit
	}
	if shape.Resize.WaitTimeout != "" {
		d, err := time.ParseDuration(shape.Resize.WaitTimeout)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: resize.waitTimeout")
		}
		cfg.ResizeWaitTimeout = d
	}
	if shape.Job.Watchdog != "" {
		d, err := time.ParseDuration(shape.Job.Watchdog)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: job.watchdog")
		}
		cfg.JobWatchdog = d
	}
	if shape.Job.Timeout != "" {
		d, err := time.ParseDuration(shape.Job.Timeout)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: job.timeout")
		}
		cfg.JobTimeout = d
	}
	if shape.Job.MaxRetries > 0 {
		cfg.JobMaxRetries = shape.Job.MaxRetries
	}
	if shape.Job.RetryBaseDelay != "" {
		d, err := time.ParseDuration(shape.Job.RetryBaseDelay)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: job.retryBaseDelay")
		}
		cfg.JobRetryBaseDelay = d
	}
	return nil
}

// loadEnv applies IMAGEVAULT_* environment variables to the Config fields
// they name, following the file schema's dotted-key shape with underscores.
func loadEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("IMAGEVAULT_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_WORKER_COUNT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: IMAGEVAULT_WORKER_COUNT")
		}
		cfg.WorkerCount = n
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_CACHE_L1_MAX_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: IMAGEVAULT_CACHE_L1_MAX_BYTES")
		}
		cfg.CacheL1MaxBytes = n
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_CACHE_L2_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: IMAGEVAULT_CACHE_L2_ENABLED")
		}
		cfg.CacheL2Enabled = b
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_CACHE_L2_BACKEND"); ok {
		cfg.CacheL2Backend = v
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_CACHE_L2_GROUPCACHE_SELF_ADDR"); ok {
		cfg.GroupcacheSelfAddr = v
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_CACHE_L2_GROUPCACHE_PEERS"); ok {
		cfg.GroupcachePeers = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_KV_BACKEND"); ok {
		cfg.KVBackend = v
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_KV_PATH"); ok {
		cfg.KVPath = v
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_PATH_SAFE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: IMAGEVAULT_PATH_SAFE_LIMIT")
		}
		cfg.PathSafeLimit = n
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_RESIZE_CONCURRENT_LIMIT"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: IMAGEVAULT_RESIZE_CONCURRENT_LIMIT")
		}
		cfg.ResizeConcurrentLimit = n
	}
	if v, ok := os.LookupEnv("IMAGEVAULT_JOB_WATCHDOG"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return model.Wrap(model.KindValidation, err, "config: IMAGEVAULT_JOB_WATCHDOG")
		}
		cfg.JobWatchdog = d
	}
	return nil
}

// Flags holds the CLI-flag layer; cmd/imagevaultd binds these to a
// pflag.FlagSet and calls ApplyFlags after parsing so flags win over file
// and environment, per spec §4.11's priority order.
type Flags struct {
	ListenAddr  string
	WorkerCount int
	KVBackend   string
	KVPath      string
}

// ApplyFlags overlays any flag the caller explicitly set (non-zero-value
// convention; cmd/imagevaultd only populates fields the user actually
// passed).
func (cfg *Config) ApplyFlags(f Flags) {
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.WorkerCount > 0 {
		cfg.WorkerCount = f.WorkerCount
	}
	if f.KVBackend != "" {
		cfg.KVBackend = f.KVBackend
	}
	if f.KVPath != "" {
		cfg.KVPath = f.KVPath
	}
}

// Validate checks cross-field invariants once the snapshot is final.
func (cfg *Config) Validate() error {
	if cfg.KVBackend != "memory" && cfg.KVBackend != "leveldb" {
		return model.New(model.KindValidation, fmt.Sprintf("config: kv.backend must be memory or leveldb, got %q", cfg.KVBackend))
	}
	if cfg.KVBackend == "leveldb" && cfg.KVPath == "" {
		return model.New(model.KindValidation, "config: kv.path is required when kv.backend is leveldb")
	}
	if cfg.ResizeConcurrentLimit <= 0 {
		return model.New(model.KindValidation, "config: resize.concurrentLimit must be positive")
	}
	if cfg.CacheL2Enabled {
		if cfg.CacheL2Backend != "kv" && cfg.CacheL2Backend != "groupcache" {
			return model.New(model.KindValidation, fmt.Sprintf("config: cache.l2.backend must be kv or groupcache, got %q", cfg.CacheL2Backend))
		}
		if cfg.CacheL2Backend == "groupcache" && cfg.GroupcacheSelfAddr == "" {
			return model.New(model.KindValidation, "config: cache.l2.groupcache.selfAddr is required when cache.l2.backend is groupcache")
		}
	}
	return nil
}
