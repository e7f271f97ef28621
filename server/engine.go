package server

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/IMQS/log"
	"github.com/IMQS/service-finder/index"
	"github.com/IMQS/service-finder/query"
	"github.com/IMQS/service-finder/store"
	"github.com/jasonlvhit/gocron"
)

// Engine for the service finder. It owns the lifecycle of every client.
type Engine struct {
	// The config is replaced as a whole, never modified in place
	Config     *Config
	ConfigLock sync.RWMutex

	ErrorLog     *log.Logger
	AccessLog    *log.Logger
	ConfigFile   string
	ConfigString string // ConfigString takes precedence over ConfigFile. ConfigString was created for use by unit tests

	// Clients that are already set when Initialize runs are used as is.
	// This is how tests inject fakes.
	Store   *store.Manager
	Indexes *index.Manager
	Search  *query.Service

	reindexTicker *time.Ticker
	scheduler     *gocron.Scheduler
	schedulerStop chan bool

	// Position of the auto reindexer in (updated_at, id) order
	reindexCursor store.Cursor
	reindexLock   sync.Mutex
}

func pickLogFile(filename, defaultFilename string) string {
	if filename != "" {
		return filename
	}
	return defaultFilename
}

func (e *Engine) initLogging() {
	config := e.GetConfig()

	isWindows := runtime.GOOS == "windows"
	if e.ErrorLog == nil {
		e.ErrorLog = log.New(pickLogFile(config.Log.ErrorFile, log.Stderr), !isWindows)
	}
	if e.AccessLog == nil {
		e.AccessLog = log.New(pickLogFile(config.Log.AccessFile, log.Stdout), !isWindows)
	}
	if config.VerboseLogging {
		e.ErrorLog.Level = log.Trace
		e.AccessLog.Level = log.Trace
	}
}

// LoadConfigFromFile reads ConfigString if it is set, and otherwise ConfigFile
func (e *Engine) LoadConfigFromFile() error {
	cfg := &Config{}
	var err error
	if e.ConfigString != "" {
		err = cfg.LoadString(e.ConfigString)
	} else {
		err = cfg.LoadFile(e.ConfigFile)
	}
	if err != nil {
		return err
	}
	// No need for a lock here. This function is only called once at start up.
	e.Config = cfg
	return nil
}

/*
GetConfig - returns the current configuration
*/
func (e *Engine) GetConfig() *Config {
	e.ConfigLock.RLock()
	c := e.Config
	e.ConfigLock.RUnlock()
	return c
}

// Initialize validates the config and constructs the clients. A bad config is
// reported here, before anything is contacted. Unless isTest is set, the
// index is created if it does not exist yet.
func (e *Engine) Initialize(isTest bool) error {
	config := e.GetConfig()
	if config == nil {
		return fmt.Errorf("%w: no configuration loaded", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	e.initLogging()

	ctx := context.Background()
	if e.Store == nil {
		cfg, err := config.storeConfig()
		if err != nil {
			return err
		}
		if e.Store, err = store.Open(ctx, cfg, e.ErrorLog); err != nil {
			return fmt.Errorf("Could not open service database: %w", err)
		}
	}

	if e.Indexes == nil || e.Search == nil {
		es, err := index.NewClient(config.indexConfig())
		if err != nil {
			return fmt.Errorf("Could not create Elasticsearch client: %w", err)
		}
		if e.Indexes == nil {
			e.Indexes = index.NewManager(es, config.indexConfig(), e.ErrorLog)
		}
		if e.Search == nil {
			e.Search = query.New(es, e.Indexes.Name(), e.ErrorLog)
		}
	}

	if !isTest {
		created, err := e.Indexes.CreateIndex(ctx)
		if err != nil {
			return fmt.Errorf("Could not create search index: %w", err)
		}
		if created {
			e.ErrorLog.Infof("Created search index %v. Run 'reindex' to populate it", e.Indexes.Name())
		}
	}

	// The actual interval that the reindexer uses is internal to the job function.
	// Five seconds is just the baseline.
	e.reindexTicker = time.NewTicker(5 * time.Second)
	return nil
}

func (e *Engine) Close() {
	if e.reindexTicker != nil {
		e.reindexTicker.Stop()
	}
	if e.schedulerStop != nil {
		close(e.schedulerStop)
		e.schedulerStop = nil
	}
	if e.scheduler != nil {
		e.scheduler.Clear()
		e.scheduler = nil
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil && e.ErrorLog != nil {
			e.ErrorLog.Errorf("Error closing service database: %v", err)
		}
	}
	if e.ErrorLog != nil {
		e.ErrorLog.Close()
		e.ErrorLog = nil
	}
	if e.AccessLog != nil {
		e.AccessLog.Close()
		e.AccessLog = nil
	}
}

// HealthReport combines the health of both backends
type HealthReport struct {
	Healthy  bool         `json:"healthy"`
	Database store.Health `json:"database"`
	Index    index.Health `json:"index"`
}

func (e *Engine) Health(ctx context.Context) HealthReport {
	h := HealthReport{
		Database: e.Store.HealthCheck(ctx),
		Index:    e.Indexes.HealthCheck(ctx),
	}
	h.Healthy = h.Database.Healthy && h.Index.Healthy
	return h
}
