// Package store is the relational system of record for the service directory.
//
// Every multi-statement write runs inside a single transaction on one pooled
// connection. The connection goes back to the pool when the transaction is
// committed or rolled back, on both the success and the failure path.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/IMQS/log"
	"github.com/lib/pq"
)

const driverName = "postgres"

var (
	ErrMissingName       = errors.New("Service name is required")
	ErrMissingDataSource = errors.New("Service data_source is required")
	ErrInvalidStatus     = errors.New("Service status must be active, inactive or pending")
	ErrNotFound          = errors.New("Service not found")
)

// Config describes the Postgres connection and its pool
type Config struct {
	Host           string
	Port           uint16
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration

	// BulkWorkers bounds the number of records that BulkUpsertServices stores
	// concurrently. Each worker holds at most one pooled connection.
	BulkWorkers int

	// ProvisionSchema creates the schema on Open. Development only.
	ProvisionSchema bool

	// RawDSN, when set, is used as is and the connection fields above are ignored
	RawDSN string
}

// Pool defaults
const (
	DefaultMaxOpenConns   = 20
	DefaultIdleTimeout    = 30 * time.Second
	DefaultConnectTimeout = 2 * time.Second
)

func (c *Config) DSN() string {
	if c.RawDSN != "" {
		return c.RawDSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	conStr := fmt.Sprintf("host=%v user=%v password=%v dbname=%v sslmode=%v", c.Host, c.User, c.Password, c.Database, sslMode)
	if c.Port != 0 {
		conStr += fmt.Sprintf(" port=%v", c.Port)
	}
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	// libpq only accepts whole seconds
	secs := int((timeout + time.Second - 1) / time.Second)
	conStr += fmt.Sprintf(" connect_timeout=%v", secs)
	return conStr
}

// Manager performs all relational reads and writes
type Manager struct {
	DB          *sql.DB
	Log         *log.Logger
	BulkWorkers int
}

// New wraps an already opened database
func New(db *sql.DB, logger *log.Logger) *Manager {
	return &Manager{
		DB:          db,
		Log:         logger,
		BulkWorkers: 1,
	}
}

// Open establishes the connection pool and verifies connectivity. With
// ProvisionSchema set, the schema migrations are run first.
func Open(ctx context.Context, cfg Config, logger *log.Logger) (*Manager, error) {
	var db *sql.DB
	var err error
	if cfg.ProvisionSchema {
		db, err = migration.Open(driverName, cfg.DSN(), createMigrations())
		if err != nil {
			return nil, fmt.Errorf("Could not provision schema: %w", err)
		}
	} else {
		db, err = sql.Open(driverName, cfg.DSN())
		if err != nil {
			return nil, err
		}
	}
	setDBConnectionLimits(&cfg, db)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(&cfg))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Could not connect to database %v on %v: %w", cfg.Database, cfg.Host, err)
	}

	m := New(db, logger)
	if cfg.BulkWorkers > 0 {
		m.BulkWorkers = cfg.BulkWorkers
	}
	return m, nil
}

func connectTimeout(cfg *Config) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func setDBConnectionLimits(cfg *Config, db *sql.DB) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}
	db.SetConnMaxIdleTime(idle)
}

func (m *Manager) Close() error {
	if m.DB == nil {
		return nil
	}
	err := m.DB.Close()
	m.DB = nil
	return err
}

// Health reports connectivity and pool utilization
type Health struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Total   int    `json:"total_connections"`
	Idle    int    `json:"idle_connections"`
	InUse   int    `json:"in_use_connections"`

	// Number of times a caller had to wait for a connection, since the pool was opened
	WaitCountTotal int64 `json:"wait_count_total"`
}

// HealthCheck never returns an error. Connectivity problems are reported in
// the result and logged.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	h := Health{}
	if m.DB == nil {
		h.Error = "Database is not open"
		return h
	}
	pingCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()
	if err := m.DB.PingContext(pingCtx); err != nil {
		m.Log.Errorf("op=healthCheck err=%v", err)
		h.Error = err.Error()
	} else {
		h.Healthy = true
	}
	st := m.DB.Stats()
	h.Total = st.OpenConnections
	h.Idle = st.Idle
	h.InUse = st.InUse
	h.WaitCountTotal = st.WaitCount
	return h
}

// isUniqueViolation is true for Postgres error 23505
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
