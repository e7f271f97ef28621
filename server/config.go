package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/IMQS/service-finder/index"
	"github.com/IMQS/service-finder/store"
	serviceconfig "github.com/IMQS/serviceconfigsgo"
)

/*
Sample config

If you don't specify logfiles, then stderr is used for the Error log,
and stdout is used for the Access log.

{
	"HTTP": {
		"Bind": "",
		"Port": "2016"
	},
	"Log": {
		"ErrorFile": "/var/log/service-finder/error.log",
		"AccessFile": "/var/log/service-finder/access.log"
	},
	"VerboseLogging": false,
	"Development": false,                      -- Provision the relational schema on startup
	"Database": {
		"Host":                  "127.0.0.1",
		"Database":              "servicefinder",
		"User":                  "imqs",
		"Password":              "password",
		"MaxOpenConns":          20,
		"MaxIdleConns":          4,
		"IdleTimeoutSeconds":    30,
		"ConnectTimeoutSeconds": 2,
		"BulkWorkers":           4
	},
	"Elasticsearch": {
		"Addresses": ["http://127.0.0.1:9200"],
		"Index": "services",
		"RequestTimeoutSeconds": 30,
		"SynonymsVersion": "2024-1",
		"Synonyms": ["youth, young people, teenagers, adolescents"]
	},
	"Schedule": {
		"DisableAutoReindex": false,
		"ReindexIntervalMinutes": 5,
		"CleanupAt": "02:00",
		"RemoveLowestQuality": false
	}
}

Database may instead name an "Alias", which is resolved by the configuration
service. The environment variables SERVICEFINDER_DB_HOST, SERVICEFINDER_DB_PASSWORD,
SERVICEFINDER_ES_URL and SERVICEFINDER_ES_PASSWORD override the file.
*/

const (
	serviceConfigFileName = "service-finder.json"
	serviceConfigVersion  = 1
	serviceName           = "ServiceFinder"
)

const (
	envDBHost     = "SERVICEFINDER_DB_HOST"
	envDBPassword = "SERVICEFINDER_DB_PASSWORD"
	envESURL      = "SERVICEFINDER_ES_URL"
	envESPassword = "SERVICEFINDER_ES_PASSWORD"
)

const (
	defaultReindexInterval = 5 * time.Minute
	defaultCleanupAt       = "02:00"
)

var ErrInvalidConfig = errors.New("Invalid configuration")

type ConfigHttp struct {
	Bind string
	Port string
}

type ConfigLog struct {
	ErrorFile  string
	AccessFile string
}

type ConfigDatabase struct {
	Alias                 string `json:",omitempty"`
	Host                  string `json:",omitempty"`
	Port                  uint16 `json:",omitempty"`
	Database              string `json:",omitempty"`
	User                  string `json:",omitempty"`
	Password              string `json:",omitempty"`
	SSLMode               string `json:",omitempty"`
	MaxOpenConns          int    `json:",omitempty"`
	MaxIdleConns          int    `json:",omitempty"`
	IdleTimeoutSeconds    int    `json:",omitempty"`
	ConnectTimeoutSeconds int    `json:",omitempty"`
	BulkWorkers           int    `json:",omitempty"`
}

type ConfigElasticsearch struct {
	Addresses             []string
	Username              string   `json:",omitempty"`
	Password              string   `json:",omitempty"`
	Index                 string   `json:",omitempty"`
	RequestTimeoutSeconds int      `json:",omitempty"`
	SynonymsVersion       string   `json:",omitempty"`
	Synonyms              []string `json:",omitempty"`
}

type ConfigSchedule struct {
	// For deployments where indexing should only happen at off-peak times, through the CLI
	DisableAutoReindex     bool
	ReindexIntervalMinutes int `json:",omitempty"`

	// Time of day, as HH:MM
	CleanupAt string `json:",omitempty"`

	// Cleanup also deletes services below store.LowQualityThreshold
	RemoveLowestQuality bool
}

type Config struct {
	HTTP           ConfigHttp
	Log            ConfigLog
	VerboseLogging bool
	Development    bool
	Database       ConfigDatabase
	Elasticsearch  ConfigElasticsearch
	Schedule       ConfigSchedule
}

func (c *Config) LoadFile(filename string) error {
	if err := serviceconfig.GetConfig(filename, serviceName, serviceConfigVersion, serviceConfigFileName, c); err != nil {
		return err
	}
	c.applyEnv()
	return nil
}

// LoadString parses a literal JSON config. This is used by unit tests.
func (c *Config) LoadString(config string) error {
	if err := json.Unmarshal([]byte(config), c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.applyEnv()
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envDBHost); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv(envDBPassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(envESURL); v != "" {
		c.Elasticsearch.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv(envESPassword); v != "" {
		c.Elasticsearch.Password = v
	}
}

var reTimeOfDay = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Validate reports every problem in the config at once
func (c *Config) Validate() error {
	problems := []string{}
	db := &c.Database
	if db.Alias == "" {
		if db.Host == "" {
			problems = append(problems, "Database.Host is required")
		}
		if db.Database == "" {
			problems = append(problems, "Database.Database is required")
		}
		if db.User == "" {
			problems = append(problems, "Database.User is required")
		}
	}
	if db.MaxOpenConns < 0 || db.MaxIdleConns < 0 || db.BulkWorkers < 0 {
		problems = append(problems, "Database connection limits may not be negative")
	}
	if db.MaxOpenConns > 0 && db.BulkWorkers > db.MaxOpenConns {
		problems = append(problems, "Database.BulkWorkers may not exceed Database.MaxOpenConns")
	}
	if len(c.Elasticsearch.Addresses) == 0 {
		problems = append(problems, "Elasticsearch.Addresses is required")
	}
	for _, a := range c.Elasticsearch.Addresses {
		if !strings.HasPrefix(a, "http://") && !strings.HasPrefix(a, "https://") {
			problems = append(problems, fmt.Sprintf("Elasticsearch address '%v' must start with http:// or https://", a))
		}
	}
	if len(c.Elasticsearch.Synonyms) != 0 && c.Elasticsearch.SynonymsVersion == "" {
		problems = append(problems, "Elasticsearch.SynonymsVersion is required when Synonyms are given")
	}
	if c.Schedule.CleanupAt != "" && !reTimeOfDay.MatchString(c.Schedule.CleanupAt) {
		problems = append(problems, fmt.Sprintf("Schedule.CleanupAt '%v' must be HH:MM", c.Schedule.CleanupAt))
	}
	if c.Schedule.ReindexIntervalMinutes < 0 {
		problems = append(problems, "Schedule.ReindexIntervalMinutes may not be negative")
	}
	if len(problems) != 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) storeConfig() (store.Config, error) {
	db := &c.Database
	cfg := store.Config{
		Host:            db.Host,
		Port:            db.Port,
		Database:        db.Database,
		User:            db.User,
		Password:        db.Password,
		SSLMode:         db.SSLMode,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		IdleTimeout:     seconds(db.IdleTimeoutSeconds),
		ConnectTimeout:  seconds(db.ConnectTimeoutSeconds),
		BulkWorkers:     db.BulkWorkers,
		ProvisionSchema: c.Development,
	}
	if db.Alias != "" {
		conf, err := serviceconfig.GetDBAlias(db.Alias)
		if err != nil {
			return cfg, fmt.Errorf("Could not find database alias %v: %w", db.Alias, err)
		}
		cfg.Database = conf.Name
		cfg.RawDSN = conf.DSN()
	}
	return cfg, nil
}

func (c *Config) indexConfig() index.Config {
	es := &c.Elasticsearch
	return index.Config{
		Addresses:       es.Addresses,
		Username:        es.Username,
		Password:        es.Password,
		Index:           es.Index,
		RequestTimeout:  seconds(es.RequestTimeoutSeconds),
		SynonymsVersion: es.SynonymsVersion,
		Synonyms:        es.Synonyms,
	}
}

func (c *Config) reindexInterval() time.Duration {
	if c.Schedule.ReindexIntervalMinutes > 0 {
		return time.Duration(c.Schedule.ReindexIntervalMinutes) * time.Minute
	}
	return defaultReindexInterval
}

func (c *Config) cleanupAt() string {
	if c.Schedule.CleanupAt != "" {
		return c.Schedule.CleanupAt
	}
	return defaultCleanupAt
}
