package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"HTTP": {"Port": "2016"},
	"Database": {
		"Host": "localhost",
		"Database": "servicefinder",
		"User": "imqs",
		"Password": "secret",
		"MaxOpenConns": 8,
		"IdleTimeoutSeconds": 45,
		"ConnectTimeoutSeconds": 3,
		"BulkWorkers": 4
	},
	"Elasticsearch": {
		"Addresses": ["http://localhost:9200"],
		"Index": "services_v1",
		"RequestTimeoutSeconds": 10
	},
	"Schedule": {"CleanupAt": "03:30", "ReindexIntervalMinutes": 2}
}`

func TestLoadString(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.LoadString(validConfig))
	require.NoError(t, c.Validate())

	sc, err := c.storeConfig()
	require.NoError(t, err)
	assert.Equal(t, "servicefinder", sc.Database)
	assert.Equal(t, 45*time.Second, sc.IdleTimeout)
	assert.Equal(t, 3*time.Second, sc.ConnectTimeout)
	assert.Equal(t, 4, sc.BulkWorkers)
	assert.False(t, sc.ProvisionSchema)

	ic := c.indexConfig()
	assert.Equal(t, "services_v1", ic.Index)
	assert.Equal(t, 10*time.Second, ic.RequestTimeout)

	assert.Equal(t, 2*time.Minute, c.reindexInterval())
	assert.Equal(t, "03:30", c.cleanupAt())
}

func TestScheduleDefaults(t *testing.T) {
	c := &Config{}
	assert.Equal(t, defaultReindexInterval, c.reindexInterval())
	assert.Equal(t, defaultCleanupAt, c.cleanupAt())
}

func TestLoadStringMalformed(t *testing.T) {
	c := &Config{}
	assert.ErrorIs(t, c.LoadString(`{"Database": `), ErrInvalidConfig)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(envDBPassword, "from-env")
	t.Setenv(envESURL, "https://a:9200,https://b:9200")
	c := &Config{}
	require.NoError(t, c.LoadString(validConfig))
	assert.Equal(t, "from-env", c.Database.Password)
	assert.Equal(t, []string{"https://a:9200", "https://b:9200"}, c.Elasticsearch.Addresses)
}

func TestValidateReportsEverything(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.LoadString(`{
		"Database": {"Host": "localhost", "MaxOpenConns": 2, "BulkWorkers": 4},
		"Elasticsearch": {"Addresses": ["localhost:9200"], "Synonyms": ["a, b"]},
		"Schedule": {"CleanupAt": "25:00"}
	}`))
	err := c.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, msg := range []string{
		"Database.Database is required",
		"Database.User is required",
		"BulkWorkers may not exceed",
		"must start with http://",
		"SynonymsVersion is required",
		"must be HH:MM",
	} {
		assert.Contains(t, err.Error(), msg)
	}
	assert.NotContains(t, err.Error(), "Database.Host")
}

func TestValidateRequiresElasticsearch(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.LoadString(`{"Database": {"Host": "h", "Database": "d", "User": "u"}}`))
	err := c.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "Elasticsearch.Addresses is required")
}

func TestAliasReplacesConnectionFields(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.LoadString(`{
		"Database": {"Alias": "main"},
		"Elasticsearch": {"Addresses": ["http://localhost:9200"]}
	}`))
	assert.NoError(t, c.Validate())
}

func TestInitializeFailsFast(t *testing.T) {
	e := &Engine{ConfigString: `{"Elasticsearch": {"Addresses": ["http://localhost:9200"]}}`}
	require.NoError(t, e.LoadConfigFromFile())
	err := e.Initialize(true)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, e.Store, "nothing is connected when the config is invalid")

	assert.ErrorIs(t, (&Engine{}).Initialize(true), ErrInvalidConfig)
}
