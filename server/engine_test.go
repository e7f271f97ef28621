package server

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/IMQS/service-finder/model"
	"github.com/IMQS/service-finder/normalize"
	"github.com/IMQS/service-finder/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run the end-to-end tests with
//  go test github.com/IMQS/service-finder/server -db_postgres -es_url=http://localhost:9200

var db_postgres = flag.Bool("db_postgres", false, "Run tests against Postgres")
var es_url = flag.String("es_url", "", "Run tests against the Elasticsearch cluster at this URL")

func isEndToEndTest() bool {
	return *db_postgres && *es_url != ""
}

func openTestEngine(t *testing.T) *Engine {
	indexName := "unit_test_services_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	e := &Engine{
		ErrorLog:  testLogger(),
		AccessLog: testLogger(),
		ConfigString: fmt.Sprintf(`{
			"Development": true,
			"Database": {
				"Host": "localhost",
				"Database": "unit_test_service_finder",
				"User": "unit_test_user",
				"Password": "unit_test_password",
				"BulkWorkers": 2
			},
			"Elasticsearch": {"Addresses": [%q], "Index": %q},
			"Schedule": {"RemoveLowestQuality": true}
		}`, *es_url, indexName),
	}
	require.NoError(t, e.LoadConfigFromFile())
	require.NoError(t, e.Initialize(false))
	_, err := e.Store.DB.Exec(`TRUNCATE services, organizations, locations, contacts, service_categories CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Indexes.DeleteIndex(context.Background())
		e.reindexTicker.Stop()
		e.Store.Close()
	})
	return e
}

func sp(s string) *string { return &s }

func fp(v float64) *float64 { return &v }

func bp(b bool) *bool { return &b }

func loganRecord() normalize.RawRecord {
	return normalize.RawRecord{
		Name:          sp("Logan Youth Collective"),
		DataSource:    sp("qld-gov"),
		Categories:    []string{"youth empowerment"},
		Location:      &normalize.RawLocation{Lat: fp(-27.64), Lng: fp(153.1)},
		YouthSpecific: bp(true),
	}
}

func searchIDs(t *testing.T, e *Engine, q query.SearchQuery) []string {
	res, err := e.Search.SearchServices(context.Background(), &q)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range res.Services {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestLoganEndToEnd(t *testing.T) {
	if !isEndToEndTest() {
		return
	}
	e := openTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, []normalize.RawRecord{loganRecord()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Indexed)
	require.Len(t, res.IDs, 1)
	id := res.IDs[0]

	s, err := e.Store.GetService(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 3.0/9.0, s.CompletenessScore, 1e-6)
	assert.Equal(t, []string{"youth_empowerment"}, s.Categories)

	require.NoError(t, e.Indexes.RefreshIndex(ctx))
	assert.Equal(t, []string{id}, searchIDs(t, e, query.SearchQuery{Text: "young people", YouthSpecific: bp(true)}))

	// Same record again: one row, updated in place
	again, err := e.Ingest(ctx, []normalize.RawRecord{loganRecord()})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 1, again.Updated)
	assert.Equal(t, []string{id}, again.IDs)
}

func TestIngestIsolatesFailures(t *testing.T) {
	if !isEndToEndTest() {
		return
	}
	e := openTestEngine(t)
	records := []normalize.RawRecord{}
	for i := 0; i < 5; i++ {
		r := loganRecord()
		r.Name = sp(fmt.Sprintf("Youth service number %v", i))
		records = append(records, r)
	}
	records[2].Name = nil

	res, err := e.Ingest(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 4, res.Inserted)
	assert.Equal(t, 4, res.Indexed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 2, res.Failures[0].Index)
}

func TestStatusChangeRemovesFromIndex(t *testing.T) {
	if !isEndToEndTest() {
		return
	}
	e := openTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, []normalize.RawRecord{loganRecord()})
	require.NoError(t, err)
	require.NoError(t, e.Indexes.RefreshIndex(ctx))
	require.Len(t, searchIDs(t, e, query.SearchQuery{Text: "logan"}), 1)

	inactive := loganRecord()
	inactive.Status = sp(string(model.StatusInactive))
	_, err = e.Ingest(ctx, []normalize.RawRecord{inactive})
	require.NoError(t, err)
	require.NoError(t, e.Indexes.RefreshIndex(ctx))
	assert.Empty(t, searchIDs(t, e, query.SearchQuery{Text: "logan"}))

	_, err = e.Reindex(ctx, res.IDs)
	require.NoError(t, err)
}

func TestReindexAllAndCleanup(t *testing.T) {
	if !isEndToEndTest() {
		return
	}
	e := openTestEngine(t)
	ctx := context.Background()

	good := loganRecord()
	good.Description = sp("Mentoring and court support for young people")
	good.Phone = sp("07 3000 0000")
	poor := normalize.RawRecord{Name: sp("Bare listing"), DataSource: sp("qld-gov")}
	res, err := e.Ingest(ctx, []normalize.RawRecord{good, poor})
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)

	require.NoError(t, e.Indexes.DeleteIndex(ctx))
	_, err = e.Indexes.CreateIndex(ctx)
	require.NoError(t, err)
	all, err := e.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, all.Indexed)
	assert.Len(t, searchIDs(t, e, query.SearchQuery{}), 2)

	cleaned, err := e.Cleanup(ctx)
	require.NoError(t, err)
	require.Len(t, cleaned.RemovedServices, 1)
	require.NoError(t, e.Indexes.RefreshIndex(ctx))
	remaining := searchIDs(t, e, query.SearchQuery{})
	assert.Len(t, remaining, 1)
	assert.NotContains(t, remaining, cleaned.RemovedServices[0])

	_, err = e.Reindex(ctx, cleaned.RemovedServices)
	assert.Error(t, err, "a removed service cannot be reindexed")
	assert.True(t, strings.Contains(err.Error(), "not found"))
}

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}
