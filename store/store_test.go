package store

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/IMQS/log"
	"github.com/IMQS/service-finder/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run the database tests with
//  go test github.com/IMQS/service-finder/store -db_postgres

var db_postgres = flag.Bool("db_postgres", false, "Run tests against Postgres")

func isDBTest() bool {
	return *db_postgres
}

func testConfig() Config {
	return Config{
		Host:            "localhost",
		Database:        "unit_test_service_finder",
		User:            "unit_test_user",
		Password:        "unit_test_password",
		ProvisionSchema: true,
		BulkWorkers:     2,
	}
}

func testLogger() *log.Logger {
	return log.New(log.Stdout, runtime.GOOS != "windows")
}

func openTestDB(t *testing.T) *Manager {
	m, err := Open(context.Background(), testConfig(), testLogger())
	require.NoError(t, err)
	_, err = m.DB.Exec(`TRUNCATE services, organizations, locations, contacts, service_categories CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func fp(v float64) *float64 { return &v }

func ip(v int) *int { return &v }

func sampleService(name string) *model.Service {
	return &model.Service{
		Name:        name,
		Description: "Free legal advice and court support for young people aged 10 to 17 in Queensland.",
		DataSource:  "unit-test",
		Status:      model.StatusActive,
		Categories:  []string{"legal_support", "advocacy"},
		Organization: &model.Organization{
			Name: "Youth Advocacy Centre",
			Type: "non_profit",
		},
		Locations: []model.Location{{
			AddressLine1:  "1 George St",
			City:          "Brisbane",
			StateProvince: "QLD",
			PostalCode:    "4000",
			Latitude:      fp(-27.47),
			Longitude:     fp(153.02),
		}},
		Contacts: []model.Contact{{
			Email:  "intake@yac.example.org",
			Phones: []model.Phone{{Number: "(07) 3356 1002", Type: "voice"}},
		}},
		AgeRange:      &model.AgeRange{Minimum: ip(10), Maximum: ip(17)},
		YouthSpecific: true,
	}
}

func TestDSN(t *testing.T) {
	c := Config{Host: "db", User: "u", Password: "p", Database: "d", Port: 5433, ConnectTimeout: 1500 * time.Millisecond}
	assert.Equal(t, "host=db user=u password=p dbname=d sslmode=disable port=5433 connect_timeout=2", c.DSN())

	c = Config{Host: "db", User: "u", Password: "p", Database: "d", SSLMode: "require"}
	assert.Equal(t, "host=db user=u password=p dbname=d sslmode=require connect_timeout=2", c.DSN())
}

func TestBuildSearchSQL(t *testing.T) {
	yes := true
	f := SearchFilter{Query: "legal aid", State: "qld", Category: "legal_support", YouthSpecific: &yes, Limit: 500, Offset: -3}
	query, args := buildSearchSQL(&f)
	assert.Contains(t, query, "s.status = $1")
	assert.Contains(t, query, "plainto_tsquery('english', $2)")
	assert.Contains(t, query, "upper(l.state_province) = upper($3)")
	assert.Contains(t, query, "sc.category = $4")
	assert.Contains(t, query, "s.youth_specific = $5")
	assert.Contains(t, query, "ORDER BY ts_rank(")
	assert.Contains(t, query, "LIMIT $6 OFFSET $7")
	assert.Equal(t, []interface{}{"active", "legal aid", "qld", "legal_support", true, 100, 0}, args)
	assert.Equal(t, 100, f.Limit)
	assert.Equal(t, 0, f.Offset)
}

func TestSearchOrderIsWhitelisted(t *testing.T) {
	f := SearchFilter{OrderBy: "name; DROP TABLE services"}
	query, args := buildSearchSQL(&f)
	assert.NotContains(t, query, "DROP")
	assert.Contains(t, query, "ORDER BY s.completeness_score DESC")
	assert.Equal(t, []interface{}{"active", 20, 0}, args)

	f = SearchFilter{OrderBy: "updated", IncludeAllStatuses: true}
	query, _ = buildSearchSQL(&f)
	assert.NotContains(t, query, "s.status =")
	assert.Contains(t, query, "ORDER BY s.updated_at DESC")
}

func TestStoreServiceValidation(t *testing.T) {
	m := New(nil, testLogger())
	_, err := m.StoreService(context.Background(), &model.Service{DataSource: "x"})
	assert.ErrorIs(t, err, ErrMissingName)
	_, err = m.StoreService(context.Background(), &model.Service{Name: "A service"})
	assert.ErrorIs(t, err, ErrMissingDataSource)
	_, err = m.StoreService(context.Background(), &model.Service{Name: "A service", DataSource: "x", Status: "archived"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestHealthCheckWithoutDB(t *testing.T) {
	m := New(nil, testLogger())
	h := m.HealthCheck(context.Background())
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Error)
}

func TestStoreAndGet(t *testing.T) {
	if !isDBTest() {
		return
	}
	m := openTestDB(t)
	ctx := context.Background()

	s := sampleService("Brisbane Youth Legal Centre")
	res, err := m.StoreService(ctx, s)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, res.ID, s.ID)

	got, err := m.GetService(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "Brisbane Youth Legal Centre", got.Name)
	assert.ElementsMatch(t, []string{"legal_support", "advocacy"}, got.Categories)
	assert.Equal(t, "legal_support", got.Categories[0], "primary category sorts first")
	require.Len(t, got.Locations, 1)
	assert.InDelta(t, -27.47, *got.Locations[0].Latitude, 1e-9)
	require.Len(t, got.Contacts, 1)
	assert.Equal(t, "(07) 3356 1002", got.Contacts[0].Phones[0].Number)
	require.NotNil(t, got.Organization)
	assert.Equal(t, "Youth Advocacy Centre", got.Organization.Name)
	assert.Equal(t, 10, *got.AgeRange.Minimum)
	assert.InDelta(t, 1.0, got.CompletenessScore, 1e-6)

	_, err = m.GetService(ctx, "00000000-0000-0000-0000-000000000001")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUniqueness(t *testing.T) {
	if !isDBTest() {
		return
	}
	m := openTestDB(t)
	ctx := context.Background()

	first, err := m.StoreService(ctx, sampleService("Logan Youth Collective"))
	require.NoError(t, err)
	before, err := m.GetService(ctx, first.ID)
	require.NoError(t, err)

	again := sampleService("Logan Youth Collective")
	again.Categories = []string{"family_support"}
	again.Locations = nil
	second, err := m.StoreService(ctx, again)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.ID, second.ID)

	after, err := m.GetService(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
	assert.Equal(t, []string{"family_support"}, after.Categories, "categories are replaced, not merged")
	assert.Empty(t, after.Locations, "locations are replaced, not merged")

	var count int
	require.NoError(t, m.DB.QueryRow(`SELECT COUNT(*) FROM services WHERE name = 'Logan Youth Collective'`).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, m.DB.QueryRow(`SELECT COUNT(*) FROM organizations`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestAtomicity(t *testing.T) {
	if !isDBTest() {
		return
	}
	m := openTestDB(t)
	ctx := context.Background()

	// contacts.email is VARCHAR(255), so this fails on the last step
	s := sampleService("Doomed Service")
	s.Contacts[0].Email = strings.Repeat("x", 300) + "@example.org"
	_, err := m.StoreService(ctx, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replaceContacts")

	var count int
	require.NoError(t, m.DB.QueryRow(`SELECT COUNT(*) FROM services`).Scan(&count))
	assert.Equal(t, 0, count)
	require.NoError(t, m.DB.QueryRow(`SELECT COUNT(*) FROM locations`).Scan(&count))
	assert.Equal(t, 0, count)
	require.NoError(t, m.DB.QueryRow(`SELECT COUNT(*) FROM service_categories`).Scan(&count))
	assert.Equal(t, 0, count)
	require.NoError(t, m.DB.QueryRow(`SELECT COUNT(*) FROM organizations`).Scan(&count))
	assert.Equal(t, 0, count)

	assert.Equal(t, 0, m.DB.Stats().InUse, "the connection must go back to the pool")
}

func TestBulkPartialFailure(t *testing.T) {
	if !isDBTest() {
		return
	}
	m := openTestDB(t)
	ctx := context.Background()

	batch := []*model.Service{}
	for i := 1; i <= 5; i++ {
		batch = append(batch, sampleService(fmt.Sprintf("Bulk Service %v", i)))
	}
	batch[2].Name = ""

	res := m.BulkUpsertServices(ctx, batch)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 4, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 2, res.Failures[0].Index)
	assert.ErrorIs(t, res.Failures[0].Err, ErrMissingName)

	page, err := m.SearchServices(ctx, SearchFilter{DataSource: "unit-test", OrderBy: "name"})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	// A second pass over the same source records counts updates, not inserts
	batch[2].Name = "Bulk Service 3"
	res = m.BulkUpsertServices(ctx, batch)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 4, res.Updated)
	assert.Equal(t, 0, res.Errors)
}

func TestSearchAndStatistics(t *testing.T) {
	if !isDBTest() {
		return
	}
	m := openTestDB(t)
	ctx := context.Background()

	active := sampleService("Brisbane Youth Legal Centre")
	inactive := sampleService("Closed Legal Office")
	inactive.Status = model.StatusInactive
	nsw := sampleService("Parramatta Housing Support")
	nsw.Description = "Crisis accommodation and housing support."
	nsw.Categories = []string{"housing_support"}
	nsw.Locations[0].StateProvince = "NSW"
	nsw.YouthSpecific = false
	for _, s := range []*model.Service{active, inactive, nsw} {
		_, err := m.StoreService(ctx, s)
		require.NoError(t, err)
	}

	page, err := m.SearchServices(ctx, SearchFilter{Query: "legal"})
	require.NoError(t, err)
	require.Len(t, page.Services, 1)
	assert.Equal(t, active.ID, page.Services[0].ID)

	page, err = m.SearchServices(ctx, SearchFilter{State: "nsw"})
	require.NoError(t, err)
	require.Len(t, page.Services, 1)
	assert.Equal(t, nsw.ID, page.Services[0].ID)

	yes := true
	page, err = m.SearchServices(ctx, SearchFilter{Category: "legal_support", YouthSpecific: &yes, IncludeAllStatuses: true, OrderBy: "name"})
	require.NoError(t, err)
	require.Len(t, page.Services, 2)
	assert.Equal(t, "Brisbane Youth Legal Centre", page.Services[0].Name)

	st, err := m.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalServices)
	assert.Equal(t, 2, st.ActiveServices)
	assert.Equal(t, 2, st.YouthSpecificServices)
	assert.Equal(t, 1, st.DataSources)
	assert.Equal(t, 2, st.StatesCovered)
	assert.Equal(t, 1, st.TotalOrganizations)

	h := m.HealthCheck(ctx)
	assert.True(t, h.Healthy)
	assert.GreaterOrEqual(t, h.Total, 1)
}

func TestCleanup(t *testing.T) {
	if !isDBTest() {
		return
	}
	m := openTestDB(t)
	ctx := context.Background()

	good, err := m.StoreService(ctx, sampleService("Good Service"))
	require.NoError(t, err)
	poor, err := m.StoreService(ctx, &model.Service{Name: "Poor Service", DataSource: "unit-test"})
	require.NoError(t, err)

	res, err := m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.RemovedServices)

	res, err = m.Cleanup(ctx, CleanupOptions{RemoveLowQuality: true})
	require.NoError(t, err)
	assert.Equal(t, []string{poor.ID}, res.RemovedServices)

	_, err = m.GetService(ctx, good.ID)
	assert.NoError(t, err)
	_, err = m.GetService(ctx, poor.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHealthWaitCountIsCumulative(t *testing.T) {
	raw, err := json.Marshal(Health{Healthy: true, WaitCountTotal: 3})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"wait_count_total":3`)
}

func TestCursorOrder(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := Cursor{UpdatedAt: t0, ID: "11111111-1111-1111-1111-111111111111"}
	b := Cursor{UpdatedAt: t0, ID: "22222222-2222-2222-2222-222222222222"}
	c := Cursor{UpdatedAt: t0.Add(time.Microsecond)}
	assert.True(t, b.After(a))
	assert.False(t, a.After(b))
	assert.True(t, c.After(b))
	assert.False(t, a.After(a))
	assert.True(t, a.After(Cursor{}))
}

func TestRenameKeepsIdentity(t *testing.T) {
	if !isDBTest() {
		return
	}
	m := openTestDB(t)
	ctx := context.Background()

	first, err := m.StoreService(ctx, sampleService("Youth Legal Service"))
	require.NoError(t, err)

	renamed := sampleService("Youth Legal Service (Logan)")
	renamed.ID = first.ID
	second, err := m.StoreService(ctx, renamed)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.ID, second.ID)

	got, err := m.GetService(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Youth Legal Service (Logan)", got.Name)

	var count int
	require.NoError(t, m.DB.QueryRow(`SELECT COUNT(*) FROM services`).Scan(&count))
	assert.Equal(t, 1, count)

	// An id that is not stored yet is used for the new row
	fresh := sampleService("Youth Bail Support")
	fresh.ID = "5b0c2c3e-8f1a-4d6e-9b7a-2f3c4d5e6f70"
	res, err := m.StoreService(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, fresh.ID, res.ID)
}

func TestListServicesUpdatedSince(t *testing.T) {
	if !isDBTest() {
		return
	}
	m := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.StoreService(ctx, sampleService(fmt.Sprintf("Paged Service %v", i)))
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	cursor := Cursor{}
	for {
		page, err := m.ListServicesUpdatedSince(ctx, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, s := range page {
			assert.False(t, seen[s.ID])
			seen[s.ID] = true
		}
		last := page[len(page)-1]
		cursor = Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	assert.Len(t, seen, 5)
}

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}
