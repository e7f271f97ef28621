package index

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"testing"

	"github.com/IMQS/log"
	"github.com/IMQS/service-finder/index/estest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(log.Stdout, runtime.GOOS != "windows")
}

func newTestManager(t *testing.T, h estest.Handler) (*Manager, *estest.Server) {
	srv := estest.New(h)
	t.Cleanup(srv.Close)
	m := NewManager(srv.Client(t), Config{Index: "test_services"}, testLogger())
	return m, srv
}

func dig(t *testing.T, v interface{}, path ...string) interface{} {
	t.Helper()
	for _, p := range path {
		obj, ok := v.(map[string]interface{})
		require.True(t, ok, "expected an object at %v", p)
		v, ok = obj[p]
		require.True(t, ok, "missing key %v", p)
	}
	return v
}

func roundTrip(t *testing.T, v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestAnalyzerChains(t *testing.T) {
	def := roundTrip(t, Definition("", nil))

	body := dig(t, def, "settings", "analysis", "analyzer", AnalyzerBody, "filter")
	assert.Equal(t, []interface{}{"lowercase", "stop", "service_stemmer", "service_synonyms"}, body)
	assert.Equal(t, "snowball", dig(t, def, "settings", "analysis", "filter", "service_stemmer", "type"))

	ngram := dig(t, def, "settings", "analysis", "filter", "autocomplete_filter")
	assert.Equal(t, "edge_ngram", dig(t, ngram, "type"))
	assert.EqualValues(t, 2, dig(t, ngram, "min_gram"))
	assert.EqualValues(t, 20, dig(t, ngram, "max_gram"))

	search := dig(t, def, "settings", "analysis", "analyzer", AnalyzerAutocompleteSearch, "filter")
	assert.Equal(t, []interface{}{"lowercase"}, search, "no ngrams on the query side")

	for _, name := range []string{AnalyzerAutocomplete, AnalyzerAutocompleteSearch} {
		assert.Equal(t, []interface{}{"underscore_to_space"}, dig(t, def, "settings", "analysis", "analyzer", name, "char_filter"), name)
	}
	underscore := dig(t, def, "settings", "analysis", "char_filter", "underscore_to_space")
	assert.Equal(t, "mapping", dig(t, underscore, "type"))
	assert.Equal(t, []interface{}{`_ => \u0020`}, dig(t, underscore, "mappings"))

	synonyms := dig(t, def, "settings", "analysis", "filter", "service_synonyms", "synonyms").([]interface{})
	assert.Contains(t, synonyms, "youth, young people, adolescent, teenager")
	assert.Contains(t, synonyms, "indigenous, aboriginal, torres strait islander, atsi")
	assert.Len(t, synonyms, len(DefaultSynonyms))
}

func TestMappingFields(t *testing.T) {
	def := roundTrip(t, Definition("v7", []string{"a, b"}))
	props := dig(t, def, "mappings", "properties")

	assert.Equal(t, "keyword", dig(t, props, "name", "fields", "raw", "type"))
	assert.Equal(t, AnalyzerAutocomplete, dig(t, props, "name", "fields", "autocomplete", "analyzer"))
	assert.Equal(t, AnalyzerAutocompleteSearch, dig(t, props, "name", "fields", "autocomplete", "search_analyzer"))
	assert.Equal(t, "keyword", dig(t, props, "organization", "properties", "name", "fields", "raw", "type"))
	assert.Equal(t, "geo_point", dig(t, props, "location", "properties", "coordinates", "type"))
	assert.Equal(t, "integer", dig(t, props, "age_range", "properties", "minimum", "type"))
	assert.Equal(t, "float", dig(t, props, "popularity_score", "type"))
	assert.Equal(t, "float", dig(t, props, "quality_score", "type"))
	assert.Equal(t, "keyword", dig(t, props, "categories", "type"))
	assert.Equal(t, "boolean", dig(t, props, "youth_specific", "type"))

	assert.Equal(t, "v7", dig(t, def, "mappings", "_meta", "synonyms_version"))
	assert.Equal(t, []interface{}{"a, b"}, dig(t, def, "settings", "analysis", "filter", "service_synonyms", "synonyms"))
}

func TestCreateIndexIsIdempotent(t *testing.T) {
	exists := false
	m, srv := newTestManager(t, func(r estest.Request) (int, string) {
		switch {
		case r.Method == http.MethodHead && r.Path == "/test_services":
			if exists {
				return 200, ``
			}
			return 404, ``
		case r.Method == http.MethodPut && r.Path == "/test_services":
			exists = true
			return 200, `{"acknowledged":true,"index":"test_services"}`
		case r.Method == http.MethodGet && r.Path == "/test_services/_mapping":
			return 200, `{"test_services":{"mappings":{"_meta":{"synonyms_version":"2024-1","mapping_version":1}}}}`
		}
		return 400, `{"error":{"type":"unexpected","reason":"unexpected request"},"status":400}`
	})
	ctx := context.Background()

	created, err := m.CreateIndex(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	put := srv.Last()
	assert.Equal(t, http.MethodPut, put.Method)
	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(put.Body, &body))
	assert.Equal(t, DefaultSynonymsVersion, dig(t, body, "mappings", "_meta", "synonyms_version"))

	srv.Reset()
	created, err = m.CreateIndex(ctx)
	require.NoError(t, err)
	assert.False(t, created)
	for _, r := range srv.Requests() {
		assert.NotEqual(t, http.MethodPut, r.Method, "an existing index must not be recreated")
		assert.NotEqual(t, http.MethodDelete, r.Method, "an existing index must not be dropped")
	}
}

func TestCreateIndexLostRace(t *testing.T) {
	m, _ := newTestManager(t, func(r estest.Request) (int, string) {
		if r.Method == http.MethodHead {
			return 404, ``
		}
		return 400, `{"error":{"type":"resource_already_exists_exception","reason":"index [test_services] already exists"},"status":400}`
	})
	created, err := m.CreateIndex(context.Background())
	assert.NoError(t, err)
	assert.False(t, created)
}

func TestUpdateMapping(t *testing.T) {
	m, srv := newTestManager(t, func(r estest.Request) (int, string) {
		return 200, `{"acknowledged":true}`
	})
	require.NoError(t, m.UpdateMapping(context.Background()))
	req := srv.Last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/test_services/_mapping", req.Path)
	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Contains(t, body, "properties")
	assert.NotContains(t, body, "settings")

	srv.SetHandler(func(r estest.Request) (int, string) {
		return 400, `{"error":{"type":"illegal_argument_exception","reason":"mapper [name] cannot be changed from type [text] to [keyword]"},"status":400}`
	})
	err := m.UpdateMapping(context.Background())
	require.Error(t, err)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 400, opErr.StatusCode)
	assert.Equal(t, "illegal_argument_exception", opErr.Type)
	assert.Contains(t, err.Error(), "cannot be changed")
}

func TestDeleteIndexMissingIsSuccess(t *testing.T) {
	m, srv := newTestManager(t, func(r estest.Request) (int, string) {
		return 404, `{"error":{"type":"index_not_found_exception","reason":"no such index [test_services]"},"status":404}`
	})
	assert.NoError(t, m.DeleteIndex(context.Background()))
	assert.Equal(t, http.MethodDelete, srv.Last().Method)

	srv.SetHandler(func(r estest.Request) (int, string) {
		return 403, `{"error":{"type":"security_exception","reason":"action is unauthorized"},"status":403}`
	})
	assert.Error(t, m.DeleteIndex(context.Background()))
}

func TestRefreshIndex(t *testing.T) {
	m, srv := newTestManager(t, func(r estest.Request) (int, string) {
		return 200, `{"_shards":{"total":1,"successful":1,"failed":0}}`
	})
	require.NoError(t, m.RefreshIndex(context.Background()))
	assert.Equal(t, "/test_services/_refresh", srv.Last().Path)
}

func TestHealthCheck(t *testing.T) {
	m, _ := newTestManager(t, func(r estest.Request) (int, string) {
		if r.Path == "/" {
			return 200, `{"cluster_name":"unit","version":{"number":"8.15.0"}}`
		}
		return 200, ``
	})
	h := m.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.True(t, h.IndexExists)
	assert.Equal(t, "unit", h.ClusterName)
	assert.Equal(t, "8.15.0", h.Version)
}

func TestHealthCheckUnreachable(t *testing.T) {
	srv := estest.New(nil)
	es := srv.Client(t)
	srv.Close()
	m := NewManager(es, Config{}, testLogger())
	h := m.HealthCheck(context.Background())
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Error)
	assert.Equal(t, DefaultIndexName, m.Name())
}
