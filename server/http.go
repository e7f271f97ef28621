package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/IMQS/gzipresponse"
	"github.com/IMQS/service-finder/model"
	"github.com/IMQS/service-finder/normalize"
	"github.com/IMQS/service-finder/query"
	"github.com/IMQS/service-finder/store"
	"github.com/julienschmidt/httprouter"
)

const defaultHttpPort = "2016"

// Upper bound on the body of an ingestion request
const maxIngestBody = 32 << 20

var errBadRequest = errors.New("Bad request")

type jsonPagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Pages  int `json:"pages"`
}

type jsonSearchResult struct {
	Services   []query.Result `json:"services"`
	Pagination jsonPagination `json:"pagination"`
	Facets     *query.Facets  `json:"facets,omitempty"`
	MaxScore   float64        `json:"max_score"`
}

type jsonServiceList struct {
	Services   []model.Service `json:"services"`
	Pagination jsonPagination  `json:"pagination"`
}

type jsonSuggestions struct {
	Suggestions []string `json:"suggestions"`
}

type jsonNearby struct {
	Services []query.Result `json:"services"`
}

type jsonPingResult struct {
	Timestamp int64
}

func makePagination(total, limit, offset int) jsonPagination {
	p := jsonPagination{Total: total, Limit: limit, Offset: offset}
	if limit > 0 {
		p.Pages = int(math.Ceil(float64(total) / float64(limit)))
	}
	return p
}

func (e *Engine) router() *httprouter.Router {
	makeRoute := func(f func(*Engine, http.ResponseWriter, *http.Request, httprouter.Params)) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			f(e, w, r, ps)
		}
	}

	router := httprouter.New()
	router.GET("/search", makeRoute(httpSearch))
	router.GET("/search/autocomplete", makeRoute(httpAutocomplete))
	router.GET("/search/nearby", makeRoute(httpNearby))
	router.GET("/search/facets", makeRoute(httpFacets))
	router.GET("/services", makeRoute(httpListServices))
	router.GET("/services/:id", makeRoute(httpGetService))
	router.POST("/services", makeRoute(httpIngest))
	router.DELETE("/services/:id/index", makeRoute(httpDeleteFromIndex))
	router.POST("/reindex/:id", makeRoute(httpReindex))
	router.GET("/stats", makeRoute(httpStats))
	router.GET("/health", makeRoute(httpHealth))
	router.GET("/ping", makeRoute(httpPing))
	return router
}

func (e *Engine) RunHttp() error {
	config := e.GetConfig()
	port := defaultHttpPort
	if config.HTTP.Port != "" {
		port = config.HTTP.Port
	}
	addr := fmt.Sprintf("%v:%v", config.HTTP.Bind, port)

	e.ErrorLog.Infof("Service finder is listening on %v", addr)

	err := http.ListenAndServe(addr, e.router())
	e.ErrorLog.Infof("ListenAndServe: %v", err)
	return err
}

func httpStatusOf(err error) int {
	switch {
	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, errBadRequest),
		errors.Is(err, store.ErrMissingName),
		errors.Is(err, store.ErrMissingDataSource),
		errors.Is(err, store.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func httpSendError(w http.ResponseWriter, err error) {
	w.WriteHeader(httpStatusOf(err))
	fmt.Fprintf(w, "%v", err)
}

func httpSendJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "%v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	gzipresponse.Write(w, r, raw)
}

func httpSearch(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	start := time.Now()
	q, err := query.ParseSearchQuery(r.URL.Query())
	if err != nil {
		httpSendError(w, err)
		return
	}
	q.Facets = r.URL.Query().Get("facets") != "false"
	res, err := e.Search.SearchServices(r.Context(), &q)
	if err != nil {
		e.ErrorLog.Warnf(`Search failed: %v. Query = "%v"`, err, q.Text)
		httpSendError(w, err)
		return
	}
	e.AccessLog.Infof("Search(%v): %v of %v results in %.2v ms", q.Text, len(res.Services), res.Total, time.Now().Sub(start).Seconds()*1000.0)
	httpSendJSON(w, r, &jsonSearchResult{
		Services:   res.Services,
		Pagination: makePagination(res.Total, res.Limit, res.Offset),
		Facets:     res.Facets,
		MaxScore:   res.MaxScore,
	})
}

func httpFacets(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q, err := query.ParseSearchQuery(r.URL.Query())
	if err != nil {
		httpSendError(w, err)
		return
	}
	facets, err := e.Search.GetSearchFacets(r.Context(), &q)
	if err != nil {
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, facets)
}

func httpAutocomplete(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	t, err := query.ParseSuggestionType(r.URL.Query().Get("type"))
	if err != nil {
		httpSendError(w, err)
		return
	}
	out, err := e.Search.GetAutocompleteSuggestions(r.Context(), r.URL.Query().Get("q"), t)
	if err != nil {
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, &jsonSuggestions{Suggestions: out})
}

func requiredFloat(v url.Values, key string) (float64, error) {
	s := strings.TrimSpace(v.Get(key))
	if s == "" {
		return 0, fmt.Errorf("%w: %v is required", query.ErrInvalidQuery, key)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v must be a number", query.ErrInvalidQuery, key)
	}
	return f, nil
}

func optionalInt(v url.Values, key string) (int, error) {
	s := strings.TrimSpace(v.Get(key))
	if s == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v must be an integer", errBadRequest, key)
	}
	return i, nil
}

func httpNearby(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	v := r.URL.Query()
	lat, err := requiredFloat(v, "lat")
	if err != nil {
		httpSendError(w, err)
		return
	}
	lng, err := requiredFloat(v, "lng")
	if err != nil {
		httpSendError(w, err)
		return
	}
	limit, err := optionalInt(v, "limit")
	if err != nil {
		httpSendError(w, err)
		return
	}
	res, err := e.Search.GetNearbyServices(r.Context(), lat, lng, v.Get("radius"), limit)
	if err != nil {
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, &jsonNearby{Services: res})
}

// SQL fallback, for when the index is unavailable or being rebuilt
func httpListServices(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	v := r.URL.Query()
	f := store.SearchFilter{
		Query:      v.Get("q"),
		State:      v.Get("state"),
		Category:   v.Get("category"),
		DataSource: v.Get("data_source"),
		OrderBy:    v.Get("order_by"),
	}
	if s := v.Get("status"); s == "all" {
		f.IncludeAllStatuses = true
	} else if s != "" {
		f.Status = model.Status(s)
		if !model.ValidStatus(f.Status) {
			httpSendError(w, store.ErrInvalidStatus)
			return
		}
	}
	if s := v.Get("youth_specific"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			httpSendError(w, fmt.Errorf("%w: youth_specific must be true or false", errBadRequest))
			return
		}
		f.YouthSpecific = &b
	}
	var err error
	if f.Limit, err = optionalInt(v, "limit"); err != nil {
		httpSendError(w, err)
		return
	}
	if f.Offset, err = optionalInt(v, "offset"); err != nil {
		httpSendError(w, err)
		return
	}
	page, err := e.Store.SearchServices(r.Context(), f)
	if err != nil {
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, &jsonServiceList{
		Services:   page.Services,
		Pagination: makePagination(page.Total, page.Limit, page.Offset),
	})
}

func httpGetService(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s, err := e.Store.GetService(r.Context(), ps.ByName("id"))
	if err != nil {
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, s)
}

// DecodeRecords reads either a single record or an array of records
func DecodeRecords(body io.Reader) ([]normalize.RawRecord, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxIngestBody))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", errBadRequest)
	}
	records := []normalize.RawRecord{}
	if raw[0] == '[' {
		err = json.Unmarshal(raw, &records)
	} else {
		var one normalize.RawRecord
		if err = json.Unmarshal(raw, &one); err == nil {
			records = append(records, one)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return records, nil
}

func httpIngest(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	records, err := DecodeRecords(r.Body)
	if err != nil {
		httpSendError(w, err)
		return
	}
	res, err := e.Ingest(r.Context(), records)
	if err != nil {
		e.ErrorLog.Errorf("Ingest of %v records failed: %v", len(records), err)
		httpSendError(w, err)
		return
	}
	e.AccessLog.Infof("Ingest: %v records, %v inserted, %v updated, %v rejected", res.Total, res.Inserted, res.Updated, res.Rejected)
	httpSendJSON(w, r, &res)
}

func httpReindex(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := e.Reindex(r.Context(), []string{ps.ByName("id")})
	if err != nil {
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, &res)
}

func httpDeleteFromIndex(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := e.Search.DeleteService(r.Context(), ps.ByName("id")); err != nil {
		httpSendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func httpStats(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, err := e.Store.GetStatistics(r.Context())
	if err != nil {
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, &st)
}

// Reports 503 when either backend is unhealthy, with the details in the body
func httpHealth(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h := e.Health(r.Context())
	raw, _ := json.Marshal(&h)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=0, no-cache")
	if !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Write(raw)
}

func httpPing(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=0, no-cache")
	res := jsonPingResult{
		Timestamp: time.Now().Unix(),
	}
	response, _ := json.Marshal(&res)
	w.Write(response)
}
