// Package query is the request-time search engine over the service index,
// and the writer of documents into it.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/IMQS/log"
	"github.com/IMQS/service-finder/index"
	"github.com/IMQS/service-finder/model"
	"github.com/elastic/go-elasticsearch/v8"
)

var ErrMissingID = errors.New("Service id is required for indexing")

// Service reads and writes service documents. It never retries; retry policy
// belongs to the caller.
type Service struct {
	ES    *elasticsearch.Client
	Log   *log.Logger
	Index string

	// BulkBatchSize bounds the number of documents per bulk request
	BulkBatchSize int
}

const DefaultBulkBatchSize = 500

func New(es *elasticsearch.Client, indexName string, logger *log.Logger) *Service {
	return &Service{
		ES:            es,
		Log:           logger,
		Index:         indexName,
		BulkBatchSize: DefaultBulkBatchSize,
	}
}

// Result is one search hit. Distance is only set for geo queries.
type Result struct {
	Document
	Score     float64             `json:"score"`
	Highlight map[string][]string `json:"highlight,omitempty"`
	Distance  string              `json:"distance,omitempty"`
}

type Bucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Facets struct {
	Categories        []Bucket `json:"categories"`
	Regions           []Bucket `json:"regions"`
	OrganizationTypes []Bucket `json:"organization_types"`
	AgeGroups         []Bucket `json:"age_groups"`
}

type SearchResult struct {
	Services []Result `json:"services"`
	Total    int      `json:"total"`
	MaxScore float64  `json:"max_score"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
	Facets   *Facets  `json:"facets,omitempty"`
}

type hit struct {
	ID        string                   `json:"_id"`
	Score     *float64                 `json:"_score"`
	Source    Document                 `json:"_source"`
	Highlight map[string][]string      `json:"highlight"`
	Sort      []interface{}            `json:"sort"`
	Fields    map[string][]interface{} `json:"fields"`
}

type aggregation struct {
	Buckets []struct {
		Key      interface{} `json:"key"`
		DocCount int         `json:"doc_count"`
	} `json:"buckets"`
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		MaxScore *float64 `json:"max_score"`
		Hits     []hit    `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]aggregation `json:"aggregations"`
}

func (s *Service) search(ctx context.Context, op string, body object) (*searchResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	res, err := s.ES.Search(
		s.ES.Search.WithContext(ctx),
		s.ES.Search.WithIndex(s.Index),
		s.ES.Search.WithBody(&buf),
	)
	if err := index.Check(op, res, err); err != nil {
		return nil, err
	}
	defer res.Body.Close()

	resp := &searchResponse{}
	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		return nil, &index.OperationError{Op: op, StatusCode: res.StatusCode, Message: "Invalid response body", Cause: err}
	}
	return resp, nil
}

func formatDistance(km float64) string {
	return fmt.Sprintf("%.2fkm", km)
}

// The geo sort is always the final sort key
func hitDistance(h *hit) (string, bool) {
	if len(h.Sort) == 0 {
		return "", false
	}
	km, ok := h.Sort[len(h.Sort)-1].(float64)
	if !ok {
		return "", false
	}
	return formatDistance(km), true
}

func toResult(h *hit, withDistance bool) Result {
	r := Result{Document: h.Source, Highlight: h.Highlight}
	if r.ID == "" {
		r.ID = h.ID
	}
	if h.Score != nil {
		r.Score = *h.Score
	}
	if withDistance {
		r.Distance, _ = hitDistance(h)
	}
	return r
}

func toBuckets(agg aggregation) []Bucket {
	out := []Bucket{}
	for _, b := range agg.Buckets {
		out = append(out, Bucket{Key: fmt.Sprint(b.Key), Count: b.DocCount})
	}
	return out
}

func toFacets(aggs map[string]aggregation) *Facets {
	return &Facets{
		Categories:        toBuckets(aggs["categories"]),
		Regions:           toBuckets(aggs["regions"]),
		OrganizationTypes: toBuckets(aggs["organization_types"]),
		AgeGroups:         toBuckets(aggs["age_groups"]),
	}
}

// SearchServices runs a ranked, filtered search. Only active services are
// ever returned. q is normalized in place.
func (s *Service) SearchServices(ctx context.Context, q *SearchQuery) (*SearchResult, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	resp, err := s.search(ctx, "searchServices", buildSearchBody(q))
	if err != nil {
		s.Log.Errorf("op=searchServices query=%q err=%v", q.Text, err)
		return nil, err
	}

	result := &SearchResult{
		Services: []Result{},
		Total:    resp.Hits.Total.Value,
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	if resp.Hits.MaxScore != nil {
		result.MaxScore = *resp.Hits.MaxScore
	}
	for i := range resp.Hits.Hits {
		result.Services = append(result.Services, toResult(&resp.Hits.Hits[i], q.HasGeo()))
	}
	if q.Facets {
		result.Facets = toFacets(resp.Aggregations)
	}
	return result, nil
}

// GetSearchFacets returns bucket counts over everything that q matches,
// without fetching any hits.
func (s *Service) GetSearchFacets(ctx context.Context, q *SearchQuery) (*Facets, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	resp, err := s.search(ctx, "getSearchFacets", buildFacetsBody(q))
	if err != nil {
		s.Log.Errorf("op=getSearchFacets query=%q err=%v", q.Text, err)
		return nil, err
	}
	return toFacets(resp.Aggregations), nil
}

// GetNearbyServices returns active services within radius of (lat, lng),
// nearest first. An empty radius means DefaultNearbyRadius.
func (s *Service) GetNearbyServices(ctx context.Context, lat, lng float64, radius string, limit int) ([]Result, error) {
	n := nearbyQuery{Lat: lat, Lng: lng, Radius: radius, Limit: limit}
	if n.Radius == "" {
		n.Radius = DefaultNearbyRadius
	}
	if n.Limit == 0 {
		n.Limit = DefaultLimit
	}
	if err := validate.Struct(&n); err != nil {
		return nil, invalid(err)
	}
	resp, err := s.search(ctx, "getNearbyServices", buildNearbyBody(&n))
	if err != nil {
		s.Log.Errorf("op=getNearbyServices lat=%v lng=%v radius=%v err=%v", lat, lng, n.Radius, err)
		return nil, err
	}
	results := []Result{}
	for i := range resp.Hits.Hits {
		results = append(results, toResult(&resp.Hits.Hits[i], true))
	}
	return results, nil
}

// ParseSuggestionType maps "" to SuggestService
func ParseSuggestionType(s string) (SuggestionType, error) {
	if s == "" {
		return SuggestService, nil
	}
	t := SuggestionType(s)
	if _, ok := suggestionFieldsByType[t]; !ok {
		return "", fmt.Errorf("%w: type must be one of: service, organization, category", ErrInvalidQuery)
	}
	return t, nil
}

// GetAutocompleteSuggestions returns up to MaxSuggestions distinct strings of
// the given type that start with the words of text.
func (s *Service) GetAutocompleteSuggestions(ctx context.Context, text string, t SuggestionType) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}, nil
	}
	fields, ok := suggestionFieldsByType[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown suggestion type '%v'", ErrInvalidQuery, t)
	}
	resp, err := s.search(ctx, "getAutocompleteSuggestions", buildAutocompleteBody(text, fields))
	if err != nil {
		s.Log.Errorf("op=getAutocompleteSuggestions query=%q type=%v err=%v", text, t, err)
		return nil, err
	}

	seen := map[string]bool{}
	out := []string{}
	add := func(v string) {
		if v != "" && !seen[v] && len(out) < MaxSuggestions {
			seen[v] = true
			out = append(out, v)
		}
	}
	for i := range resp.Hits.Hits {
		h := &resp.Hits.Hits[i]
		switch t {
		case SuggestCategory:
			for _, c := range h.Source.Categories {
				if prefixMatches(text, c) {
					add(c)
				}
			}
		case SuggestOrganization:
			if v := collapsedValue(h, fields.collapse); v != "" {
				add(v)
			} else if h.Source.Organization != nil {
				add(h.Source.Organization.Name)
			}
		default:
			if v := collapsedValue(h, fields.collapse); v != "" {
				add(v)
			} else {
				add(h.Source.Name)
			}
		}
	}
	return out, nil
}

func collapsedValue(h *hit, field string) string {
	if v := h.Fields[field]; len(v) != 0 {
		if s, ok := v[0].(string); ok {
			return s
		}
	}
	return ""
}

// prefixMatches is true if every word of text starts some word of value
func prefixMatches(text, value string) bool {
	words := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool { return r == '_' || r == ' ' || r == '-' })
	for _, token := range strings.Fields(strings.ToLower(text)) {
		found := false
		for _, w := range words {
			if strings.HasPrefix(w, token) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IndexService writes the document for svc, replacing any previous version
func (s *Service) IndexService(ctx context.Context, svc *model.Service) error {
	if svc.ID == "" {
		return ErrMissingID
	}
	body, err := json.Marshal(ToDocument(svc))
	if err != nil {
		return err
	}
	res, err := s.ES.Index(
		s.Index,
		bytes.NewReader(body),
		s.ES.Index.WithDocumentID(svc.ID),
		s.ES.Index.WithContext(ctx),
	)
	if err := index.Check("indexService", res, err); err != nil {
		s.Log.Errorf("op=indexService id=%v err=%v", svc.ID, err)
		return err
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return nil
}

type BulkIndexFailure struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type BulkIndexResult struct {
	Indexed  int                `json:"indexed"`
	Failed   int                `json:"failed"`
	Failures []BulkIndexFailure `json:"failures,omitempty"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// BulkIndexServices writes all documents, reporting per-document outcomes.
// A document that Elasticsearch rejects does not fail the batch. An error is
// returned only if a bulk request as a whole could not be performed, in which
// case the counts cover the batches completed before it.
func (s *Service) BulkIndexServices(ctx context.Context, services []model.Service) (BulkIndexResult, error) {
	res := BulkIndexResult{}
	batchSize := s.BulkBatchSize
	if batchSize <= 0 {
		batchSize = DefaultBulkBatchSize
	}

	batch := []*model.Service{}
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.bulkIndex(ctx, batch, &res)
		batch = batch[:0]
		return err
	}
	for i := range services {
		svc := &services[i]
		if svc.ID == "" {
			res.Failed++
			res.Failures = append(res.Failures, BulkIndexFailure{Message: ErrMissingID.Error()})
			continue
		}
		batch = append(batch, svc)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	s.Log.Infof("op=bulkIndexServices total=%v indexed=%v failed=%v", len(services), res.Indexed, res.Failed)
	return res, nil
}

func (s *Service) bulkIndex(ctx context.Context, batch []*model.Service, res *BulkIndexResult) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, svc := range batch {
		action := object{"index": object{"_index": s.Index, "_id": svc.ID}}
		if err := enc.Encode(action); err != nil {
			return err
		}
		if err := enc.Encode(ToDocument(svc)); err != nil {
			return err
		}
	}

	r, err := s.ES.Bulk(&buf, s.ES.Bulk.WithContext(ctx), s.ES.Bulk.WithIndex(s.Index))
	if err := index.Check("bulkIndexServices", r, err); err != nil {
		s.Log.Errorf("op=bulkIndexServices count=%v err=%v", len(batch), err)
		return err
	}
	defer r.Body.Close()

	resp := bulkResponse{}
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		return &index.OperationError{Op: "bulkIndexServices", StatusCode: r.StatusCode, Message: "Invalid response body", Cause: err}
	}
	failures := []BulkIndexFailure{}
	for _, item := range resp.Items {
		for _, outcome := range item {
			if outcome.Error == nil && outcome.Status < 300 {
				res.Indexed++
				continue
			}
			msg := fmt.Sprintf("status %v", outcome.Status)
			if outcome.Error != nil {
				msg = outcome.Error.Type + ": " + outcome.Error.Reason
			}
			s.Log.Errorf("op=bulkIndexServices id=%v err=%v", outcome.ID, msg)
			failures = append(failures, BulkIndexFailure{ID: outcome.ID, Message: msg})
		}
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].ID < failures[j].ID })
	res.Failed += len(failures)
	res.Failures = append(res.Failures, failures...)
	return nil
}

// DeleteService removes the document with id. Deleting a document that is
// already absent succeeds.
func (s *Service) DeleteService(ctx context.Context, id string) error {
	res, err := s.ES.Delete(s.Index, id, s.ES.Delete.WithContext(ctx))
	if err := index.Check("deleteService", res, err); err != nil {
		if index.IsNotFound(err) {
			return nil
		}
		s.Log.Errorf("op=deleteService id=%v err=%v", id, err)
		return err
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return nil
}
