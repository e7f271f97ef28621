package query

import (
	"strings"

	"github.com/IMQS/service-finder/model"
)

type object = map[string]interface{}

// Boosted fields of the free-text match
var textFields = []string{
	"name^3",
	"name.autocomplete^2",
	"description^1.5",
	"organization.name^2",
	"search_text^1",
}

const geoField = "location.coordinates"

func activeFilter() object {
	return object{"term": object{"status": string(model.StatusActive)}}
}

func textQuery(text string) object {
	return object{
		"multi_match": object{
			"query":         text,
			"fields":        textFields,
			"type":          "best_fields",
			"fuzziness":     "AUTO",
			"prefix_length": 2,
		},
	}
}

// A declared bound that is absent counts as "serves everyone", so each
// requested bound is satisfied by either a missing field or an overlap.
func ageFilters(minAge, maxAge *int) []interface{} {
	filters := []interface{}{}
	if maxAge != nil {
		filters = append(filters, missingOr("age_range.minimum", object{"lte": *maxAge}))
	}
	if minAge != nil {
		filters = append(filters, missingOr("age_range.maximum", object{"gte": *minAge}))
	}
	return filters
}

func missingOr(field string, bound object) object {
	return object{
		"bool": object{
			"should": []interface{}{
				object{"bool": object{"must_not": object{"exists": object{"field": field}}}},
				object{"range": object{field: bound}},
			},
			"minimum_should_match": 1,
		},
	}
}

func geoPoint(lat, lng float64) object {
	return object{"lat": lat, "lon": lng}
}

func geoDistanceFilter(lat, lng float64, radius string) object {
	return object{
		"geo_distance": object{
			"distance": radius,
			geoField:   geoPoint(lat, lng),
		},
	}
}

func geoSort(lat, lng float64) object {
	return object{
		"_geo_distance": object{
			geoField:          geoPoint(lat, lng),
			"order":           "asc",
			"unit":            "km",
			"mode":            "min",
			"distance_type":   "arc",
			"ignore_unmapped": true,
		},
	}
}

// Status is always filtered, whatever else the caller asks for
func buildFilters(q *SearchQuery) []interface{} {
	filters := []interface{}{activeFilter()}
	if len(q.Categories) != 0 {
		filters = append(filters, object{"terms": object{"categories": q.Categories}})
	}
	if len(q.Regions) != 0 {
		regions := make([]string, len(q.Regions))
		for i, r := range q.Regions {
			regions[i] = strings.ToLower(r)
		}
		filters = append(filters, object{"terms": object{"location.region": regions}})
	}
	filters = append(filters, ageFilters(q.MinAge, q.MaxAge)...)
	if q.YouthSpecific != nil {
		filters = append(filters, object{"term": object{"youth_specific": *q.YouthSpecific}})
	}
	if q.IndigenousSpecific != nil {
		filters = append(filters, object{"term": object{"indigenous_specific": *q.IndigenousSpecific}})
	}
	if q.HasGeo() {
		filters = append(filters, geoDistanceFilter(*q.Lat, *q.Lng, q.Radius))
	}
	return filters
}

func buildQuery(q *SearchQuery) object {
	var must interface{} = object{"match_all": object{}}
	if q.Text != "" {
		must = textQuery(q.Text)
	}
	return object{
		"bool": object{
			"must":   must,
			"filter": buildFilters(q),
		},
	}
}

func desc(field string) object { return object{field: object{"order": "desc"}} }

func asc(field string) object { return object{field: object{"order": "asc"}} }

// When a search point is given, the geo sort is always the last sort key, so
// that every hit carries its distance in its final sort value.
func buildSort(q *SearchQuery) []interface{} {
	sort := []interface{}{}
	switch q.Sort {
	case SortDistance:
		if !q.HasGeo() {
			sort = append(sort, asc("name.raw"))
		}
	case SortName:
		sort = append(sort, asc("name.raw"))
	case SortUpdated:
		sort = append(sort, desc("updated_at"))
	case SortPopularity:
		sort = append(sort, desc("popularity_score"), desc("_score"))
	default:
		if q.Text != "" {
			sort = append(sort, desc("_score"), desc("quality_score"), desc("updated_at"))
		} else {
			sort = append(sort, desc("updated_at"))
		}
	}
	if q.HasGeo() {
		sort = append(sort, geoSort(*q.Lat, *q.Lng))
	}
	return sort
}

func highlight() object {
	return object{
		"pre_tags":  []string{"<mark>"},
		"post_tags": []string{"</mark>"},
		"fields": object{
			"name":              object{"number_of_fragments": 0},
			"description":       object{"fragment_size": 100, "number_of_fragments": 3},
			"organization.name": object{"number_of_fragments": 0},
		},
	}
}

// Age bands use half-open ranges, so a boundary age lands in exactly one band
func facetAggregations() object {
	return object{
		"categories":         object{"terms": object{"field": "categories", "size": 20}},
		"regions":            object{"terms": object{"field": "location.region", "size": 15}},
		"organization_types": object{"terms": object{"field": "organization.type", "size": 10}},
		"age_groups": object{
			"range": object{
				"field": "age_range.minimum",
				"ranges": []interface{}{
					object{"key": "children", "to": 13},
					object{"key": "youth", "from": 13, "to": 18},
					object{"key": "young_adults", "from": 18, "to": 26},
				},
			},
		},
	}
}

func buildSearchBody(q *SearchQuery) object {
	body := object{
		"query":            buildQuery(q),
		"sort":             buildSort(q),
		"from":             q.Offset,
		"size":             q.Limit,
		"track_total_hits": true,
		"track_scores":     true,
		"highlight":        highlight(),
	}
	if q.Facets {
		body["aggs"] = facetAggregations()
	}
	return body
}

func buildFacetsBody(q *SearchQuery) object {
	return object{
		"query": buildQuery(q),
		"size":  0,
		"aggs":  facetAggregations(),
	}
}

func buildNearbyBody(n *nearbyQuery) object {
	return object{
		"query": object{
			"bool": object{
				"filter": []interface{}{
					activeFilter(),
					geoDistanceFilter(n.Lat, n.Lng, n.Radius),
				},
			},
		},
		"sort": []interface{}{geoSort(n.Lat, n.Lng)},
		"size": n.Limit,
	}
}

type SuggestionType string

const (
	SuggestService      SuggestionType = "service"
	SuggestOrganization SuggestionType = "organization"
	SuggestCategory     SuggestionType = "category"
)

const MaxSuggestions = 10

type suggestionFields struct {
	match    string
	collapse string
	source   string
}

var suggestionFieldsByType = map[SuggestionType]suggestionFields{
	SuggestService:      {"name.autocomplete", "name.raw", "name"},
	SuggestOrganization: {"organization.name.autocomplete", "organization.name.raw", "organization.name"},
	SuggestCategory:     {"categories.autocomplete", "", "categories"},
}

func buildAutocompleteBody(text string, f suggestionFields) object {
	body := object{
		"query": object{
			"bool": object{
				"must": object{
					"match": object{
						f.match: object{"query": text, "operator": "and"},
					},
				},
				"filter": []interface{}{activeFilter()},
			},
		},
		"_source": []string{f.source},
		"size":    MaxSuggestions,
	}
	// Collapsing on the exact value means each suggestion string occurs once
	if f.collapse != "" {
		body["collapse"] = object{"field": f.collapse}
	} else {
		// Categories are multi-valued and cannot be collapsed, so fetch more
		body["size"] = MaxSuggestions * 5
	}
	return body
}
