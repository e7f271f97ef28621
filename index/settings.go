package index

// Analyzer names, used by the query builder
const (
	AnalyzerBody               = "service_text"
	AnalyzerAutocomplete       = "autocomplete"
	AnalyzerAutocompleteSearch = "autocomplete_search"
)

// MappingVersion changes whenever Mappings or the analyzers change shape
const MappingVersion = 2

// DefaultSynonymsVersion identifies DefaultSynonyms
const DefaultSynonymsVersion = "2024-1"

// DefaultSynonyms are Solr-format equivalence rules. Every term in a rule
// expands to every other term, at index time and at query time.
var DefaultSynonyms = []string{
	"youth, young people, adolescent, teenager",
	"legal aid, lawyer, attorney, solicitor",
	"mental health, psychology, counselling, therapy",
	"accommodation, housing, shelter",
	"indigenous, aboriginal, torres strait islander, atsi",
}

const (
	autocompleteMinGram = 2
	autocompleteMaxGram = 20
)

// Settings returns the index settings. The synonym filter is the last step
// of the body analyzer, so synonym rules pass through the same stemming as
// the text they are matched against.
func Settings(synonyms []string) map[string]interface{} {
	if len(synonyms) == 0 {
		synonyms = DefaultSynonyms
	}
	return map[string]interface{}{
		"number_of_shards":   1,
		"number_of_replicas": 0,
		"analysis": map[string]interface{}{
			// Category codes such as legal_support are single tokens to the standard tokenizer
			"char_filter": map[string]interface{}{
				"underscore_to_space": map[string]interface{}{
					"type":     "mapping",
					"mappings": []string{`_ => \u0020`},
				},
			},
			"filter": map[string]interface{}{
				"service_synonyms": map[string]interface{}{
					"type":     "synonym",
					"synonyms": synonyms,
				},
				"service_stemmer": map[string]interface{}{
					"type":     "snowball",
					"language": "English",
				},
				"autocomplete_filter": map[string]interface{}{
					"type":     "edge_ngram",
					"min_gram": autocompleteMinGram,
					"max_gram": autocompleteMaxGram,
				},
			},
			"analyzer": map[string]interface{}{
				AnalyzerBody: map[string]interface{}{
					"type":      "custom",
					"tokenizer": "standard",
					"filter":    []string{"lowercase", "stop", "service_stemmer", "service_synonyms"},
				},
				AnalyzerAutocomplete: map[string]interface{}{
					"type":        "custom",
					"char_filter": []string{"underscore_to_space"},
					"tokenizer":   "standard",
					"filter":      []string{"lowercase", "autocomplete_filter"},
				},
				AnalyzerAutocompleteSearch: map[string]interface{}{
					"type":        "custom",
					"char_filter": []string{"underscore_to_space"},
					"tokenizer":   "standard",
					"filter":      []string{"lowercase"},
				},
			},
		},
	}
}

func keyword() map[string]interface{} {
	return map[string]interface{}{"type": "keyword"}
}

func text() map[string]interface{} {
	return map[string]interface{}{"type": "text", "analyzer": AnalyzerBody}
}

func autocomplete() map[string]interface{} {
	return map[string]interface{}{
		"type":            "text",
		"analyzer":        AnalyzerAutocomplete,
		"search_analyzer": AnalyzerAutocompleteSearch,
	}
}

// A full-text field with an exact .raw keyword and a prefix .autocomplete
func textRawAutocomplete() map[string]interface{} {
	f := text()
	f["fields"] = map[string]interface{}{
		"raw":          map[string]interface{}{"type": "keyword", "ignore_above": 256},
		"autocomplete": autocomplete(),
	}
	return f
}

func typed(t string) map[string]interface{} {
	return map[string]interface{}{"type": t}
}

// Properties is the field mapping of a service document
func Properties() map[string]interface{} {
	categories := keyword()
	categories["fields"] = map[string]interface{}{"autocomplete": autocomplete()}

	return map[string]interface{}{
		"id":          keyword(),
		"name":        textRawAutocomplete(),
		"description": text(),
		"search_text": text(),
		"categories":  categories,
		"keywords":    keyword(),
		"url":         map[string]interface{}{"type": "keyword", "index": false},
		"email":       map[string]interface{}{"type": "keyword", "index": false},
		"status":      keyword(),
		"organization": map[string]interface{}{
			"properties": map[string]interface{}{
				"id":   keyword(),
				"name": textRawAutocomplete(),
				"type": keyword(),
			},
		},
		"location": map[string]interface{}{
			"properties": map[string]interface{}{
				"address":     text(),
				"city":        keyword(),
				"state":       keyword(),
				"postcode":    keyword(),
				"region":      keyword(),
				"coordinates": typed("geo_point"),
			},
		},
		"contacts": map[string]interface{}{"type": "object", "enabled": false},
		"age_range": map[string]interface{}{
			"properties": map[string]interface{}{
				"minimum": typed("integer"),
				"maximum": typed("integer"),
			},
		},
		"youth_specific":      typed("boolean"),
		"indigenous_specific": typed("boolean"),
		"has_contact":         typed("boolean"),
		"data_source":         keyword(),
		"verification_status": keyword(),
		"completeness_score":  typed("float"),
		"popularity_score":    typed("float"),
		"quality_score":       typed("float"),
		"created_at":          typed("date"),
		"updated_at":          typed("date"),
		"last_verified":       typed("date"),
	}
}

// Meta is stored in the mapping's _meta, so that a running cluster can be
// checked against the configuration that built it.
func Meta(synonymsVersion string) map[string]interface{} {
	if synonymsVersion == "" {
		synonymsVersion = DefaultSynonymsVersion
	}
	return map[string]interface{}{
		"mapping_version":  MappingVersion,
		"synonyms_version": synonymsVersion,
	}
}

// Mappings returns the complete mapping document. Unknown fields are ignored
// rather than dynamically mapped.
func Mappings(synonymsVersion string) map[string]interface{} {
	return map[string]interface{}{
		"dynamic":    false,
		"_meta":      Meta(synonymsVersion),
		"properties": Properties(),
	}
}

// Definition is the body of a create-index request
func Definition(synonymsVersion string, synonyms []string) map[string]interface{} {
	return map[string]interface{}{
		"settings": Settings(synonyms),
		"mappings": Mappings(synonymsVersion),
	}
}
