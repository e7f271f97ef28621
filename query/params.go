package query

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidQuery = errors.New("Invalid search query")

type Sort string

const (
	SortRelevance  Sort = "relevance"
	SortDistance   Sort = "distance"
	SortName       Sort = "name"
	SortUpdated    Sort = "updated"
	SortPopularity Sort = "popularity"
)

const (
	DefaultRadius       = "50km"
	DefaultNearbyRadius = "10km"
	DefaultLimit        = 20
	MaxLimit            = 100
)

// SearchQuery holds every filter the search operation accepts. Nil pointers
// and empty slices mean "no filter".
type SearchQuery struct {
	Text               string   `query:"q" validate:"max=500"`
	Categories         []string `query:"categories" validate:"max=20,dive,required"`
	Regions            []string `query:"regions" validate:"max=20,dive,required"`
	MinAge             *int     `query:"min_age" validate:"omitempty,min=0,max=99"`
	MaxAge             *int     `query:"max_age" validate:"omitempty,min=0,max=99"`
	YouthSpecific      *bool    `query:"youth_specific"`
	IndigenousSpecific *bool    `query:"indigenous_specific"`
	Lat                *float64 `query:"lat" validate:"omitempty,min=-90,max=90"`
	Lng                *float64 `query:"lng" validate:"omitempty,min=-180,max=180"`
	Radius             string   `query:"radius" validate:"distance"`
	Limit              int      `query:"limit" validate:"min=1,max=100"`
	Offset             int      `query:"offset" validate:"min=0,max=10000"`
	Sort               Sort     `query:"sort" validate:"oneof=relevance distance name updated popularity"`

	// Facets adds facet aggregations over the matching set to the result
	Facets bool `query:"-"`
}

// HasGeo is true if a search point was given
func (q *SearchQuery) HasGeo() bool {
	return q.Lat != nil && q.Lng != nil
}

func (q *SearchQuery) applyDefaults() {
	q.Text = strings.TrimSpace(q.Text)
	if q.Radius == "" {
		q.Radius = DefaultRadius
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Sort == "" {
		q.Sort = SortRelevance
	}
}

// Normalize fills defaults, then validates
func (q *SearchQuery) Normalize() error {
	q.applyDefaults()
	if err := validate.Struct(q); err != nil {
		return invalid(err)
	}
	if (q.Lat == nil) != (q.Lng == nil) {
		return fmt.Errorf("%w: lat and lng must be given together", ErrInvalidQuery)
	}
	if q.MinAge != nil && q.MaxAge != nil && *q.MinAge > *q.MaxAge {
		return fmt.Errorf("%w: min_age must not be greater than max_age", ErrInvalidQuery)
	}
	return nil
}

type nearbyQuery struct {
	Lat    float64 `query:"lat" validate:"min=-90,max=90"`
	Lng    float64 `query:"lng" validate:"min=-180,max=180"`
	Radius string  `query:"radius" validate:"distance"`
	Limit  int     `query:"limit" validate:"min=1,max=100"`
}

var distanceRE = regexp.MustCompile(`^\d+(\.\d+)?(km|m|mi)$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("query"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("distance", func(fl validator.FieldLevel) bool {
		return distanceRE.MatchString(fl.Field().String())
	})
	return v
}

func invalid(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	msgs := []string{}
	for _, fe := range ve {
		switch fe.Tag() {
		case "min":
			msgs = append(msgs, fe.Field()+" must be at least "+fe.Param())
		case "max":
			msgs = append(msgs, fe.Field()+" must be at most "+fe.Param())
		case "oneof":
			msgs = append(msgs, fe.Field()+" must be one of: "+strings.ReplaceAll(fe.Param(), " ", ", "))
		case "distance":
			msgs = append(msgs, fe.Field()+" must be a distance such as 10km")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidQuery, strings.Join(msgs, "; "))
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSearchQuery reads the HTTP query parameters of a search request.
// Malformed numbers are reported, not ignored.
func ParseSearchQuery(v url.Values) (SearchQuery, error) {
	q := SearchQuery{
		Text:   v.Get("q"),
		Radius: v.Get("radius"),
		Sort:   Sort(v.Get("sort")),
	}
	if c := v.Get("categories"); c != "" {
		q.Categories = splitList(c)
	}
	if r := v.Get("regions"); r != "" {
		q.Regions = splitList(r)
	}

	var err error
	if q.MinAge, err = optInt(v, "min_age"); err != nil {
		return q, err
	}
	if q.MaxAge, err = optInt(v, "max_age"); err != nil {
		return q, err
	}
	if q.YouthSpecific, err = optBool(v, "youth_specific"); err != nil {
		return q, err
	}
	if q.IndigenousSpecific, err = optBool(v, "indigenous_specific"); err != nil {
		return q, err
	}
	if q.Lat, err = optFloat(v, "lat"); err != nil {
		return q, err
	}
	if q.Lng, err = optFloat(v, "lng"); err != nil {
		return q, err
	}
	if p, err := optInt(v, "limit"); err != nil {
		return q, err
	} else if p != nil {
		q.Limit = *p
	}
	if p, err := optInt(v, "offset"); err != nil {
		return q, err
	} else if p != nil {
		q.Offset = *p
	}
	return q, q.Normalize()
}

func optInt(v url.Values, key string) (*int, error) {
	s := strings.TrimSpace(v.Get(key))
	if s == "" {
		return nil, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v must be an integer", ErrInvalidQuery, key)
	}
	return &i, nil
}

func optFloat(v url.Values, key string) (*float64, error) {
	s := strings.TrimSpace(v.Get(key))
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v must be a number", ErrInvalidQuery, key)
	}
	return &f, nil
}

func optBool(v url.Values, key string) (*bool, error) {
	s := strings.TrimSpace(v.Get(key))
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v must be true or false", ErrInvalidQuery, key)
	}
	return &b, nil
}
