package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompletenessScore(t *testing.T) {
	lat, lng := -27.47, 153.02
	min := 10
	s := &Service{}
	assert.Equal(t, 0.0, CompletenessScore(s))

	s.Name = "Brisbane Youth Legal Centre"
	s.Description = strings.Repeat("x", 50)
	assert.InDelta(t, 1.0/9, CompletenessScore(s), 1e-9, "a description of exactly 50 characters does not count")

	s.Description += "y"
	s.Categories = []string{"legal_support"}
	s.Contacts = []Contact{{Email: "a@b.org", Phones: []Phone{{Number: "(07) 3000 1234"}}}}
	s.Locations = []Location{{AddressLine1: "1 George St", Latitude: &lat, Longitude: &lng}}
	s.Organization = &Organization{Name: "Legal Aid Queensland"}
	s.AgeRange = &AgeRange{Minimum: &min}
	assert.Equal(t, 1.0, CompletenessScore(s))

	s.AgeRange = &AgeRange{}
	assert.InDelta(t, 8.0/9, CompletenessScore(s), 1e-9, "an empty age range is not a declared range")
}

func TestHalfCoordinatesAreNotAGeoPoint(t *testing.T) {
	lat := -27.0
	l := Location{Latitude: &lat}
	assert.False(t, l.HasCoordinates())
}

func TestBlockingFlag(t *testing.T) {
	flags := []QualityFlag{
		{Type: FlagCompleteness, Severity: SeverityCritical, Field: "contacts"},
		{Type: FlagRelevance, Severity: SeverityHigh, Field: "name"},
	}
	_, ok := HasBlockingFlag(flags)
	assert.False(t, ok)

	flags = append(flags, QualityFlag{Type: FlagCompleteness, Severity: SeverityCritical, Field: "name"})
	f, ok := HasBlockingFlag(flags)
	assert.True(t, ok)
	assert.Equal(t, "name", f.Field)
}

func TestGovernmentOrganization(t *testing.T) {
	var o *Organization
	assert.False(t, o.IsGovernment())
	assert.True(t, (&Organization{Type: "Government"}).IsGovernment())
}
