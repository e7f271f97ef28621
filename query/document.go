package query

import (
	"strings"
	"time"

	"github.com/IMQS/service-finder/model"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type DocOrganization struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type DocLocation struct {
	Address     string    `json:"address,omitempty"`
	City        string    `json:"city,omitempty"`
	State       string    `json:"state,omitempty"`
	Postcode    string    `json:"postcode,omitempty"`
	Region      string    `json:"region,omitempty"`
	Coordinates *GeoPoint `json:"coordinates,omitempty"`
}

type DocContact struct {
	Name   string   `json:"name,omitempty"`
	Title  string   `json:"title,omitempty"`
	Email  string   `json:"email,omitempty"`
	Phones []string `json:"phones,omitempty"`
}

// DocAgeRange omits an unset bound entirely, so that "exists" queries can
// tell an open bound from zero.
type DocAgeRange struct {
	Minimum *int `json:"minimum,omitempty"`
	Maximum *int `json:"maximum,omitempty"`
}

// Document is a Service as it is stored in the search index
type Document struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Description        string           `json:"description"`
	SearchText         string           `json:"search_text"`
	Categories         []string         `json:"categories"`
	Keywords           []string         `json:"keywords"`
	URL                string           `json:"url,omitempty"`
	Email              string           `json:"email,omitempty"`
	Status             string           `json:"status"`
	Organization       *DocOrganization `json:"organization,omitempty"`
	Location           []DocLocation    `json:"location"`
	Contacts           []DocContact     `json:"contacts"`
	AgeRange           *DocAgeRange     `json:"age_range,omitempty"`
	YouthSpecific      bool             `json:"youth_specific"`
	IndigenousSpecific bool             `json:"indigenous_specific"`
	HasContact         bool             `json:"has_contact"`
	DataSource         string           `json:"data_source"`
	VerificationStatus string           `json:"verification_status,omitempty"`
	CompletenessScore  float64          `json:"completeness_score"`
	PopularityScore    float64          `json:"popularity_score"`
	QualityScore       float64          `json:"quality_score"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	LastVerified       *time.Time       `json:"last_verified,omitempty"`
}

// QualityScore is the completeness of s, recomputed from its current fields
func QualityScore(s *model.Service) float64 {
	return model.CompletenessScore(s)
}

// PopularityScore is a ranking prior that rewards institutional provenance
// and reachability. It is not derived from usage.
func PopularityScore(s *model.Service) float64 {
	score := 1.0
	if s.Organization.IsGovernment() {
		score += 0.3
	}
	if s.YouthSpecific {
		score += 0.2
	}
	if s.HasPhone() || s.HasEmail() {
		score += 0.1
	}
	if s.HasCoordinates() {
		score += 0.1
	}
	return score
}

func searchText(s *model.Service) string {
	parts := []string{s.Name, s.Description, s.OrganizationName()}
	parts = append(parts, s.Categories...)
	parts = append(parts, s.Keywords...)
	nonEmpty := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

func docLocation(l *model.Location) DocLocation {
	address := strings.TrimSpace(strings.Join([]string{l.AddressLine1, l.AddressLine2}, " "))
	d := DocLocation{
		Address:  address,
		City:     l.City,
		State:    strings.ToUpper(l.StateProvince),
		Postcode: l.PostalCode,
		Region:   strings.ToLower(l.Region),
	}
	if d.Region == "" {
		d.Region = strings.ToLower(l.StateProvince)
	}
	if l.HasCoordinates() {
		d.Coordinates = &GeoPoint{Lat: *l.Latitude, Lon: *l.Longitude}
	}
	return d
}

// ToDocument flattens s for indexing. Both scores are computed here and never
// copied from s.
func ToDocument(s *model.Service) Document {
	d := Document{
		ID:                 s.ID,
		Name:               s.Name,
		Description:        s.Description,
		SearchText:         searchText(s),
		Categories:         append([]string{}, s.Categories...),
		Keywords:           append([]string{}, s.Keywords...),
		URL:                s.URL,
		Email:              s.Email,
		Status:             string(s.Status),
		Location:           []DocLocation{},
		Contacts:           []DocContact{},
		YouthSpecific:      s.YouthSpecific,
		IndigenousSpecific: s.IndigenousSpecific,
		HasContact:         s.HasPhone() || s.HasEmail(),
		DataSource:         s.DataSource,
		VerificationStatus: s.VerificationStatus,
		CompletenessScore:  model.CompletenessScore(s),
		PopularityScore:    PopularityScore(s),
		QualityScore:       QualityScore(s),
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		LastVerified:       s.LastVerified,
	}
	if d.Status == "" {
		d.Status = string(model.StatusActive)
	}
	if s.Organization != nil && s.Organization.Name != "" {
		d.Organization = &DocOrganization{ID: s.Organization.ID, Name: s.Organization.Name, Type: s.Organization.Type}
	}
	for i := range s.Locations {
		d.Location = append(d.Location, docLocation(&s.Locations[i]))
	}
	for _, c := range s.Contacts {
		dc := DocContact{Name: c.Name, Title: c.Title, Email: c.Email}
		for _, p := range c.Phones {
			dc.Phones = append(dc.Phones, p.Number)
		}
		d.Contacts = append(d.Contacts, dc)
	}
	if s.AgeRange.IsSet() {
		d.AgeRange = &DocAgeRange{Minimum: s.AgeRange.Minimum, Maximum: s.AgeRange.Maximum}
	}
	return d
}
