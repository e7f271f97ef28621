// Package model holds the canonical service directory types shared by the
// normalizer, the relational store and the search index.
package model

import (
	"strings"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
)

// ValidStatus returns true if s is one of the three lifecycle states
func ValidStatus(s Status) bool {
	return s == StatusActive || s == StatusInactive || s == StatusPending
}

const OrganizationTypeGovernment = "government"

type Organization struct {
	ID                 string `json:"id,omitempty"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Type               string `json:"type,omitempty"`
	ABN                string `json:"abn,omitempty"`
	ACN                string `json:"acn,omitempty"`
	TaxID              string `json:"tax_id,omitempty"`
	Website            string `json:"website,omitempty"`
	VerificationStatus string `json:"verification_status,omitempty"`
	DataSource         string `json:"data_source,omitempty"`
}

func (o *Organization) IsGovernment() bool {
	return o != nil && strings.EqualFold(o.Type, OrganizationTypeGovernment)
}

type Location struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name,omitempty"`
	AddressLine1  string   `json:"address_1,omitempty"`
	AddressLine2  string   `json:"address_2,omitempty"`
	City          string   `json:"city,omitempty"`
	StateProvince string   `json:"state_province,omitempty"`
	PostalCode    string   `json:"postal_code,omitempty"`
	Country       string   `json:"country,omitempty"`
	Region        string   `json:"region,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

func (l *Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

func (l *Location) HasAddress() bool {
	return strings.TrimSpace(l.AddressLine1) != "" || strings.TrimSpace(l.City) != ""
}

type Phone struct {
	Number string `json:"number"`
	Type   string `json:"type,omitempty"`
}

type Contact struct {
	ID     string  `json:"id,omitempty"`
	Name   string  `json:"name,omitempty"`
	Title  string  `json:"title,omitempty"`
	Email  string  `json:"email,omitempty"`
	Phones []Phone `json:"phone,omitempty"`
}

// AgeRange bounds are inclusive. A nil bound is open.
type AgeRange struct {
	Minimum *int `json:"minimum,omitempty"`
	Maximum *int `json:"maximum,omitempty"`
}

func (a *AgeRange) IsSet() bool {
	return a != nil && (a.Minimum != nil || a.Maximum != nil)
}

type CoverageType string

const (
	CoverageLocal    CoverageType = "local"
	CoverageRegional CoverageType = "regional"
	CoverageState    CoverageType = "state"
	CoverageNational CoverageType = "national"
	CoverageOnline   CoverageType = "online"
)

// Coverage is the geographic reach of a service, as opposed to its physical locations
type Coverage struct {
	Type   CoverageType `json:"type"`
	States []string     `json:"states,omitempty"`
}

// Service is the central directory entity. (Name, DataSource) is its natural key.
type Service struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	URL                string        `json:"url,omitempty"`
	Email              string        `json:"email,omitempty"`
	Status             Status        `json:"status"`
	Categories         []string      `json:"categories"`
	Keywords           []string      `json:"keywords"`
	Organization       *Organization `json:"organization,omitempty"`
	Locations          []Location    `json:"locations"`
	Contacts           []Contact     `json:"contacts"`
	AgeRange           *AgeRange     `json:"age_range,omitempty"`
	Coverage           *Coverage     `json:"coverage,omitempty"`
	YouthSpecific      bool          `json:"youth_specific"`
	IndigenousSpecific bool          `json:"indigenous_specific"`
	CompletenessScore  float64       `json:"completeness_score"`
	VerificationStatus string        `json:"verification_status,omitempty"`
	VerificationScore  float64       `json:"verification_score"`
	DataSource         string        `json:"data_source"`
	SourceID           string        `json:"source_id,omitempty"`
	SourceURL          string        `json:"source_url,omitempty"`
	ContentHash        string        `json:"content_hash,omitempty"`
	QualityFlags       []QualityFlag `json:"quality_flags,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	LastVerified       *time.Time    `json:"last_verified,omitempty"`
}

func (s *Service) HasPhone() bool {
	for _, c := range s.Contacts {
		for _, p := range c.Phones {
			if strings.TrimSpace(p.Number) != "" {
				return true
			}
		}
	}
	return false
}

func (s *Service) HasEmail() bool {
	if strings.TrimSpace(s.Email) != "" {
		return true
	}
	for _, c := range s.Contacts {
		if strings.TrimSpace(c.Email) != "" {
			return true
		}
	}
	return false
}

func (s *Service) HasAddress() bool {
	for i := range s.Locations {
		if s.Locations[i].HasAddress() {
			return true
		}
	}
	return false
}

func (s *Service) HasCoordinates() bool {
	for i := range s.Locations {
		if s.Locations[i].HasCoordinates() {
			return true
		}
	}
	return false
}

func (s *Service) OrganizationName() string {
	if s.Organization == nil {
		return ""
	}
	return s.Organization.Name
}

// completenessSignals is the denominator of CompletenessScore
const completenessSignals = 9

// CompletenessScore returns the fraction of the nine completeness signals that
// are populated on s. It is always computed from current field values.
func CompletenessScore(s *Service) float64 {
	n := 0
	if strings.TrimSpace(s.Name) != "" {
		n++
	}
	if len(strings.TrimSpace(s.Description)) > 50 {
		n++
	}
	if len(s.Categories) > 0 {
		n++
	}
	if s.HasPhone() {
		n++
	}
	if s.HasEmail() {
		n++
	}
	if s.HasAddress() {
		n++
	}
	if s.HasCoordinates() {
		n++
	}
	if strings.TrimSpace(s.OrganizationName()) != "" {
		n++
	}
	if s.AgeRange.IsSet() {
		n++
	}
	return float64(n) / completenessSignals
}
