// Package normalize turns loosely shaped scraped records into canonical services.
//
// Every field of RawRecord is optional. Normalize never fails: fields that are
// missing or cannot be parsed fall back to documented defaults, lower the
// completeness score, and are reported as quality flags.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IMQS/service-finder/model"
	"github.com/google/uuid"
)

// ErrCriticalFlag is returned by Check when a record must not be ingested
var ErrCriticalFlag = errors.New("Record has a critical quality flag")

const minNameLength = 3

type RawOrganization struct {
	ID                 *string `json:"id"`
	Name               *string `json:"name"`
	Description        *string `json:"description"`
	Type               *string `json:"type"`
	ABN                *string `json:"abn"`
	ACN                *string `json:"acn"`
	TaxID              *string `json:"tax_id"`
	Website            *string `json:"website"`
	VerificationStatus *string `json:"verification_status"`
}

// RawLocation accepts both lat/lng and latitude/longitude spellings
type RawLocation struct {
	Name      *string  `json:"name"`
	Address   *string  `json:"address"`
	Address1  *string  `json:"address_1"`
	Address2  *string  `json:"address_2"`
	City      *string  `json:"city"`
	State     *string  `json:"state"`
	Postcode  *string  `json:"postcode"`
	Country   *string  `json:"country"`
	Region    *string  `json:"region"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type RawContact struct {
	Name   *string  `json:"name"`
	Title  *string  `json:"title"`
	Email  *string  `json:"email"`
	Phone  *string  `json:"phone"`
	Phones []string `json:"phones"`
}

type RawAgeRange struct {
	Minimum *int `json:"minimum"`
	Maximum *int `json:"maximum"`
}

// RawRecord is the ingestion input contract. Only Name and DataSource are
// required for a record to be stored.
type RawRecord struct {
	ID                 *string          `json:"id"`
	Name               *string          `json:"name"`
	Description        *string          `json:"description"`
	Services           []string         `json:"services"`
	URL                *string          `json:"url"`
	Email              *string          `json:"email"`
	Phone              *string          `json:"phone"`
	Address            *string          `json:"address"`
	Status             *string          `json:"status"`
	Categories         []string         `json:"categories"`
	Keywords           []string         `json:"keywords"`
	Organization       *RawOrganization `json:"organization"`
	Location           *RawLocation     `json:"location"`
	Locations          []RawLocation    `json:"locations"`
	Contacts           []RawContact     `json:"contacts"`
	AgeRange           *RawAgeRange     `json:"age_range"`
	Ages               *string          `json:"ages"`
	YouthSpecific      *bool            `json:"youth_specific"`
	IndigenousSpecific *bool            `json:"indigenous_specific"`
	VerificationStatus *string          `json:"verification_status"`
	VerificationScore  *float64         `json:"verification_score"`
	DataSource         *string          `json:"data_source"`
	SourceID           *string          `json:"source_id"`
	SourceURL          *string          `json:"source_url"`
	LastVerified       *time.Time       `json:"last_verified"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func firstFloat(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

// Normalize converts r into a canonical service plus the quality flags found
// along the way. The flags are also attached to the returned service.
func Normalize(r RawRecord) (model.Service, []model.QualityFlag) {
	now := time.Now().UTC()
	s := model.Service{
		ID:                 str(r.ID),
		Name:               NormalizeText(str(r.Name)),
		Description:        NormalizeText(str(r.Description)),
		URL:                NormalizeURL(str(r.URL)),
		Email:              NormalizeEmail(str(r.Email)),
		Status:             model.Status(strings.ToLower(str(r.Status))),
		VerificationStatus: str(r.VerificationStatus),
		DataSource:         str(r.DataSource),
		SourceID:           str(r.SourceID),
		SourceURL:          NormalizeURL(str(r.SourceURL)),
		LastVerified:       r.LastVerified,
		Categories:         []string{},
		Keywords:           []string{},
		Locations:          []model.Location{},
		Contacts:           []model.Contact{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		s.ID = uuid.NewString()
	}
	allFlags := []model.QualityFlag{}
	switch {
	case s.Status == "":
		s.Status = model.StatusActive
	case !model.ValidStatus(s.Status):
		allFlags = append(allFlags, model.QualityFlag{
			Type:            model.FlagConsistency,
			Severity:        model.SeverityMedium,
			Field:           "status",
			Description:     fmt.Sprintf("Unknown status '%v'", s.Status),
			SuggestedAction: "Review before publishing",
		})
		s.Status = model.StatusPending
	}
	if s.VerificationStatus == "" {
		s.VerificationStatus = "unverified"
	}
	if r.VerificationScore != nil && *r.VerificationScore >= 0 && *r.VerificationScore <= 1 {
		s.VerificationScore = *r.VerificationScore
	}
	if s.Description == "" && len(r.Services) != 0 {
		parts := []string{}
		for _, sv := range r.Services {
			if sv = NormalizeText(sv); sv != "" {
				parts = append(parts, sv)
			}
		}
		s.Description = strings.Join(parts, ". ")
	}

	s.Organization = normalizeOrganization(r.Organization, s.DataSource)
	s.Locations = normalizeLocations(r)
	s.Contacts = normalizeContacts(r)
	s.Coverage = InferCoverage(s.SourceURL)

	governmentSourced := IsGovernmentDomain(s.SourceURL) || s.Organization.IsGovernment()
	if s.Organization != nil && s.Organization.Type == "" && governmentSourced {
		s.Organization.Type = model.OrganizationTypeGovernment
	}

	text := s.Name + " " + s.Description + " " + strings.Join(r.Services, " ")
	s.Categories = NormalizeCategories(r.Categories, text, governmentSourced)

	s.AgeRange, allFlags = normalizeAgeRange(r, allFlags)

	if r.YouthSpecific != nil {
		s.YouthSpecific = *r.YouthSpecific
	} else {
		s.YouthSpecific = containsAny(text, youthTerms) ||
			(s.AgeRange != nil && s.AgeRange.Maximum != nil && *s.AgeRange.Maximum <= 25)
	}
	if r.IndigenousSpecific != nil {
		s.IndigenousSpecific = *r.IndigenousSpecific
	} else {
		s.IndigenousSpecific = containsAny(text, indigenousTerms)
	}

	s.Keywords = mergeKeywords(r.Keywords, ExtractKeywords(s.Name+" "+s.Description))
	s.CompletenessScore = model.CompletenessScore(&s)
	s.ContentHash = ContentHash(s.Name + " " + s.Description + " " + s.OrganizationName())

	allFlags = append(allFlags, validate(&s, text)...)
	s.QualityFlags = allFlags
	return s, allFlags
}

// Check returns ErrCriticalFlag if any flag blocks ingestion
func Check(flags []model.QualityFlag) error {
	if f, ok := model.HasBlockingFlag(flags); ok {
		return fmt.Errorf("%w: %v", ErrCriticalFlag, f.Description)
	}
	return nil
}

func normalizeOrganization(r *RawOrganization, dataSource string) *model.Organization {
	if r == nil {
		return nil
	}
	o := &model.Organization{
		ID:                 str(r.ID),
		Name:               NormalizeOrganizationName(str(r.Name)),
		Description:        NormalizeText(str(r.Description)),
		Type:               strings.ToLower(str(r.Type)),
		ABN:                reNonDigit.ReplaceAllString(str(r.ABN), ""),
		ACN:                reNonDigit.ReplaceAllString(str(r.ACN), ""),
		TaxID:              str(r.TaxID),
		Website:            NormalizeURL(str(r.Website)),
		VerificationStatus: str(r.VerificationStatus),
		DataSource:         dataSource,
	}
	if o.Name == "" {
		return nil
	}
	if o.VerificationStatus == "" {
		o.VerificationStatus = "unverified"
	}
	return o
}

func normalizeLocation(r RawLocation) (model.Location, bool) {
	l := model.Location{
		Name:          NormalizeText(str(r.Name)),
		AddressLine1:  NormalizeText(str(r.Address1)),
		AddressLine2:  NormalizeText(str(r.Address2)),
		City:          NormalizeText(str(r.City)),
		StateProvince: strings.ToUpper(str(r.State)),
		PostalCode:    str(r.Postcode),
		Country:       str(r.Country),
		Region:        strings.ToLower(str(r.Region)),
		Latitude:      firstFloat(r.Lat, r.Latitude),
		Longitude:     firstFloat(r.Lng, r.Longitude),
	}
	if addr := str(r.Address); addr != "" && l.AddressLine1 == "" {
		a := ParseAddress(addr)
		l.AddressLine1 = a.Street
		if l.City == "" {
			l.City = a.Suburb
		}
		if l.StateProvince == "" {
			l.StateProvince = a.State
		}
		if l.PostalCode == "" {
			l.PostalCode = a.Postcode
		}
	}
	// Out of range coordinates are dropped rather than indexed as a bad geo_point
	if l.HasCoordinates() && (*l.Latitude < -90 || *l.Latitude > 90 || *l.Longitude < -180 || *l.Longitude > 180) {
		l.Latitude, l.Longitude = nil, nil
	}
	if l.Latitude == nil || l.Longitude == nil {
		l.Latitude, l.Longitude = nil, nil
	}
	if l.Country == "" {
		l.Country = "AU"
	}
	empty := !l.HasAddress() && !l.HasCoordinates() && l.StateProvince == "" && l.PostalCode == "" && l.Region == ""
	return l, !empty
}

func normalizeLocations(r RawRecord) []model.Location {
	raw := []RawLocation{}
	if r.Location != nil {
		raw = append(raw, *r.Location)
	}
	raw = append(raw, r.Locations...)
	if len(raw) == 0 && str(r.Address) != "" {
		raw = append(raw, RawLocation{Address: r.Address})
	}
	out := []model.Location{}
	for _, rl := range raw {
		if l, ok := normalizeLocation(rl); ok {
			out = append(out, l)
		}
	}
	return out
}

func normalizeContacts(r RawRecord) []model.Contact {
	out := []model.Contact{}
	for _, rc := range r.Contacts {
		c := model.Contact{
			Name:  NormalizeText(str(rc.Name)),
			Title: NormalizeText(str(rc.Title)),
			Email: NormalizeEmail(str(rc.Email)),
		}
		numbers := append([]string{str(rc.Phone)}, rc.Phones...)
		for _, n := range numbers {
			if n = NormalizePhone(n); n != "" {
				c.Phones = append(c.Phones, model.Phone{Number: n, Type: phoneType(n)})
			}
		}
		if c.Name != "" || c.Email != "" || len(c.Phones) != 0 {
			out = append(out, c)
		}
	}
	if phone := NormalizePhone(str(r.Phone)); phone != "" {
		out = append(out, model.Contact{Phones: []model.Phone{{Number: phone, Type: phoneType(phone)}}})
	}
	return out
}

func phoneType(formatted string) string {
	if strings.HasPrefix(formatted, "04") {
		return "mobile"
	}
	return "voice"
}

func normalizeAgeRange(r RawRecord, flags []model.QualityFlag) (*model.AgeRange, []model.QualityFlag) {
	a := &model.AgeRange{}
	if r.AgeRange != nil {
		a.Minimum, a.Maximum = r.AgeRange.Minimum, r.AgeRange.Maximum
		for _, bound := range []**int{&a.Minimum, &a.Maximum} {
			if *bound != nil && !ValidAge(**bound) {
				*bound = nil
				flags = append(flags, model.QualityFlag{
					Type:            model.FlagConsistency,
					Severity:        model.SeverityMedium,
					Field:           "age_range",
					Description:     fmt.Sprintf("Age bound outside 0..%v was dropped", MaxAge),
					SuggestedAction: "Verify age eligibility",
				})
			}
		}
	} else if ages := str(r.Ages); ages != "" {
		min, max, ok := ParseAgeRange(ages)
		if !ok {
			flags = append(flags, model.QualityFlag{
				Type:            model.FlagConsistency,
				Severity:        model.SeverityLow,
				Field:           "age_range",
				Description:     "Age eligibility text could not be parsed",
				SuggestedAction: "Record the age range manually",
			})
		}
		a.Minimum, a.Maximum = min, max
	}
	if !a.IsSet() {
		return nil, flags
	}
	if a.Minimum != nil && a.Maximum != nil && *a.Minimum > *a.Maximum {
		flags = append(flags, model.QualityFlag{
			Type:            model.FlagConsistency,
			Severity:        model.SeverityMedium,
			Field:           "age_range",
			Description:     "Minimum age is greater than maximum age",
			SuggestedAction: "Verify age eligibility",
		})
		return nil, flags
	}
	return a, flags
}

func mergeKeywords(given, extracted []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, list := range [][]string{given, extracted} {
		for _, k := range list {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" || seen[k] || len(out) >= maxKeywords {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func validate(s *model.Service, text string) []model.QualityFlag {
	flags := []model.QualityFlag{}
	if len([]rune(s.Name)) < minNameLength {
		flags = append(flags, model.QualityFlag{
			Type:            model.FlagCompleteness,
			Severity:        model.SeverityCritical,
			Field:           "name",
			Description:     "Service name is missing or too short",
			SuggestedAction: "Manual review required",
		})
	}
	if s.Organization.IsGovernment() {
		website := s.Organization.Website
		if website == "" {
			website = s.URL
		}
		if website != "" && !IsGovernmentDomain(website) {
			flags = append(flags, model.QualityFlag{
				Type:            model.FlagAccuracy,
				Severity:        model.SeverityMedium,
				Field:           "organization.website",
				Description:     "Website URL does not appear to be an official government domain",
				SuggestedAction: "Verify official status",
			})
		}
	}
	if !s.HasPhone() && !s.HasEmail() {
		flags = append(flags, model.QualityFlag{
			Type:            model.FlagCompleteness,
			Severity:        model.SeverityHigh,
			Field:           "contacts",
			Description:     "No contact information (email or phone) found",
			SuggestedAction: "Search for contact details on main website",
			AutoResolvable:  true,
		})
	}
	if len(s.Categories) == 0 {
		flags = append(flags, model.QualityFlag{
			Type:            model.FlagRelevance,
			Severity:        model.SeverityMedium,
			Field:           "categories",
			Description:     "No service categories identified",
			SuggestedAction: "Review service offerings",
		})
	}
	if !IsYouthJusticeRelevant(text + " " + strings.Join(s.Categories, " ")) {
		flags = append(flags, model.QualityFlag{
			Type:            model.FlagRelevance,
			Severity:        model.SeverityHigh,
			Field:           "description",
			Description:     "No youth justice relevant services identified",
			SuggestedAction: "Verify organization focus area",
		})
	}
	if !s.HasAddress() && !s.HasCoordinates() && s.Coverage == nil {
		flags = append(flags, model.QualityFlag{
			Type:            model.FlagCompleteness,
			Severity:        model.SeverityMedium,
			Field:           "locations",
			Description:     "No geographical information found",
			SuggestedAction: "Extract location data from website",
			AutoResolvable:  true,
		})
	}
	return flags
}
