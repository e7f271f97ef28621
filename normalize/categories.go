package normalize

import (
	"net/url"
	"strings"

	"github.com/IMQS/service-finder/model"
)

// Controlled category vocabulary
const (
	CategoryLegalSupport       = "legal_support"
	CategoryHousingSupport     = "housing_support"
	CategoryMentalHealth       = "mental_health"
	CategoryEducationTraining  = "education_training"
	CategoryEmploymentSupport  = "employment_support"
	CategoryFamilySupport      = "family_support"
	CategorySubstanceAbuse     = "substance_abuse"
	CategoryCrisisIntervention = "crisis_intervention"
	CategoryAdvocacy           = "advocacy"
	CategoryCulturalSupport    = "cultural_support"
)

type categoryRule struct {
	category string
	terms    []string
}

// Rules are evaluated in order. A text may match several rules.
var categoryRules = []categoryRule{
	{CategoryLegalSupport, []string{"legal", "court", "lawyer", "solicitor"}},
	{CategoryHousingSupport, []string{"housing", "accommodation", "homeless", "shelter"}},
	{CategoryMentalHealth, []string{"mental health", "counselling", "counseling", "psycholog", "therapy", "wellbeing"}},
	{CategoryEducationTraining, []string{"education", "training", "school", "vocational"}},
	{CategoryEmploymentSupport, []string{"employment", "job"}},
	{CategoryFamilySupport, []string{"family", "parent", "carer"}},
	{CategorySubstanceAbuse, []string{"substance", "alcohol", "drug", "addiction"}},
	{CategoryCrisisIntervention, []string{"crisis", "emergency"}},
	{CategoryAdvocacy, []string{"advocacy", "rights"}},
	{CategoryCulturalSupport, []string{"indigenous", "aboriginal", "torres strait", "cultural"}},
}

// MatchCategories returns every controlled category whose terms appear in text
func MatchCategories(text string) []string {
	t := strings.ToLower(text)
	found := []string{}
	for _, rule := range categoryRules {
		for _, term := range rule.terms {
			if strings.Contains(t, term) {
				found = append(found, rule.category)
				break
			}
		}
	}
	return found
}

// NormalizeCategories maps raw tags onto the controlled vocabulary. A tag that
// matches no rule is kept as a lowercase slug. If no tags are given, the
// category is inferred from text, and government-sourced text that still
// matches nothing defaults to legal support.
func NormalizeCategories(raw []string, text string, governmentSourced bool) []string {
	out := []string{}
	seen := map[string]bool{}
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		matched := MatchCategories(r)
		if len(matched) == 0 {
			add(slug(r))
		}
		for _, c := range matched {
			add(c)
		}
	}
	if len(out) == 0 {
		for _, c := range MatchCategories(text) {
			add(c)
		}
	}
	if len(out) == 0 && governmentSourced {
		add(CategoryLegalSupport)
	}
	return out
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

var stateCodes = []string{"NSW", "QLD", "VIC", "WA", "SA", "TAS", "ACT", "NT"}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// InferCoverage derives geographic coverage from a source URL. A .gov.au host
// with a state code label (justice.qld.gov.au) has state coverage, any other
// .gov.au host is national, and everything else is local.
func InferCoverage(sourceURL string) *model.Coverage {
	host := hostOf(sourceURL)
	if host == "" {
		return nil
	}
	if !strings.HasSuffix(host, ".gov.au") {
		return &model.Coverage{Type: model.CoverageLocal}
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, ".gov.au"), ".") {
		for _, code := range stateCodes {
			if strings.EqualFold(label, code) {
				return &model.Coverage{Type: model.CoverageState, States: []string{code}}
			}
		}
	}
	all := make([]string, len(stateCodes))
	copy(all, stateCodes)
	return &model.Coverage{Type: model.CoverageNational, States: all}
}

// IsGovernmentDomain is true for official government, education, legal aid,
// ombudsman and court hosts.
func IsGovernmentDomain(rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	return strings.HasSuffix(host, ".gov.au") ||
		strings.HasSuffix(host, ".edu.au") ||
		strings.Contains(host, "legalaid") ||
		strings.Contains(host, "ombudsman") ||
		strings.Contains(host, "courts")
}

var youthJusticeTerms = []string{
	"youth", "juvenile", "young people", "adolescent",
	"legal aid", "court", "justice", "legal support",
	"criminal law", "family law", "child protection",
	"counselling", "mental health", "substance abuse",
	"housing support", "education support", "employment",
}

func IsYouthJusticeRelevant(text string) bool {
	return containsAny(text, youthJusticeTerms)
}

var youthTerms = []string{"youth", "young people", "young person", "adolescent", "teen", "juvenile"}

var indigenousTerms = []string{"indigenous", "aboriginal", "torres strait", "atsi", "first nations"}

func containsAny(text string, terms []string) bool {
	t := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(t, term) {
			return true
		}
	}
	return false
}
