package normalize

import (
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pierrec/xxHash/xxHash32"
)

var (
	reNonDigit    = regexp.MustCompile(`\D`)
	reHTMLTag     = regexp.MustCompile(`<[^>]*>`)
	reWhitespace  = regexp.MustCompile(`\s+`)
	rePostcode    = regexp.MustCompile(`\b(\d{4})\b`)
	reState       = regexp.MustCompile(`(?i)\b(QLD|Queensland|NSW|VIC|SA|WA|TAS|NT|ACT)\b`)
	reDoubleComma = regexp.MustCompile(`,\s*,`)
	reHasDigit    = regexp.MustCompile(`\d`)
	reNonWord     = regexp.MustCompile(`[^\w\s]`)
	reAllDigits   = regexp.MustCompile(`^\d+$`)
	reOrgSuffix   = regexp.MustCompile(`(?i)\s+(Inc\.?|Incorporated|Pty\.? Ltd\.?|Ltd\.?|Limited|Co\.?|Company|Corp\.?|Corporation)\s*$`)
)

// NormalizePhone formats an Australian phone number as "04XX XXX XXX" for mobiles
// or "(0X) XXXX XXXX" for landlines. Numbers that do not have ten digits after
// folding a +61 prefix are returned unchanged.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	digits := reNonDigit.ReplaceAllString(phone, "")
	if strings.HasPrefix(digits, "61") {
		digits = "0" + digits[2:]
	}
	if len(digits) != 10 {
		return phone
	}
	if strings.HasPrefix(digits, "04") {
		return digits[0:4] + " " + digits[4:7] + " " + digits[7:]
	}
	return "(" + digits[0:2] + ") " + digits[2:6] + " " + digits[6:]
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeURL adds a missing https scheme and drops a trailing slash
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}

// NormalizeText strips HTML tags, decodes entities and collapses whitespace
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = reHTMLTag.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = reWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeOrganizationName trims corporate suffixes such as "Inc" or "Pty Ltd"
func NormalizeOrganizationName(name string) string {
	name = NormalizeText(name)
	for {
		trimmed := reOrgSuffix.ReplaceAllString(name, "")
		if trimmed == name || trimmed == "" {
			return name
		}
		name = trimmed
	}
}

// Address is a single-line address split into parts
type Address struct {
	Street   string
	Suburb   string
	State    string
	Postcode string
}

// ParseAddress splits a free-form Australian address. The state defaults to QLD
// when none is present, matching the directory's home jurisdiction.
func ParseAddress(s string) Address {
	a := Address{State: "QLD"}
	s = NormalizeText(s)
	if s == "" {
		return a
	}
	if m := rePostcode.FindStringSubmatch(s); m != nil {
		a.Postcode = m[1]
	}
	if m := reState.FindStringSubmatch(s); m != nil {
		a.State = strings.ToUpper(m[1])
		if a.State == "QUEENSLAND" {
			a.State = "QLD"
		}
	}
	clean := rePostcode.ReplaceAllString(s, "")
	clean = reState.ReplaceAllString(clean, "")
	clean = reDoubleComma.ReplaceAllString(clean, ",")

	parts := []string{}
	for _, p := range strings.Split(clean, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch {
	case len(parts) >= 2:
		a.Suburb = parts[len(parts)-1]
		a.Street = strings.Join(parts[:len(parts)-1], ", ")
	case len(parts) == 1:
		if reHasDigit.MatchString(parts[0]) {
			a.Street = parts[0]
		} else {
			a.Suburb = parts[0]
		}
	}
	return a
}

type agePattern struct {
	re   *regexp.Regexp
	kind int
}

const (
	ageBetween = iota
	ageUnder
	ageAtLeast
)

var agePatterns = []agePattern{
	{regexp.MustCompile(`(\d+)\s*[-–]\s*(\d+)`), ageBetween},
	{regexp.MustCompile(`ages?\s+(\d+)\s+to\s+(\d+)`), ageBetween},
	{regexp.MustCompile(`(\d+)\s+to\s+(\d+)\s+year\s+olds?`), ageBetween},
	{regexp.MustCompile(`under\s+(\d+)`), ageUnder},
	{regexp.MustCompile(`(\d+)\s+and\s+(?:over|above)`), ageAtLeast},
	{regexp.MustCompile(`(\d+)\+`), ageAtLeast},
}

var reSingleAge = regexp.MustCompile(`\b(\d+)\s*(?:years?|yrs?)?\s*(?:old|only)?\b`)

// MaxAge is the highest age bound accepted from a record
const MaxAge = 120

// ValidAge reports whether n is a plausible age bound
func ValidAge(n int) bool {
	return n >= 0 && n <= MaxAge
}

func parseAge(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || !ValidAge(n) {
		return 0, false
	}
	return n, true
}

// ParseAgeRange extracts inclusive age bounds from text such as "10-17 years",
// "under 18" or "12+". ok is false if no age could be found, or if a bound
// falls outside 0..MaxAge.
func ParseAgeRange(text string) (min, max *int, ok bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return nil, nil, false
	}
	for _, p := range agePatterns {
		m := p.re.FindStringSubmatch(t)
		if m == nil {
			continue
		}
		a, valid := parseAge(m[1])
		if !valid {
			return nil, nil, false
		}
		switch p.kind {
		case ageUnder:
			if a == 0 {
				return nil, nil, false
			}
			a--
			return nil, &a, true
		case ageAtLeast:
			return &a, nil, true
		default:
			b, valid := parseAge(m[2])
			if !valid {
				return nil, nil, false
			}
			return &a, &b, true
		}
	}
	if m := reSingleAge.FindStringSubmatch(t); m != nil {
		a, valid := parseAge(m[1])
		if !valid {
			return nil, nil, false
		}
		b := a
		return &a, &b, true
	}
	return nil, nil, false
}

var stopWords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`the is at which on and a an as are been by for from has he in it its of
		that to was will with be have this or can our we all but if they their what so up out about who
		get would make than`) {
		stopWords[w] = true
	}
}

const maxKeywords = 20

// ExtractKeywords returns the most frequent non-stopword terms of at least three
// characters, most frequent first, ties broken alphabetically.
func ExtractKeywords(text string) []string {
	if text == "" {
		return nil
	}
	words := strings.Fields(reNonWord.ReplaceAllString(strings.ToLower(text), " "))
	freq := map[string]int{}
	for _, w := range words {
		if len(w) < 3 || stopWords[w] || reAllDigits.MatchString(w) {
			continue
		}
		freq[w]++
	}
	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if freq[keys[i]] != freq[keys[j]] {
			return freq[keys[i]] > freq[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > maxKeywords {
		keys = keys[:maxKeywords]
	}
	return keys
}

// ContentHash is an order-insensitive fingerprint of the letters and digits of
// content, used to spot the same record arriving from different sources.
func ContentHash(content string) string {
	runes := []rune{}
	for _, r := range strings.ToLower(content) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			runes = append(runes, r)
		}
	}
	if len(runes) == 0 {
		return ""
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	return strconv.FormatUint(uint64(xxHash32.Checksum([]byte(string(runes)), 0)), 36)
}
