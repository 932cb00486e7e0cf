package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Category groups detectors that may run in any order among themselves.
type Category int

const (
	CategoryDirect Category = iota
	CategoryStructural
	CategoryFinancial
	CategoryQuasi
	CategoryCatchAll
)

func (c Category) String() string {
	switch c {
	case CategoryDirect:
		return "direct"
	case CategoryStructural:
		return "structural"
	case CategoryFinancial:
		return "financial"
	case CategoryQuasi:
		return "quasi"
	case CategoryCatchAll:
		return "catch-all"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Replacement tags. None of them contain digits, so a second pass over
// already redacted text does not re-tag them.
const (
	TagEmail      = "[EMAIL]"
	TagPhone      = "[PHONE]"
	TagSSN        = "[SSN]"
	TagSIN        = "[SIN]"
	TagPostalCode = "[POSTAL_CODE]"
	TagCreditCard = "[CREDIT_CARD]"
	TagAddress    = "[ADDRESS]"
	TagDate       = "[DATE]"
	TagMessageID  = "[MSG_ID]"
	TagAmount     = "[AMOUNT]"
	TagRate       = "[RATE]"
	TagIncome     = "[INCOME]"
	TagNumber     = "[NUMBER]"
	TagCity       = "[CITY]"
	TagJobTitle   = "[JOB_TITLE]"
	TagEmployer   = "[EMPLOYER]"
)

// Category sequences used by the engine. Direct identifiers lead the domain
// pass as well so the catch-all numeric pattern never splits a phone number
// the entity detector missed. Dates run before every numeric category.
var (
	fallbackPass = []Category{CategoryDirect, CategoryStructural}
	domainPass   = []Category{CategoryDirect, CategoryStructural, CategoryFinancial, CategoryQuasi, CategoryCatchAll}
)

const monthNames = `jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?`

var (
	emailRe      = regexp.MustCompile(`[A-Za-z0-9!#$%&*+/=?^_{|}~.\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	creditCardRe = regexp.MustCompile(`\b(?:\d{4}[\- ]?){3}\d{4}\b`)
	phoneRe      = regexp.MustCompile(`(?:\+?1[ .\-]?)?(?:\(\d{3}\)|\b\d{3})[ .\-]?\d{3}[ .\-]?\d{4}\b`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	sinRe        = regexp.MustCompile(`\b\d{3}[\- ]?\d{3}[\- ]?\d{3}\b`)
	postalCodeRe = regexp.MustCompile(`(?i)\b[A-Z]\d[A-Z][\- ]?\d[A-Z]\d\b`)
	addressRe    = regexp.MustCompile(`(?i)\b\d+[ \t]+(?:[A-Za-z0-9'.]+[ \t]+){0,4}?(?:street|st|avenue|ave|road|rd|drive|dr|lane|ln|boulevard|blvd|way|court|ct|crescent|cres|place|pl)\b\.?`)

	dateRe = regexp.MustCompile(`(?i)\b(?:\d{1,2}[\-/]\d{1,2}[\-/]\d{2,4}|\d{4}[\-/]\d{1,2}[\-/]\d{1,2}|(?:` + monthNames + `)\.?[ \t]+\d{1,2}(?:st|nd|rd|th)?,?[ \t]+\d{4}|\d{1,2}(?:st|nd|rd|th)?[ \t]+(?:` + monthNames + `)\.?,?[ \t]+\d{4})\b`)
	messageIDRe = regexp.MustCompile(`<[^<>\s@]+@[^<>\s]+>`)

	rateRe   = regexp.MustCompile(`(?i)\b\d{1,3}(?:\.\d+)?[ \t]?%(?:[ \t]+(?:variable|fixed|apr|rate)\b)?`)
	amountRe = regexp.MustCompile(`(?i)\$[ \t]?\d[\d,]*(?:\.\d+)?(?:[km]|[ \t]?(?:million|thousand))?\b|\b\d{1,3}(?:,\d{3})+(?:\.\d+)?[km]?\b|\b\d+(?:\.\d+)?[km]\b`)
	incomeRe = regexp.MustCompile(`(?i)\b\d{2,3}[ ,]?\d{3}\b(?:[ \t]*(?:/[ \t]?(?:yr|year)\b|per[ \t]+(?:year|annum)\b|a[ \t]+year\b|annually\b))?`)
	numberRe = regexp.MustCompile(`\b\d{4,}(?:,\d{3})*\b`)

	employerRe = regexp.MustCompile(`(?i:\b(?:works?|working|worked|employed|employee)[ \t]+(?:at|with|for|by))[ \t]+([A-Z][\w&'\-]*(?:[ \t]+(?:(?:of|and|de|du|la|the|&)[ \t]+)*[A-Z][\w&'\-]*)*)`)
)

// DefaultCities are the municipalities masked as quasi-identifiers.
var DefaultCities = []string{
	"Vancouver", "Burnaby", "Surrey", "Richmond", "Delta", "Langley",
	"Coquitlam", "Abbotsford", "North Vancouver", "West Vancouver",
	"Chilliwack", "Kelowna", "Victoria", "Kamloops", "Nanaimo",
	"Prince George", "New Westminster", "Port Coquitlam", "Maple Ridge",
	"Pitt Meadows", "White Rock", "Port Moody", "Mission", "Squamish",
}

// DefaultJobTitles are occupation keywords masked as quasi-identifiers.
var DefaultJobTitles = []string{
	"engineer", "developer", "analyst", "contractor", "teacher", "nurse",
	"supervisor", "manager", "technician", "accountant", "architect",
	"consultant", "designer", "director", "specialist", "coordinator",
	"administrator", "lawyer", "doctor", "physician", "dentist", "pharmacist",
	"electrician", "plumber", "mechanic", "carpenter", "realtor", "agent",
	"sales", "representative", "assistant", "clerk", "officer", "executive",
	"president", "ceo", "cto", "cfo", "vp", "vice president",
}

// Detector binds a pattern to the tag that replaces its matches.
type Detector struct {
	Name     string
	Category Category
	Tag      string

	re *regexp.Regexp
	// group > 0 replaces only that submatch and keeps the surrounding text.
	group int
}

// Apply replaces every match in text with the detector's tag.
func (d Detector) Apply(text string) string {
	if d.group == 0 {
		return d.re.ReplaceAllLiteralString(text, d.Tag)
	}

	matches := d.re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		start, end := m[2*d.group], m[2*d.group+1]
		if start < 0 {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(d.Tag)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// LibraryOptions extends the built-in quasi-identifier word lists.
type LibraryOptions struct {
	ExtraCities    []string
	ExtraJobTitles []string
}

// Library is the ordered, immutable pattern catalogue. It is safe for
// concurrent use.
type Library struct {
	detectors []Detector
}

// NewLibrary compiles the catalogue. Built-in word lists are always present;
// options only add to them.
func NewLibrary(opts LibraryOptions) (*Library, error) {
	cityRe, err := wordListPattern(append(append([]string{}, DefaultCities...), opts.ExtraCities...), "")
	if err != nil {
		return nil, fmt.Errorf("compile city pattern: %w", err)
	}
	jobRe, err := wordListPattern(append(append([]string{}, DefaultJobTitles...), opts.ExtraJobTitles...), "s?")
	if err != nil {
		return nil, fmt.Errorf("compile job title pattern: %w", err)
	}

	detectors := []Detector{
		{Name: "email", Category: CategoryDirect, Tag: TagEmail, re: emailRe},
		{Name: "credit_card", Category: CategoryDirect, Tag: TagCreditCard, re: creditCardRe},
		{Name: "phone", Category: CategoryDirect, Tag: TagPhone, re: phoneRe},
		{Name: "ssn", Category: CategoryDirect, Tag: TagSSN, re: ssnRe},
		{Name: "sin", Category: CategoryDirect, Tag: TagSIN, re: sinRe},
		{Name: "postal_code", Category: CategoryDirect, Tag: TagPostalCode, re: postalCodeRe},
		{Name: "address", Category: CategoryDirect, Tag: TagAddress, re: addressRe},

		{Name: "date", Category: CategoryStructural, Tag: TagDate, re: dateRe},
		{Name: "message_id", Category: CategoryStructural, Tag: TagMessageID, re: messageIDRe},

		{Name: "rate", Category: CategoryFinancial, Tag: TagRate, re: rateRe},
		{Name: "amount", Category: CategoryFinancial, Tag: TagAmount, re: amountRe},
		{Name: "income", Category: CategoryFinancial, Tag: TagIncome, re: incomeRe},

		{Name: "city", Category: CategoryQuasi, Tag: TagCity, re: cityRe},
		{Name: "job_title", Category: CategoryQuasi, Tag: TagJobTitle, re: jobRe},
		{Name: "employer", Category: CategoryQuasi, Tag: TagEmployer, re: employerRe, group: 1},

		{Name: "number", Category: CategoryCatchAll, Tag: TagNumber, re: numberRe},
	}

	return &Library{detectors: detectors}, nil
}

// MustNewLibrary is NewLibrary for the built-in lists only.
func MustNewLibrary() *Library {
	l, err := NewLibrary(LibraryOptions{})
	if err != nil {
		panic(err)
	}
	return l
}

// Detectors returns a copy of the catalogue in evaluation order.
func (l *Library) Detectors() []Detector {
	out := make([]Detector, len(l.detectors))
	copy(out, l.detectors)
	return out
}

// Apply runs the detectors of each category in the given sequence.
func (l *Library) Apply(text string, categories ...Category) string {
	for _, c := range categories {
		for _, d := range l.detectors {
			if d.Category == c {
				text = d.Apply(text)
			}
		}
	}
	return text
}

// ApplyAll runs every category in catalogue order.
func (l *Library) ApplyAll(text string) string {
	return l.Apply(text, domainPass...)
}

// wordListPattern builds a case-insensitive alternation. Longer entries go
// first so "North Vancouver" wins over "Vancouver".
func wordListPattern(words []string, suffix string) (*regexp.Regexp, error) {
	seen := make(map[string]struct{}, len(words))
	cleaned := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		key := strings.ToLower(w)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, regexp.QuoteMeta(w))
	}
	sort.SliceStable(cleaned, func(i, j int) bool {
		return len(cleaned[i]) > len(cleaned[j])
	})
	return regexp.Compile(`(?i)\b(?:` + strings.Join(cleaned, "|") + `)` + suffix + `\b`)
}
