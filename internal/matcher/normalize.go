package matcher

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/opencivic/spendmatch/internal/model"
)

// legalForms canonicalizes legal-form noise so "Acme Limited" and "ACME LTD"
// collapse to the same string. Longer phrases must come before their
// substrings.
var legalForms = []struct{ from, to string }{
	{"PUBLIC LIMITED COMPANY", "PLC"},
	{"LIMITED LIABILITY PARTNERSHIP", "LLP"},
	{"COMMUNITY INTEREST COMPANY", "CIC"},
	{"INCORPORATED", "INC"},
	{"CORPORATION", "CORP"},
	{"LIMITED", "LTD"},
	{"COMPANY", "CO"},
}

var (
	punctRe = regexp.MustCompile(`[^\p{L}\p{N} ]+`)
	spaceRe = regexp.MustCompile(`\s{2,}`)

	// stripMarks removes diacritics after NFD decomposition.
	stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Profile is a per-registry-type normalization profile.
type Profile struct {
	// ampersandToAnd expands "&" before punctuation stripping.
	ampersandToAnd bool
	// dropLeading removes these words from the front of the name.
	dropLeading []string
	// canonical rewrites applied after case folding.
	canonical []struct{ from, to string }
}

var profiles = map[model.EntityType]Profile{
	model.EntityTypeCompany: {
		ampersandToAnd: true,
		canonical:      legalForms,
	},
	model.EntityTypeHealthcareProvider: {
		ampersandToAnd: true,
		dropLeading:    []string{"THE"},
		canonical: []struct{ from, to string }{
			{"NHS FOUNDATION TRUST", "NHS FT"},
			{"FOUNDATION TRUST", "FT"},
		},
	},
	model.EntityTypeLocalGovernment: {
		ampersandToAnd: true,
		dropLeading:    []string{"THE"},
		canonical: []struct{ from, to string }{
			{"METROPOLITAN BOROUGH COUNCIL", "MBC"},
			{"BOROUGH COUNCIL", "BC"},
			{"COUNTY COUNCIL", "CC"},
			{"DISTRICT COUNCIL", "DC"},
			{"CITY COUNCIL", "CITY COUNCIL"},
		},
	},
	model.EntityTypeNationalGovernment: {
		ampersandToAnd: true,
		dropLeading:    []string{"THE"},
		canonical: []struct{ from, to string }{
			{"DEPARTMENT FOR", "DEPT"},
			{"DEPARTMENT OF", "DEPT"},
			{"MINISTRY OF", "MIN"},
		},
	},
}

// ProfileFor returns the normalization profile for an entity type. Unknown
// types get the company profile, the broadest one.
func ProfileFor(t model.EntityType) Profile {
	if p, ok := profiles[t]; ok {
		return p
	}
	return profiles[model.EntityTypeCompany]
}

// Normalize folds a raw organisation name into its canonical comparison
// form: uppercase, diacritics stripped, punctuation removed, legal forms
// canonicalized, whitespace collapsed.
func (p Profile) Normalize(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))

	if folded, _, err := transform.String(stripMarks, n); err == nil {
		n = folded
	}
	if p.ampersandToAnd {
		n = strings.ReplaceAll(n, "&", " AND ")
	}
	n = punctRe.ReplaceAllString(n, " ")
	n = spaceRe.ReplaceAllString(n, " ")
	n = strings.TrimSpace(n)

	for _, w := range p.dropLeading {
		n = strings.TrimSpace(strings.TrimPrefix(n, w+" "))
	}
	for _, c := range p.canonical {
		n = strings.ReplaceAll(n, c.from, c.to)
	}

	return spaceRe.ReplaceAllString(strings.TrimSpace(n), " ")
}
