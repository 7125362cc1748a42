package matcher

import (
	"regexp"
	"strings"

	"github.com/opencivic/spendmatch/internal/registry"
)

// Thresholds are the decision-table cut points. They come from
// configuration, not constants.
type Thresholds struct {
	AutoApply float64
	Minimum   float64
}

// Decision is the outcome of the pure decision table.
type Decision string

const (
	DecisionAutoApply Decision = "auto_apply"
	DecisionReview    Decision = "review"
	DecisionNoMatch   Decision = "no_match"
)

// Decide maps a best-candidate score onto the decision table. It is a pure
// function so the policy can be tested without any network or store.
func Decide(score float64, t Thresholds) Decision {
	switch {
	case score >= t.AutoApply:
		return DecisionAutoApply
	case score < t.Minimum:
		return DecisionNoMatch
	default:
		return DecisionReview
	}
}

// ScoredCandidate pairs a registry candidate with its similarity score.
// Candidates are ephemeral; they live only inside one resolve call.
type ScoredCandidate struct {
	registry.Candidate
	Score float64
}

// ScoreCandidates normalizes each candidate name with the profile for its
// own entity type and scores it against the raw name. Results are sorted
// best-first.
func ScoreCandidates(rawName string, cands []registry.Candidate) []ScoredCandidate {
	scored := make([]ScoredCandidate, 0, len(cands))
	for _, c := range cands {
		p := ProfileFor(c.EntityType)
		s := Similarity(p.Normalize(rawName), p.Normalize(c.Name))
		scored = append(scored, ScoredCandidate{Candidate: c, Score: s})
	}

	// Insertion sort; candidate lists are small.
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Score > scored[j-1].Score; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	return scored
}

var (
	numericRe = regexp.MustCompile(`^[0-9 ]+$`)
	idLikeRe  = regexp.MustCompile(`^[A-Z]{0,3}[0-9][0-9/-]{3,}$`)
)

// ValidateName rejects names that can never resolve, before any network
// call. Returns a reason string when the name is invalid.
func ValidateName(name string) (reason string, ok bool) {
	n := strings.TrimSpace(name)
	switch {
	case n == "":
		return "empty", false
	case len([]rune(n)) < 3:
		return "too_short", false
	case numericRe.MatchString(n):
		return "numeric", false
	case idLikeRe.MatchString(strings.ToUpper(n)):
		return "id_like", false
	}
	return "", true
}
