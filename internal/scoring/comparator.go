package scoring

import (
	"errors"
	"fmt"
)

// Verdict labels the qualitative outcome of comparing two ATS scores.
type Verdict string

const (
	VerdictImproved  Verdict = "improved"
	VerdictUnchanged Verdict = "unchanged"
	VerdictDeclined  Verdict = "declined"
)

// ErrScoreOutOfRange indicates a score outside the 0-100 ATS scale.
var ErrScoreOutOfRange = errors.New("scoring: score out of range")

// Comparison captures the delta between an original and an improved ATS
// score along with ranked follow-up actions for the candidate.
type Comparison struct {
	Original           int
	Improved           int
	Delta              int
	Verdict            Verdict
	RecommendedActions []string
}

// Compare evaluates two scores on the 0-100 ATS scale. It is pure: no I/O,
// no persisted state, identical inputs always yield identical output.
func Compare(original, improved int) (Comparison, error) {
	if original < 0 || original > 100 {
		return Comparison{}, fmt.Errorf("%w: original %d", ErrScoreOutOfRange, original)
	}
	if improved < 0 || improved > 100 {
		return Comparison{}, fmt.Errorf("%w: improved %d", ErrScoreOutOfRange, improved)
	}

	delta := improved - original
	verdict := VerdictUnchanged
	switch {
	case delta > 0:
		verdict = VerdictImproved
	case delta < 0:
		verdict = VerdictDeclined
	}

	return Comparison{
		Original:           original,
		Improved:           improved,
		Delta:              delta,
		Verdict:            verdict,
		RecommendedActions: actionsForBand(improved),
	}, nil
}

// actionsForBand ranks next steps by the band the improved score lands in.
func actionsForBand(improved int) []string {
	switch {
	case improved >= 85:
		return []string{
			"Tailor the profile summary to each individual application",
			"Keep quantified achievements current as new results land",
		}
	case improved >= 70:
		return []string{
			"Mirror more keywords from the target job description",
			"Quantify outcomes in the two most recent roles",
			"Trim sections that do not support the target role",
		}
	case improved >= 50:
		return []string{
			"Rewrite the profile summary around the target role",
			"Replace duty descriptions with measurable achievements",
			"Move the skills section above education",
			"Remove formatting that automated parsers cannot read",
		}
	default:
		return []string{
			"Rebuild the document around the standard section order",
			"Add a skills section matching the job description vocabulary",
			"Describe each role with concrete, dated accomplishments",
			"Run the optimization again after restructuring the content",
		}
	}
}
