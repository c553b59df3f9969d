package document

import "strings"

// Canonical section titles in the order they appear in generated documents.
const (
	SectionProfile        = "Profile"
	SectionSummary        = "Summary"
	SectionExperience     = "Experience"
	SectionEducation      = "Education"
	SectionSkills         = "Skills"
	SectionProjects       = "Projects"
	SectionCertifications = "Certifications"
	SectionLanguages      = "Languages"
	SectionAdditional     = "Additional Information"
)

var canonicalOrder = []string{
	SectionProfile,
	SectionSummary,
	SectionExperience,
	SectionEducation,
	SectionSkills,
	SectionProjects,
	SectionCertifications,
	SectionLanguages,
	SectionAdditional,
}

// headingAliases maps normalized source headings to canonical sections.
var headingAliases = map[string]string{
	"profile":                 SectionProfile,
	"about":                   SectionProfile,
	"about me":                SectionProfile,
	"objective":               SectionProfile,
	"personal profile":        SectionProfile,
	"summary":                 SectionSummary,
	"professional summary":    SectionSummary,
	"executive summary":       SectionSummary,
	"experience":              SectionExperience,
	"work experience":         SectionExperience,
	"professional experience": SectionExperience,
	"employment history":      SectionExperience,
	"work history":            SectionExperience,
	"education":               SectionEducation,
	"academic background":     SectionEducation,
	"qualifications":          SectionEducation,
	"skills":                  SectionSkills,
	"technical skills":        SectionSkills,
	"core competencies":       SectionSkills,
	"key skills":              SectionSkills,
	"projects":                SectionProjects,
	"personal projects":       SectionProjects,
	"selected projects":       SectionProjects,
	"certifications":          SectionCertifications,
	"certificates":            SectionCertifications,
	"licenses":                SectionCertifications,
	"languages":               SectionLanguages,
}

const maxHeadingLength = 48

// Section is one titled block of a standardized CV.
type Section struct {
	Title string
	Lines []string
}

// StandardizedDocument is the stable input contract for the generator:
// optimized text normalized into canonical sections regardless of how the
// source document was formatted.
type StandardizedDocument struct {
	Sections []Section
}

// IsEmpty reports whether no content survived standardization.
func (d StandardizedDocument) IsEmpty() bool {
	for _, section := range d.Sections {
		if len(section.Lines) > 0 {
			return false
		}
	}
	return true
}

// Standardize parses optimized CV text into the canonical section structure.
// Content preceding the first recognized heading lands in Profile; content
// under unrecognized headings is collected under Additional Information with
// the original heading preserved as a lead line.
func Standardize(text string) StandardizedDocument {
	collected := make(map[string][]string, len(canonicalOrder))
	current := SectionProfile

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		if canonical, heading := matchHeading(line); heading {
			current = canonical
			continue
		}
		if isUnknownHeading(line) {
			current = SectionAdditional
			collected[current] = append(collected[current], strings.TrimSuffix(line, ":"))
			continue
		}
		collected[current] = append(collected[current], line)
	}

	sections := make([]Section, 0, len(canonicalOrder))
	for _, title := range canonicalOrder {
		lines := collected[title]
		if len(lines) == 0 {
			continue
		}
		sections = append(sections, Section{Title: title, Lines: lines})
	}
	return StandardizedDocument{Sections: sections}
}

func matchHeading(line string) (string, bool) {
	if len(line) > maxHeadingLength {
		return "", false
	}
	normalized := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(line, ":")))
	canonical, ok := headingAliases[normalized]
	return canonical, ok
}

// isUnknownHeading treats short colon-terminated lines and single upper-case
// words as headings that have no canonical mapping. Multi-word upper-case
// lines stay content, so an all-caps name line is not misread as a heading.
func isUnknownHeading(line string) bool {
	if len(line) > maxHeadingLength {
		return false
	}
	if strings.HasSuffix(line, ":") && !strings.Contains(strings.TrimSuffix(line, ":"), ":") {
		return true
	}
	if strings.Contains(line, " ") {
		return false
	}
	letters := 0
	for _, r := range line {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= 'A' && r <= 'Z' {
			letters++
		}
	}
	return letters >= 3 && !strings.ContainsAny(line, "0123456789")
}
