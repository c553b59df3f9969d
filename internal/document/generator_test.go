package document

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

const sampleOptimizedText = `JANE DOE
Senior platform engineer with a decade of distributed systems work.

Work Experience:
Lead Engineer, Acme Corp (2019-2024)
Built the ingestion pipeline handling 2M events per day.

Education
BSc Computer Science, State University

Skills
Go, Kubernetes, PostgreSQL
`

func TestStandardizeMapsAliasesToCanonicalSections(t *testing.T) {
	doc := Standardize(sampleOptimizedText)

	titles := make([]string, 0, len(doc.Sections))
	for _, section := range doc.Sections {
		titles = append(titles, section.Title)
	}

	expected := []string{SectionProfile, SectionExperience, SectionEducation, SectionSkills}
	if len(titles) != len(expected) {
		t.Fatalf("expected sections %v, got %v", expected, titles)
	}
	for index, title := range expected {
		if titles[index] != title {
			t.Fatalf("expected section %d to be %s, got %s", index, title, titles[index])
		}
	}
}

func TestStandardizeKeepsPreambleInProfile(t *testing.T) {
	doc := Standardize(sampleOptimizedText)

	if doc.Sections[0].Title != SectionProfile {
		t.Fatalf("expected first section to be profile")
	}
	if doc.Sections[0].Lines[0] != "JANE DOE" {
		t.Fatalf("expected name line in profile, got %q", doc.Sections[0].Lines[0])
	}
}

func TestStandardizeCollectsUnknownHeadings(t *testing.T) {
	doc := Standardize("Intro line\nAwards:\nEmployee of the year 2023\n")

	var additional *Section
	for index := range doc.Sections {
		if doc.Sections[index].Title == SectionAdditional {
			additional = &doc.Sections[index]
		}
	}
	if additional == nil {
		t.Fatalf("expected additional information section")
	}
	if additional.Lines[0] != "Awards" {
		t.Fatalf("expected original heading preserved, got %q", additional.Lines[0])
	}
	if additional.Lines[1] != "Employee of the year 2023" {
		t.Fatalf("expected heading content collected, got %q", additional.Lines[1])
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	generator := NewGenerator()
	doc := Standardize(sampleOptimizedText)
	meta := Meta{FileName: "jane_cv.docx", Title: "Jane Doe"}

	first, err := generator.Generate(doc, meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := generator.Generate(doc, meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("identical inputs must produce byte-identical artifacts")
	}
}

func TestGenerateProducesReadableDocxPackage(t *testing.T) {
	generator := NewGenerator()
	doc := Standardize(sampleOptimizedText)

	artifact, err := generator.Generate(doc, Meta{FileName: "cv.docx", Title: "Jane Doe"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(artifact), int64(len(artifact)))
	if err != nil {
		t.Fatalf("artifact is not a valid zip package: %v", err)
	}

	parts := map[string]bool{}
	for _, file := range reader.File {
		parts[file.Name] = true
	}
	for _, required := range []string{"[Content_Types].xml", "_rels/.rels", "word/document.xml"} {
		if !parts[required] {
			t.Fatalf("missing required package part %s", required)
		}
	}

	var documentXML string
	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		opened, err := file.Open()
		if err != nil {
			t.Fatalf("failed to open document part: %v", err)
		}
		content, err := io.ReadAll(opened)
		opened.Close()
		if err != nil {
			t.Fatalf("failed to read document part: %v", err)
		}
		documentXML = string(content)
	}
	if !strings.Contains(documentXML, "Senior platform engineer") {
		t.Fatalf("document part missing profile content")
	}
	if !strings.Contains(documentXML, SectionExperience) {
		t.Fatalf("document part missing experience heading")
	}
}

func TestGenerateRejectsEmptyInput(t *testing.T) {
	generator := NewGenerator()

	if _, err := generator.Generate(StandardizedDocument{}, Meta{FileName: "cv.docx"}); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
	if _, err := generator.Generate(Standardize("content"), Meta{}); !errors.Is(err, ErrMissingFileName) {
		t.Fatalf("expected ErrMissingFileName, got %v", err)
	}
}

func TestRenderToleratesPreviewFailure(t *testing.T) {
	generator := NewGenerator()
	generator.renderPreview = func(StandardizedDocument, Meta) (string, error) {
		return "", errors.New("renderer crashed")
	}

	artifact, err := generator.Render(Standardize(sampleOptimizedText), Meta{FileName: "cv.docx"})
	if err != nil {
		t.Fatalf("preview failure must not fail the render: %v", err)
	}
	if len(artifact.Docx) == 0 {
		t.Fatalf("expected primary artifact despite preview failure")
	}
	if !artifact.PreviewUnavailable {
		t.Fatalf("expected degraded-preview flag to be set")
	}
	if artifact.PreviewHTML != "" {
		t.Fatalf("expected empty preview HTML on failure")
	}
}

func TestRenderIncludesPreviewHTML(t *testing.T) {
	generator := NewGenerator()

	artifact, err := generator.Render(Standardize(sampleOptimizedText), Meta{FileName: "cv.docx", Title: "Jane Doe"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if artifact.PreviewUnavailable {
		t.Fatalf("expected preview to succeed")
	}
	if !strings.Contains(artifact.PreviewHTML, "<h2>Skills</h2>") {
		t.Fatalf("expected skills heading in preview, got %s", artifact.PreviewHTML)
	}
}

func TestEstimateScoresAreDeterministicAndBounded(t *testing.T) {
	first := EstimateScores(sampleOptimizedText)
	second := EstimateScores(sampleOptimizedText)
	if first != second {
		t.Fatalf("estimates must be deterministic: %+v vs %+v", first, second)
	}
	if first.OriginalScore < 0 || first.OriginalScore > 100 {
		t.Fatalf("original estimate out of range: %d", first.OriginalScore)
	}
	if first.ImprovedScore < 0 || first.ImprovedScore > 100 {
		t.Fatalf("improved estimate out of range: %d", first.ImprovedScore)
	}
	if first.ImprovedScore <= first.OriginalScore {
		t.Fatalf("preview estimate should show an improvement placeholder")
	}
}
