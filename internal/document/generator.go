package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyDocument indicates that standardization produced no content.
	ErrEmptyDocument = errors.New("document: no content to generate")
	// ErrMissingFileName indicates that artifact metadata lacked a file name.
	ErrMissingFileName = errors.New("document: artifact file name required")
)

// Meta carries the artifact-level inputs that accompany standardized text.
type Meta struct {
	FileName string
	Title    string
}

// Artifact is the output of a render pass. PreviewHTML is a best-effort
// secondary rendition; PreviewUnavailable is set instead of failing the
// render when only the preview could not be produced.
type Artifact struct {
	Docx               []byte
	PreviewHTML        string
	PreviewUnavailable bool
}

// Estimate holds the synthesized before/after scores used by preview mode.
// Preview scores are placeholders derived from text statistics, documented
// to callers as an estimate rather than a computed ATS result.
type Estimate struct {
	OriginalScore int
	ImprovedScore int
}

// Generator turns standardized CV text into binary artifacts. Generation is
// deterministic: identical inputs produce byte-identical DOCX output.
type Generator struct {
	renderPreview func(StandardizedDocument, Meta) (string, error)
}

// NewGenerator constructs a Generator with the built-in HTML preview renderer.
func NewGenerator() *Generator {
	return &Generator{renderPreview: renderPreviewHTML}
}

// Render produces the primary DOCX artifact and, best effort, the HTML
// preview rendition. Preview failure degrades the artifact, never the render.
func (g *Generator) Render(doc StandardizedDocument, meta Meta) (Artifact, error) {
	docx, err := g.Generate(doc, meta)
	if err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{Docx: docx}
	preview, previewErr := g.renderPreview(doc, meta)
	if previewErr != nil {
		artifact.PreviewUnavailable = true
		return artifact, nil
	}
	artifact.PreviewHTML = preview
	return artifact, nil
}

// Generate builds the DOCX package for the standardized document.
func (g *Generator) Generate(doc StandardizedDocument, meta Meta) ([]byte, error) {
	if strings.TrimSpace(meta.FileName) == "" {
		return nil, ErrMissingFileName
	}
	if doc.IsEmpty() {
		return nil, ErrEmptyDocument
	}

	var buffer bytes.Buffer
	archive := zip.NewWriter(&buffer)

	parts := []struct {
		name    string
		content string
	}{
		{name: "[Content_Types].xml", content: contentTypesXML},
		{name: "_rels/.rels", content: packageRelsXML},
		{name: "word/_rels/document.xml.rels", content: documentRelsXML},
		{name: "word/styles.xml", content: stylesXML},
		{name: "word/document.xml", content: buildDocumentXML(doc, meta)},
	}

	for _, part := range parts {
		header := &zip.FileHeader{
			Name:   part.name,
			Method: zip.Store,
			// Fixed timestamp keeps the package byte-identical for
			// identical inputs.
			Modified: time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC),
		}
		writer, err := archive.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("document: create part %s: %w", part.name, err)
		}
		if _, err := writer.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("document: write part %s: %w", part.name, err)
		}
	}

	if err := archive.Close(); err != nil {
		return nil, fmt.Errorf("document: finalize package: %w", err)
	}
	return buffer.Bytes(), nil
}

// EstimateScores synthesizes placeholder before/after scores for preview
// mode. Deterministic for a given text; never reflects a real analysis.
func EstimateScores(text string) Estimate {
	words := len(strings.Fields(text))
	doc := Standardize(text)

	original := 38 + words/40
	if original > 68 {
		original = 68
	}
	improved := original + 8 + 3*len(doc.Sections)
	if improved > 94 {
		improved = 94
	}
	return Estimate{OriginalScore: original, ImprovedScore: improved}
}

func buildDocumentXML(doc StandardizedDocument, meta Meta) string {
	var body strings.Builder
	body.WriteString(xml.Header)
	body.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)

	if title := strings.TrimSpace(meta.Title); title != "" {
		writeParagraph(&body, "Title", title)
	}
	for _, section := range doc.Sections {
		writeParagraph(&body, "Heading1", section.Title)
		for _, line := range section.Lines {
			writeParagraph(&body, "", line)
		}
	}

	body.WriteString(`<w:sectPr><w:pgSz w:w="11906" w:h="16838"/></w:sectPr>`)
	body.WriteString(`</w:body></w:document>`)
	return body.String()
}

func writeParagraph(builder *strings.Builder, style, text string) {
	builder.WriteString(`<w:p>`)
	if style != "" {
		fmt.Fprintf(builder, `<w:pPr><w:pStyle w:val="%s"/></w:pPr>`, style)
	}
	builder.WriteString(`<w:r><w:t xml:space="preserve">`)
	builder.WriteString(escapeXML(text))
	builder.WriteString(`</w:t></w:r></w:p>`)
}

func renderPreviewHTML(doc StandardizedDocument, meta Meta) (string, error) {
	if doc.IsEmpty() {
		return "", ErrEmptyDocument
	}

	var builder strings.Builder
	builder.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>")
	builder.WriteString(escapeXML(meta.Title))
	builder.WriteString("</title></head><body>")
	if title := strings.TrimSpace(meta.Title); title != "" {
		builder.WriteString("<h1>" + escapeXML(title) + "</h1>")
	}
	for _, section := range doc.Sections {
		builder.WriteString("<h2>" + escapeXML(section.Title) + "</h2>")
		for _, line := range section.Lines {
			builder.WriteString("<p>" + escapeXML(line) + "</p>")
		}
	}
	builder.WriteString("</body></html>")
	return builder.String(), nil
}

func escapeXML(value string) string {
	var buffer bytes.Buffer
	if err := xml.EscapeText(&buffer, []byte(value)); err != nil {
		return ""
	}
	return buffer.String()
}

const contentTypesXML = xml.Header + `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
	`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
	`<Default Extension="xml" ContentType="application/xml"/>` +
	`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>` +
	`<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>` +
	`</Types>`

const packageRelsXML = xml.Header + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>` +
	`</Relationships>`

const documentRelsXML = xml.Header + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>` +
	`</Relationships>`

const stylesXML = xml.Header + `<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
	`<w:style w:type="paragraph" w:styleId="Title"><w:name w:val="Title"/><w:rPr><w:b/><w:sz w:val="48"/></w:rPr></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading1"><w:name w:val="heading 1"/><w:rPr><w:b/><w:sz w:val="32"/></w:rPr></w:style>` +
	`</w:styles>`
