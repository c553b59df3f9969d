package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/cvpilot-ai/backend/internal/cvs"
	"github.com/cvpilot-ai/backend/internal/document"
	"github.com/cvpilot-ai/backend/internal/partial"
	"github.com/cvpilot-ai/backend/internal/scoring"
	"gorm.io/gorm"
)

// StatusKind classifies a job for polling clients.
type StatusKind string

const (
	StatusComplete   StatusKind = "complete"
	StatusFailed     StatusKind = "failed"
	StatusInProgress StatusKind = "in_progress"
	StatusNotStarted StatusKind = "not_started"
)

// StatusView is the reconciled read-only status of a CV's most recent
// optimization, merging the durable record with any fresher partial snapshot.
type StatusView struct {
	Kind StatusKind

	// In-progress fields.
	Progress   int
	StageLabel string

	// Terminal success fields.
	AtsScore           int
	ImprovedAtsScore   int
	Improvements       []string
	Comparison         *scoring.Comparison
	CompletedAtSeconds int64
	ArtifactAvailable  bool
	PreviewUnavailable bool

	// Terminal failure fields.
	ErrorKind       string
	ErrorMessage    string
	FailedAtSeconds int64

	// Not-started message.
	Message string
}

// Status reconciles the durable job record and the partial cache into one
// coherent view. It is side-effect free: repeated polls never change state,
// and a terminal job returns the same payload on every call until a new
// launch happens.
func (s *Service) Status(ctx context.Context, owner cvs.UserID, ref CVRef, jobDescription string) (StatusView, error) {
	record, err := s.resolveCV(ctx, owner, ref)
	if err != nil {
		return StatusView{}, err
	}

	job, found, err := s.latestJob(ctx, record.ID, nil)
	if err != nil {
		return StatusView{}, newServiceError(opStatus, "query_failed", err)
	}
	if !found {
		return StatusView{
			Kind:    StatusNotStarted,
			Message: "no optimization has been run for this CV yet",
		}, nil
	}

	switch job.CurrentState() {
	case StateComplete:
		return s.completeView(job)
	case StateFailed:
		return StatusView{
			Kind:            StatusFailed,
			ErrorKind:       job.ErrorKind,
			ErrorMessage:    job.ErrorMessage,
			FailedAtSeconds: job.FailedAtSeconds,
		}, nil
	default:
		return s.inProgressView(record, job, jobDescription), nil
	}
}

func (s *Service) completeView(job OptimizationJob) (StatusView, error) {
	view := StatusView{
		Kind:               StatusComplete,
		Progress:           job.Progress,
		AtsScore:           job.AtsScore,
		ImprovedAtsScore:   job.ImprovedAtsScore,
		CompletedAtSeconds: job.CompletedAtSeconds,
		ArtifactAvailable:  job.ArtifactB64 != "",
		PreviewUnavailable: job.PreviewUnavailable,
	}

	if job.ImprovementsJSON != "" {
		if err := json.Unmarshal([]byte(job.ImprovementsJSON), &view.Improvements); err != nil {
			return StatusView{}, newServiceError(opStatus, "improvements_decode_failed", err)
		}
	}

	comparison, err := scoring.Compare(job.AtsScore, job.ImprovedAtsScore)
	if err != nil {
		return StatusView{}, newServiceError(opStatus, "score_comparison_failed", err)
	}
	view.Comparison = &comparison
	return view, nil
}

// inProgressView prefers the freshest progress between the durable row and
// the cache so observed progress never regresses, whichever store a poll hits.
func (s *Service) inProgressView(record cvs.CVRecord, job OptimizationJob, jobDescription string) StatusView {
	view := StatusView{
		Kind:       StatusInProgress,
		Progress:   job.Progress,
		StageLabel: job.StageLabel,
	}

	key := partial.Key{
		UserID:      record.UserID,
		CVID:        record.ID,
		Fingerprint: Fingerprint(jobDescription),
	}
	if snapshot, ok := s.cache.Get(key); ok && snapshot.Progress > view.Progress {
		view.Progress = snapshot.Progress
		view.StageLabel = snapshot.StageLabel
	}
	return view
}

// PartialResult is the ephemeral progress payload for in-flight jobs.
type PartialResult struct {
	Progress    int
	State       string
	StageLabel  string
	PartialText string
	HasPartial  bool
}

// PartialResults serves the freshest in-flight snapshot for the CV and job
// description, falling back to the durable record when the cache has no
// entry (other instance, restart, or expiry).
func (s *Service) PartialResults(ctx context.Context, owner cvs.UserID, ref CVRef, jobDescription string) (PartialResult, error) {
	record, err := s.resolveCV(ctx, owner, ref)
	if err != nil {
		return PartialResult{}, err
	}

	key := partial.Key{
		UserID:      record.UserID,
		CVID:        record.ID,
		Fingerprint: Fingerprint(jobDescription),
	}
	if snapshot, ok := s.cache.Get(key); ok {
		return PartialResult{
			Progress:    snapshot.Progress,
			State:       snapshot.State,
			StageLabel:  snapshot.StageLabel,
			PartialText: snapshot.OptimizedText,
			HasPartial:  snapshot.OptimizedText != "",
		}, nil
	}

	job, found, err := s.latestJob(ctx, record.ID, nil)
	if err != nil {
		return PartialResult{}, newServiceError(opPartial, "query_failed", err)
	}
	if !found {
		return PartialResult{State: string(StateStarted), StageLabel: "not started"}, nil
	}
	return PartialResult{
		Progress:   job.Progress,
		State:      job.State,
		StageLabel: job.StageLabel,
	}, nil
}

// ArtifactDownload carries the decoded binary artifact and its attachment name.
type ArtifactDownload struct {
	FileName string
	Data     []byte
}

// Artifact returns the most recent completed artifact for the CV. The
// attachment name derives from the uploaded file name.
func (s *Service) Artifact(ctx context.Context, owner cvs.UserID, ref CVRef) (ArtifactDownload, error) {
	record, err := s.resolveCV(ctx, owner, ref)
	if err != nil {
		return ArtifactDownload{}, err
	}

	job, found, err := s.latestJob(ctx, record.ID, func(query *gorm.DB) *gorm.DB {
		return query.Where("state = ? AND artifact_b64 <> ''", string(StateComplete))
	})
	if err != nil {
		return ArtifactDownload{}, newServiceError(opArtifact, "query_failed", err)
	}
	if !found {
		return ArtifactDownload{}, ErrNoArtifact
	}

	data, err := base64.StdEncoding.DecodeString(job.ArtifactB64)
	if err != nil {
		return ArtifactDownload{}, newServiceError(opArtifact, "artifact_decode_failed", err)
	}
	return ArtifactDownload{
		FileName: attachmentName(record.FileName),
		Data:     data,
	}, nil
}

// PreviewResult is an ad-hoc, estimate-only rendition of a CV that has not
// gone through an optimization job. Scores are synthesized placeholders.
type PreviewResult struct {
	Estimate           document.Estimate
	Docx               []byte
	PreviewHTML        string
	PreviewUnavailable bool
}

// Preview generates a document from the CV's current raw text without
// touching job state. Callers must surface the result as an estimate.
func (s *Service) Preview(ctx context.Context, owner cvs.UserID, ref CVRef) (PreviewResult, error) {
	record, err := s.resolveCV(ctx, owner, ref)
	if err != nil {
		return PreviewResult{}, err
	}

	standardized := document.Standardize(record.RawText)
	artifact, err := s.generator.Render(standardized, document.Meta{
		FileName: record.FileName,
		Title:    documentTitle(record.FileName),
	})
	if err != nil {
		return PreviewResult{}, newServiceError(opPreview, "render_failed", err)
	}

	return PreviewResult{
		Estimate:           document.EstimateScores(record.RawText),
		Docx:               artifact.Docx,
		PreviewHTML:        artifact.PreviewHTML,
		PreviewUnavailable: artifact.PreviewUnavailable,
	}, nil
}

func attachmentName(fileName string) string {
	base := strings.TrimSpace(fileName)
	if index := strings.LastIndex(base, "."); index > 0 {
		base = base[:index]
	}
	if base == "" {
		base = "cv"
	}
	return base + "_optimized.docx"
}
