package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/cvpilot-ai/backend/internal/cvs"
	"github.com/cvpilot-ai/backend/internal/document"
	"github.com/cvpilot-ai/backend/internal/partial"
	"go.uber.org/zap"
)

// run drives one job from started to a terminal state. It is detached from
// the launching request: client disconnection does not stop it, and all
// failures are written into the job record rather than surfaced to a caller.
func (s *Service) run(ctx context.Context, job OptimizationJob, record cvs.CVRecord) {
	defer s.wg.Done()
	defer s.untrack(job.JobID)

	if err := s.execute(ctx, &job, record); err != nil {
		if errors.Is(err, ErrJobSuperseded) {
			s.logger.Warn("runner aborted, job superseded", zap.String("job_id", job.JobID))
			return
		}
		s.failJob(&job, err)
	}
}

func (s *Service) execute(ctx context.Context, job *OptimizationJob, record cvs.CVRecord) error {
	if err := s.advance(ctx, job, StateAnalyzing, nil, ""); err != nil {
		return err
	}

	result, err := s.optimizer.Optimize(ctx, record.RawText, job.JobDescription)
	if err != nil {
		return err
	}

	improvements, err := json.Marshal(result.Recommendations)
	if err != nil {
		return fmt.Errorf("encode improvements: %w", err)
	}
	analysisFields := map[string]interface{}{
		"optimized_text":     result.OptimizedText,
		"ats_score":          result.OriginalScore,
		"improved_ats_score": result.ImprovedScore,
		"improvements_json":  string(improvements),
	}
	if err := s.advance(ctx, job, StateStandardizing, analysisFields, result.OptimizedText); err != nil {
		return err
	}
	job.OptimizedText = result.OptimizedText
	job.AtsScore = result.OriginalScore
	job.ImprovedAtsScore = result.ImprovedScore
	job.ImprovementsJSON = string(improvements)

	standardized := document.Standardize(result.OptimizedText)
	if standardized.IsEmpty() {
		return fmt.Errorf("%w: standardization produced no sections", errGenerationFailed)
	}

	if err := s.advance(ctx, job, StateGenerating, nil, result.OptimizedText); err != nil {
		return err
	}

	artifact, err := s.generator.Render(standardized, document.Meta{
		FileName: record.FileName,
		Title:    documentTitle(record.FileName),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errGenerationFailed, err)
	}

	now := s.clock().UTC().Unix()
	completionFields := map[string]interface{}{
		"artifact_b64":            base64.StdEncoding.EncodeToString(artifact.Docx),
		"artifact_generated_at_s": now,
		"completed_at_s":          now,
		"preview_unavailable":     artifact.PreviewUnavailable,
	}
	if err := s.advance(ctx, job, StateComplete, completionFields, ""); err != nil {
		return err
	}

	s.cache.Remove(s.cacheKey(*job))
	s.logger.Info("optimization complete",
		zap.String("job_id", job.JobID),
		zap.Uint("cv_id", job.CVID),
		zap.Int("ats_score", result.OriginalScore),
		zap.Int("improved_ats_score", result.ImprovedScore),
		zap.Bool("preview_unavailable", artifact.PreviewUnavailable))
	return nil
}

// advance performs one validated state transition: a version-checked,
// field-scoped durable write, then the cache entry, then the progress event.
// The durable write happens first so neither store can report a state the
// record never reached.
func (s *Service) advance(ctx context.Context, job *OptimizationJob, next State, extra map[string]interface{}, snapshotText string) error {
	if err := ValidateTransition(job.CurrentState(), next); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"state":       string(next),
		"progress":    next.Progress(),
		"stage_label": next.Label(),
		"version":     job.Version + 1,
	}
	for column, value := range extra {
		fields[column] = value
	}

	result := s.db.WithContext(ctx).Model(&OptimizationJob{}).
		Where("job_id = ? AND version = ?", job.JobID, job.Version).
		Updates(fields)
	if result.Error != nil {
		return newServiceError(opRun, "transition_write_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobSuperseded
	}

	job.Version++
	job.State = string(next)
	job.Progress = next.Progress()
	job.StageLabel = next.Label()

	if !next.Terminal() {
		s.cache.Put(s.cacheKey(*job), partial.Snapshot{
			Progress:      job.Progress,
			State:         job.State,
			StageLabel:    job.StageLabel,
			OptimizedText: snapshotText,
			UpdatedAt:     s.clock().UTC(),
		})
	}
	s.publish(*job)
	return nil
}

// failJob performs the single terminal failure write. The cache entry is
// deliberately left to expire so pollers reading either store agree on the
// last observed progress until the failure becomes visible everywhere.
func (s *Service) failJob(job *OptimizationJob, cause error) {
	kind, message := classifyFailure(cause)

	result := s.db.Model(&OptimizationJob{}).
		Where("job_id = ? AND version = ?", job.JobID, job.Version).
		Updates(map[string]interface{}{
			"state":         string(StateFailed),
			"stage_label":   StateFailed.Label(),
			"error_kind":    kind,
			"error_message": message,
			"failed_at_s":   s.clock().UTC().Unix(),
			"version":       job.Version + 1,
		})
	if result.Error != nil {
		s.logger.Error("terminal failure write failed",
			zap.String("job_id", job.JobID), zap.Error(result.Error))
		return
	}
	if result.RowsAffected == 0 {
		s.logger.Warn("terminal failure write skipped, job superseded", zap.String("job_id", job.JobID))
		return
	}

	job.Version++
	job.State = string(StateFailed)
	job.StageLabel = StateFailed.Label()
	job.ErrorKind = kind
	job.ErrorMessage = message
	s.publish(*job)

	s.logger.Error("optimization failed",
		zap.String("job_id", job.JobID),
		zap.Uint("cv_id", job.CVID),
		zap.String("error_kind", kind),
		zap.Error(cause))
}

func classifyFailure(cause error) (string, string) {
	switch {
	case errors.Is(cause, ErrServiceUnavailable):
		return ErrorKindServiceUnavailable, "the optimization service is currently unavailable; please try again later"
	case errors.Is(cause, errGenerationFailed):
		return ErrorKindGenerationFailed, "the optimized document could not be generated"
	case errors.Is(cause, context.Canceled):
		return ErrorKindInterrupted, "optimization interrupted before completion"
	default:
		return ErrorKindOptimizationFailed, truncateMessage(cause.Error())
	}
}

const maxErrorMessageLength = 512

// truncateMessage caps the stored error message, cutting on a rune boundary
// so a multi-byte character is never split into invalid UTF-8.
func truncateMessage(message string) string {
	if len(message) <= maxErrorMessageLength {
		return message
	}
	cut := maxErrorMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

func documentTitle(fileName string) string {
	base := fileName
	for index := len(base) - 1; index >= 0; index-- {
		if base[index] == '.' {
			base = base[:index]
			break
		}
	}
	return base
}
