package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// OptimizationJob is the typed, durable record of one optimization run. It
// is a separate entity from the CV itself; every update is field-scoped and
// guarded by the Version column, so concurrent writers cannot interleave
// half-written state into the row.
type OptimizationJob struct {
	JobID             string `gorm:"column:job_id;primaryKey;size:36;not null"`
	CVID              uint   `gorm:"column:cv_id;not null;index:idx_jobs_cv_started,priority:1"`
	UserID            string `gorm:"column:user_id;size:190;not null;index"`
	JobDescription    string `gorm:"column:job_description;type:text;not null"`
	JDFingerprint     string `gorm:"column:jd_fingerprint;size:64;not null"`
	SourceFingerprint string `gorm:"column:source_fingerprint;size:64;not null"`

	State      string `gorm:"column:state;size:32;not null"`
	Progress   int    `gorm:"column:progress;not null"`
	StageLabel string `gorm:"column:stage_label;size:128;not null"`

	StartedAtSeconds   int64 `gorm:"column:started_at_s;not null;index:idx_jobs_cv_started,priority:2"`
	CompletedAtSeconds int64 `gorm:"column:completed_at_s;not null;default:0"`
	FailedAtSeconds    int64 `gorm:"column:failed_at_s;not null;default:0"`

	ErrorKind    string `gorm:"column:error_kind;size:64;not null;default:''"`
	ErrorMessage string `gorm:"column:error_message;size:512;not null;default:''"`

	AtsScore                   int    `gorm:"column:ats_score;not null;default:0"`
	ImprovedAtsScore           int    `gorm:"column:improved_ats_score;not null;default:0"`
	ImprovementsJSON           string `gorm:"column:improvements_json;type:text;not null;default:''"`
	OptimizedText              string `gorm:"column:optimized_text;type:text;not null;default:''"`
	ArtifactB64                string `gorm:"column:artifact_b64;type:text;not null;default:''"`
	ArtifactGeneratedAtSeconds int64  `gorm:"column:artifact_generated_at_s;not null;default:0"`
	PreviewUnavailable         bool   `gorm:"column:preview_unavailable;not null;default:false"`

	Version int64 `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (OptimizationJob) TableName() string {
	return "optimization_jobs"
}

// CurrentState returns the typed lifecycle state of the job.
func (j OptimizationJob) CurrentState() State {
	return State(j.State)
}

// Error kinds written to terminal failure records.
const (
	ErrorKindServiceUnavailable = "service_unavailable"
	ErrorKindGenerationFailed   = "generation_failed"
	ErrorKindOptimizationFailed = "optimization_failed"
	ErrorKindInterrupted        = "interrupted"
)

const fingerprintLength = 16

// Fingerprint derives a short stable hash of the value, used both to key
// partial-result lookups by job description and to detect that a CV's raw
// text changed after an artifact was cached.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// IDProvider abstracts job identifier generation for deterministic tests.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
