package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable is the distinguished condition raised when the
	// external optimizer is not configured or rejects authentication.
	ErrServiceUnavailable = errors.New("pipeline: optimization service unavailable")
	// ErrJobSuperseded indicates a version-checked write touched zero rows:
	// another writer advanced the job and this writer must abort.
	ErrJobSuperseded = errors.New("pipeline: job superseded by a newer writer")
	// ErrNoArtifact indicates a download request for a CV with no completed artifact.
	ErrNoArtifact = errors.New("pipeline: no completed artifact for cv")
	// ErrMissingCVReference indicates a request that named neither a CV id nor a file name.
	ErrMissingCVReference = errors.New("pipeline: cv id or file name required")

	errGenerationFailed = errors.New("pipeline: document generation failed")
)

// ServiceError tags failures with an operation.reason code for logs and
// client-safe error payloads.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "pipeline.service.new"
	opLaunch     = "pipeline.launch"
	opRun        = "pipeline.run"
	opStatus     = "pipeline.status"
	opPartial    = "pipeline.partial"
	opArtifact   = "pipeline.artifact"
	opPreview    = "pipeline.preview"
	opSweep      = "pipeline.sweep"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
