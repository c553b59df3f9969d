package cvs

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	maxFileNameLength   = 255
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("cvs: invalid user id")
	// ErrInvalidFileName indicates that a file name is empty or exceeds storage bounds.
	ErrInvalidFileName = errors.New("cvs: invalid file name")
	// ErrEmptyRawText indicates that a CV carries no extractable text.
	ErrEmptyRawText = errors.New("cvs: raw text is required")
)

// UserID represents a validated owner identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// CVRecord models one uploaded document belonging to one user. The raw
// extracted text is immutable once set; optimization state lives in its own
// table (see the pipeline package), not in an open metadata blob.
type CVRecord struct {
	ID               uint   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_cv_records_user"`
	FileName         string `gorm:"column:file_name;size:255;not null;index:idx_cv_records_user_file,priority:2"`
	RawText          string `gorm:"column:raw_text;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CVRecord) TableName() string {
	return "cv_records"
}

func validateFileName(fileName string) (string, error) {
	trimmed := strings.TrimSpace(fileName)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFileName)
	}
	if len(trimmed) > maxFileNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFileName, maxFileNameLength)
	}
	return trimmed, nil
}
