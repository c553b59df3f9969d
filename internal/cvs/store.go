package cvs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that no CV matched the reference.
	ErrNotFound = errors.New("cvs: record not found")
	// ErrNotOwned indicates a cross-user access attempt. Always a hard error.
	ErrNotOwned = errors.New("cvs: record not owned by caller")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies required by the CV store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists CV records and enforces the ownership invariant on every
// read and write path.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("cvs: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create stores a new CV for the owner. Raw text is immutable after this.
func (s *Store) Create(ctx context.Context, owner UserID, fileName, rawText string) (CVRecord, error) {
	validName, err := validateFileName(fileName)
	if err != nil {
		return CVRecord{}, err
	}
	if strings.TrimSpace(rawText) == "" {
		return CVRecord{}, ErrEmptyRawText
	}

	record := CVRecord{
		UserID:           owner.String(),
		FileName:         validName,
		RawText:          rawText,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("cv create failed", zap.String("user_id", owner.String()), zap.Error(err))
		return CVRecord{}, fmt.Errorf("cvs: create: %w", err)
	}
	return record, nil
}

// GetByID loads a CV by numeric id, verifying ownership.
func (s *Store) GetByID(ctx context.Context, owner UserID, id uint) (CVRecord, error) {
	var record CVRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CVRecord{}, ErrNotFound
	}
	if err != nil {
		return CVRecord{}, fmt.Errorf("cvs: query: %w", err)
	}
	if record.UserID != owner.String() {
		s.logger.Warn("cross-user cv access rejected",
			zap.String("owner", record.UserID),
			zap.String("caller", owner.String()),
			zap.Uint("cv_id", id))
		return CVRecord{}, ErrNotOwned
	}
	return record, nil
}

// GetByFileName loads the caller's most recently uploaded CV with the given
// file name. File-name lookups are scoped to the owner, so they cannot leak
// another user's records.
func (s *Store) GetByFileName(ctx context.Context, owner UserID, fileName string) (CVRecord, error) {
	validName, err := validateFileName(fileName)
	if err != nil {
		return CVRecord{}, err
	}

	var record CVRecord
	queryErr := s.db.WithContext(ctx).
		Where("user_id = ? AND file_name = ?", owner.String(), validName).
		Order("created_at_s DESC").
		Take(&record).Error
	if errors.Is(queryErr, gorm.ErrRecordNotFound) {
		return CVRecord{}, ErrNotFound
	}
	if queryErr != nil {
		return CVRecord{}, fmt.Errorf("cvs: query: %w", queryErr)
	}
	return record, nil
}

// List returns all CVs owned by the caller, newest first.
func (s *Store) List(ctx context.Context, owner UserID) ([]CVRecord, error) {
	var records []CVRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", owner.String()).
		Order("created_at_s DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("cvs: list: %w", err)
	}
	return records, nil
}
