package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cvpilot-ai/backend/internal/cvs"
	"github.com/cvpilot-ai/backend/internal/document"
	"github.com/cvpilot-ai/backend/internal/partial"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingCVStore   = errors.New("cv store is required")
	errMissingOptimizer = errors.New("optimizer collaborator is required")
	errMissingGenerator = errors.New("document generator is required")
	errMissingCache     = errors.New("partial results cache is required")
	noOpLogger          = zap.NewNop()
)

// ProgressEvent is pushed to subscribers on every state transition.
type ProgressEvent struct {
	UserID     string
	CVID       uint
	JobID      string
	State      State
	Progress   int
	StageLabel string
}

// ProgressPublisher fans job progress out to connected listeners. Optional;
// polling remains the canonical interface.
type ProgressPublisher interface {
	PublishProgress(event ProgressEvent)
}

// ServiceConfig describes the dependencies of the optimization pipeline.
type ServiceConfig struct {
	Database   *gorm.DB
	CVStore    *cvs.Store
	Optimizer  Optimizer
	Generator  *document.Generator
	Cache      *partial.Cache
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Events     ProgressPublisher
}

// Service owns the optimization job lifecycle: launching, background
// execution, status reconciliation, and artifact retrieval. Runner
// goroutines are tracked so shutdown can cancel them and startup can mark
// jobs orphaned by a crash as failed instead of leaving them in_progress
// forever.
type Service struct {
	db         *gorm.DB
	cvStore    *cvs.Store
	optimizer  Optimizer
	generator  *document.Generator
	cache      *partial.Cache
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	events     ProgressPublisher

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup

	launchMu    sync.Mutex
	launchLocks map[uint]*sync.Mutex
}

// NewService constructs the pipeline service and sweeps jobs interrupted by
// a previous process crash into a terminal failed state.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.CVStore == nil {
		return nil, newServiceError(opServiceNew, "missing_cv_store", errMissingCVStore)
	}
	if cfg.Optimizer == nil {
		return nil, newServiceError(opServiceNew, "missing_optimizer", errMissingOptimizer)
	}
	if cfg.Generator == nil {
		return nil, newServiceError(opServiceNew, "missing_generator", errMissingGenerator)
	}
	if cfg.Cache == nil {
		return nil, newServiceError(opServiceNew, "missing_cache", errMissingCache)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	service := &Service{
		db:          cfg.Database,
		cvStore:     cfg.CVStore,
		optimizer:   cfg.Optimizer,
		generator:   cfg.Generator,
		cache:       cfg.Cache,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
		events:      cfg.Events,
		active:      make(map[string]context.CancelFunc),
		launchLocks: make(map[uint]*sync.Mutex),
	}

	if err := service.sweepInterrupted(); err != nil {
		return nil, newServiceError(opSweep, "sweep_failed", err)
	}
	return service, nil
}

// CVRef names a CV by numeric id or, for the owner's convenience, by file name.
type CVRef struct {
	ID       uint
	FileName string
}

// LaunchRequest carries the inputs of one optimization launch.
type LaunchRequest struct {
	CV             CVRef
	JobDescription string
	Force          bool
}

// LaunchOutcome reports what the launch actually did: started fresh work,
// attached to a job already in flight, or reused a cached complete result.
type LaunchOutcome struct {
	Job      OptimizationJob
	Attached bool
	Reused   bool
}

// Launch validates the request, establishes the initial job record, and
// starts background execution without blocking. The job row is durably
// written before Launch returns, so an immediate poll observes in_progress.
func (s *Service) Launch(ctx context.Context, owner cvs.UserID, request LaunchRequest) (LaunchOutcome, error) {
	record, err := s.resolveCV(ctx, owner, request.CV)
	if err != nil {
		return LaunchOutcome{}, err
	}
	if record.RawText == "" {
		return LaunchOutcome{}, cvs.ErrEmptyRawText
	}

	jdFingerprint := Fingerprint(request.JobDescription)
	sourceFingerprint := Fingerprint(record.RawText)

	// Launch decisions for one CV are serialized: the lock is held across the
	// in-flight check and the job insert, so two concurrent launches cannot
	// both miss the check and both start runners.
	lock := s.launchLock(record.ID)
	lock.Lock()
	defer lock.Unlock()

	// A non-terminal job already in flight wins: the second launch attaches
	// to it instead of racing a concurrent writer on the same CV.
	if inflight, found, err := s.latestJob(ctx, record.ID, func(db *gorm.DB) *gorm.DB {
		return db.Where("state NOT IN ?", []string{string(StateComplete), string(StateFailed)})
	}); err != nil {
		return LaunchOutcome{}, newServiceError(opLaunch, "inflight_query_failed", err)
	} else if found {
		return LaunchOutcome{Job: inflight, Attached: true}, nil
	}

	if !request.Force {
		if cached, found, err := s.latestJob(ctx, record.ID, func(db *gorm.DB) *gorm.DB {
			return db.Where("state = ? AND jd_fingerprint = ?", string(StateComplete), jdFingerprint)
		}); err != nil {
			return LaunchOutcome{}, newServiceError(opLaunch, "cache_query_failed", err)
		} else if found && cached.ArtifactB64 != "" && cached.SourceFingerprint == sourceFingerprint {
			return LaunchOutcome{Job: cached, Reused: true}, nil
		}
	}

	jobID, err := s.idProvider.NewID()
	if err != nil {
		return LaunchOutcome{}, newServiceError(opLaunch, "id_generation_failed", err)
	}

	job := OptimizationJob{
		JobID:             jobID,
		CVID:              record.ID,
		UserID:            owner.String(),
		JobDescription:    request.JobDescription,
		JDFingerprint:     jdFingerprint,
		SourceFingerprint: sourceFingerprint,
		State:             string(StateStarted),
		Progress:          StateStarted.Progress(),
		StageLabel:        StateStarted.Label(),
		StartedAtSeconds:  s.clock().UTC().Unix(),
		Version:           1,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return LaunchOutcome{}, newServiceError(opLaunch, "job_create_failed", err)
	}

	s.cache.Put(s.cacheKey(job), partial.Snapshot{
		Progress:   job.Progress,
		State:      job.State,
		StageLabel: job.StageLabel,
		UpdatedAt:  s.clock().UTC(),
	})
	s.publish(job)

	runCtx, cancel := context.WithCancel(context.Background())
	s.track(job.JobID, cancel)
	s.wg.Add(1)
	go s.run(runCtx, job, record)

	s.logger.Info("optimization launched",
		zap.String("job_id", job.JobID),
		zap.Uint("cv_id", record.ID),
		zap.String("user_id", owner.String()),
		zap.Bool("force", request.Force))
	return LaunchOutcome{Job: job}, nil
}

// Close cancels every active runner and waits for them to settle.
func (s *Service) Close() {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ActiveJobs reports the number of runners currently in flight.
func (s *Service) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) resolveCV(ctx context.Context, owner cvs.UserID, ref CVRef) (cvs.CVRecord, error) {
	if ref.ID != 0 {
		return s.cvStore.GetByID(ctx, owner, ref.ID)
	}
	if ref.FileName != "" {
		return s.cvStore.GetByFileName(ctx, owner, ref.FileName)
	}
	return cvs.CVRecord{}, ErrMissingCVReference
}

type jobScope func(*gorm.DB) *gorm.DB

func (s *Service) latestJob(ctx context.Context, cvID uint, scope jobScope) (OptimizationJob, bool, error) {
	query := s.db.WithContext(ctx).Where("cv_id = ?", cvID)
	if scope != nil {
		query = scope(query)
	}

	var job OptimizationJob
	err := query.Order("started_at_s DESC, job_id DESC").Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OptimizationJob{}, false, nil
	}
	if err != nil {
		return OptimizationJob{}, false, err
	}
	return job, true, nil
}

func (s *Service) cacheKey(job OptimizationJob) partial.Key {
	return partial.Key{UserID: job.UserID, CVID: job.CVID, Fingerprint: job.JDFingerprint}
}

func (s *Service) publish(job OptimizationJob) {
	if s.events == nil {
		return
	}
	s.events.PublishProgress(ProgressEvent{
		UserID:     job.UserID,
		CVID:       job.CVID,
		JobID:      job.JobID,
		State:      job.CurrentState(),
		Progress:   job.Progress,
		StageLabel: job.StageLabel,
	})
}

func (s *Service) launchLock(cvID uint) *sync.Mutex {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	lock, ok := s.launchLocks[cvID]
	if !ok {
		lock = &sync.Mutex{}
		s.launchLocks[cvID] = lock
	}
	return lock
}

func (s *Service) track(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[jobID] = cancel
}

func (s *Service) untrack(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[jobID]; ok {
		cancel()
		delete(s.active, jobID)
	}
}

// sweepInterrupted marks every non-terminal job as failed. Called once at
// construction: any such job belonged to a previous process and will never
// make progress again.
func (s *Service) sweepInterrupted() error {
	now := s.clock().UTC().Unix()
	result := s.db.Model(&OptimizationJob{}).
		Where("state NOT IN ?", []string{string(StateComplete), string(StateFailed)}).
		Updates(map[string]interface{}{
			"state":         string(StateFailed),
			"stage_label":   StateFailed.Label(),
			"error_kind":    ErrorKindInterrupted,
			"error_message": "optimization interrupted by a service restart",
			"failed_at_s":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Warn("orphaned optimization jobs marked failed", zap.Int64("count", result.RowsAffected))
	}
	return nil
}
