package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"consistency-checker/internal/models"
	"consistency-checker/internal/redisclient"
	"consistency-checker/internal/store"
	"consistency-checker/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Validator checks the carts and products of one load test
type Validator interface {
	ValidateAllCarts(ctx context.Context, userIDs []string, waitSeconds int) map[string]models.EntityReport
	ValidateAllProducts(ctx context.Context, waitSeconds int) (map[string]models.EntityReport, error)
	CountHandledRequests(ctx context.Context, productIDs []string) (*models.HandledRequestsSummary, error)
}

// ValidatorFactory builds the validator for a load test, scoped to that test's products
type ValidatorFactory func(testID string) Validator

// RunStore persists run reports
type RunStore interface {
	CreateRun(ctx context.Context, report *models.Report) error
	CompleteRun(ctx context.Context, report *models.Report) error
	SaveEntityResults(ctx context.Context, runID string, entries []models.EntityReport) error
	LoadReport(ctx context.Context, runID string) (*models.Report, error)
}

// RunCache guards against concurrent runs of one test and caches reports
type RunCache interface {
	AcquireRunLock(ctx context.Context, testID string, ttl time.Duration) (*redisclient.RunLock, error)
	ReleaseRunLock(ctx context.Context, lock *redisclient.RunLock) error
	CacheReport(ctx context.Context, report *models.Report, ttl time.Duration) error
	GetCachedReport(ctx context.Context, runID string) (*models.Report, error)
}

// RunPublisher announces finished runs
type RunPublisher interface {
	PublishValidationCompleted(ctx context.Context, event *models.ValidationCompletedEvent) error
}

// RunManagerConfig holds the run level settings
type RunManagerConfig struct {
	CartWaitSeconds      int
	ProductWaitSeconds   int
	CountHandledRequests bool
	ReportTTL            time.Duration
	LockTTL              time.Duration
}

// RunRequest asks for the validation of one load test
type RunRequest struct {
	TestID     string   `json:"test_id" binding:"required"`
	TotalUsers int      `json:"total_users" binding:"min=0"`
	UserIDs    []string `json:"user_ids,omitempty"`
}

// users returns the explicit user list, or the IDs the load generator assigns
func (r RunRequest) users() []string {
	if len(r.UserIDs) > 0 {
		return r.UserIDs
	}
	return models.UserIDs(r.TestID, r.TotalUsers)
}

// RunManager runs validations end to end. Store, cache and publisher are optional.
type RunManager struct {
	validators ValidatorFactory
	store      RunStore
	cache      RunCache
	publisher  RunPublisher
	cfg        RunManagerConfig
	logger     *zap.Logger

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunManager creates a new run manager
func NewRunManager(
	validators ValidatorFactory,
	runStore RunStore,
	cache RunCache,
	publisher RunPublisher,
	cfg RunManagerConfig,
) *RunManager {
	if cfg.ReportTTL <= 0 {
		cfg.ReportTTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}

	stopCtx, stop := context.WithCancel(context.Background())
	return &RunManager{
		validators: validators,
		store:      runStore,
		cache:      cache,
		publisher:  publisher,
		cfg:        cfg,
		logger:     util.GetLogger(),
		stopCtx:    stopCtx,
		stop:       stop,
	}
}

type run struct {
	report *models.Report
	users  []string
	lock   *redisclient.RunLock
}

// Execute validates a load test and returns the finished report. A run that could not
// be persisted still returns its report alongside the error.
func (m *RunManager) Execute(ctx context.Context, req RunRequest) (*models.Report, error) {
	r, err := m.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.finish(ctx, r)
}

// Start begins a validation in the background and returns its run ID
func (m *RunManager) Start(ctx context.Context, req RunRequest) (string, error) {
	r, err := m.begin(ctx, req)
	if err != nil {
		return "", err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.finish(m.stopCtx, r); err != nil {
			m.logger.Error("Background validation run failed",
				zap.String("run_id", r.report.RunID), zap.Error(err))
		}
	}()

	return r.report.RunID, nil
}

// Close cancels background runs and waits for them to record their reports
func (m *RunManager) Close() {
	m.stop()
	m.wg.Wait()
}

// GetReport returns a run report from the cache, falling back to the store
func (m *RunManager) GetReport(ctx context.Context, runID string) (*models.Report, error) {
	ctx, span := util.StartSpan(ctx, "RunManager.GetReport", attribute.String("run_id", runID))
	defer span.End()

	if m.cache != nil {
		report, err := m.cache.GetCachedReport(ctx, runID)
		if err != nil {
			m.logger.Warn("Report cache lookup failed", zap.String("run_id", runID), zap.Error(err))
		} else if report != nil {
			return report, nil
		}
	}

	if m.store == nil {
		return nil, store.ErrRunNotFound
	}
	return m.store.LoadReport(ctx, runID)
}

// begin takes the test's lock and records the run as started
func (m *RunManager) begin(ctx context.Context, req RunRequest) (*run, error) {
	if req.TestID == "" {
		return nil, errors.New("test id is required")
	}
	if req.TotalUsers < 0 {
		return nil, fmt.Errorf("total users must not be negative, got %d", req.TotalUsers)
	}

	r := &run{
		users: req.users(),
		report: &models.Report{
			RunID:     uuid.New().String(),
			TestID:    req.TestID,
			Status:    models.RunStatusRunning,
			StartedAt: time.Now().UTC(),
			Carts:     map[string]models.EntityReport{},
			Products:  map[string]models.EntityReport{},
		},
	}

	if m.cache != nil {
		lock, err := m.cache.AcquireRunLock(ctx, req.TestID, m.cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		r.lock = lock
	}

	if m.store != nil {
		if err := m.store.CreateRun(ctx, r.report); err != nil {
			m.releaseLock(r)
			return nil, err
		}
	}
	m.cacheReport(ctx, r.report)

	m.logger.Info("Validation run started",
		zap.String("run_id", r.report.RunID),
		zap.String("test_id", req.TestID),
		zap.Int("users", len(r.users)))

	return r, nil
}

// finish validates every entity and records the outcome
func (m *RunManager) finish(ctx context.Context, r *run) (*models.Report, error) {
	defer m.releaseLock(r)

	report := r.report
	ctx, span := util.StartSpan(ctx, "RunManager.Execute",
		attribute.String("run_id", report.RunID),
		attribute.String("test_id", report.TestID))
	defer span.End()

	validator := m.validators(report.TestID)

	report.Carts = validator.ValidateAllCarts(ctx, r.users, m.cfg.CartWaitSeconds)

	products, err := validator.ValidateAllProducts(ctx, m.cfg.ProductWaitSeconds)
	if err != nil {
		report.Error = err.Error()
		span.RecordError(err)
	} else {
		report.Products = products
		if m.cfg.CountHandledRequests {
			m.countHandledRequests(ctx, validator, report)
		}
	}

	if err := ctx.Err(); err != nil && report.Error == "" {
		report.Error = fmt.Sprintf("validation interrupted: %v", err)
	}

	report.FinishedAt = time.Now().UTC()
	report.Status = models.RunStatusCompleted
	if report.Error != "" {
		report.Status = models.RunStatusFailed
	}

	counts := report.Counts()
	result := "consistent"
	switch {
	case report.Status == models.RunStatusFailed:
		result = "failed"
	case !report.Consistent():
		result = "inconsistent"
	}
	util.ValidationRunsTotal.WithLabelValues(result).Inc()
	util.RunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	span.SetAttributes(attribute.String("result", result))

	m.logger.Info("Validation run finished",
		zap.String("run_id", report.RunID),
		zap.String("test_id", report.TestID),
		zap.String("result", result),
		zap.Int("consistent", counts.Consistent),
		zap.Int("inconsistent", counts.Inconsistent),
		zap.Int("errored", counts.Errored),
		zap.Int("interrupted", counts.Interrupted),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))

	// results are recorded even when the run itself was cancelled
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	persistErr := m.persist(recordCtx, report)
	m.cacheReport(recordCtx, report)
	m.publish(recordCtx, report, counts)

	if persistErr != nil {
		return report, fmt.Errorf("failed to persist run %s: %w", report.RunID, persistErr)
	}
	return report, nil
}

func (m *RunManager) countHandledRequests(ctx context.Context, validator Validator, report *models.Report) {
	ids := make([]string, 0, len(report.Products))
	for id := range report.Products {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summary, err := validator.CountHandledRequests(ctx, ids)
	if err != nil {
		m.logger.Warn("Failed to count handled reservation requests",
			zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	report.HandledRequests = summary
}

func (m *RunManager) persist(ctx context.Context, report *models.Report) error {
	if m.store == nil {
		return nil
	}

	entries := make([]models.EntityReport, 0, len(report.Carts)+len(report.Products))
	for _, e := range report.Carts {
		entries = append(entries, e)
	}
	for _, e := range report.Products {
		entries = append(entries, e)
	}

	if err := m.store.SaveEntityResults(ctx, report.RunID, entries); err != nil {
		return err
	}
	return m.store.CompleteRun(ctx, report)
}

func (m *RunManager) cacheReport(ctx context.Context, report *models.Report) {
	if m.cache == nil {
		return
	}
	if err := m.cache.CacheReport(ctx, report, m.cfg.ReportTTL); err != nil {
		m.logger.Warn("Failed to cache report", zap.String("run_id", report.RunID), zap.Error(err))
	}
}

func (m *RunManager) publish(ctx context.Context, report *models.Report, counts models.ReportCounts) {
	if m.publisher == nil {
		return
	}

	event := &models.ValidationCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeValidationCompleted,
			Timestamp: time.Now(),
		},
		RunID:        report.RunID,
		TestID:       report.TestID,
		Consistent:   report.Consistent(),
		Checked:      len(report.Carts) + len(report.Products),
		Inconsistent: counts.Inconsistent,
		Errored:      counts.Errored,
		Interrupted:  counts.Interrupted,
	}

	if err := m.publisher.PublishValidationCompleted(ctx, event); err != nil {
		m.logger.Error("Failed to publish ValidationCompleted event", zap.Error(err))
	}
}

func (m *RunManager) releaseLock(r *run) {
	if m.cache == nil || r.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cache.ReleaseRunLock(ctx, r.lock); err != nil {
		m.logger.Warn("Failed to release run lock", zap.String("test_id", r.report.TestID), zap.Error(err))
	}
}
