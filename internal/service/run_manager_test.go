package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consistency-checker/internal/models"
	"consistency-checker/internal/redisclient"
	"consistency-checker/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	mu          sync.Mutex
	cartUsers   []string
	cartWait    int
	productWait int
	products    map[string]models.EntityReport
	productsErr error
	handled     *models.HandledRequestsSummary
	block       chan struct{}
}

func (v *fakeValidator) ValidateAllCarts(ctx context.Context, userIDs []string, waitSeconds int) map[string]models.EntityReport {
	if v.block != nil {
		select {
		case <-v.block:
		case <-ctx.Done():
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cartUsers = userIDs
	v.cartWait = waitSeconds

	reports := map[string]models.EntityReport{}
	for _, u := range userIDs {
		reports[u] = models.EntityReport{EntityID: u, EntityType: models.EntityTypeCart, Status: models.EntityStatusConsistent, Attempts: 1}
	}
	return reports
}

func (v *fakeValidator) ValidateAllProducts(ctx context.Context, waitSeconds int) (map[string]models.EntityReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.productWait = waitSeconds
	if v.productsErr != nil {
		return nil, v.productsErr
	}
	return v.products, nil
}

func (v *fakeValidator) CountHandledRequests(ctx context.Context, productIDs []string) (*models.HandledRequestsSummary, error) {
	return v.handled, nil
}

type memoryStore struct {
	mu      sync.Mutex
	runs    map[string]*models.Report
	entries map[string][]models.EntityReport
}

func newMemoryStore() *memoryStore {
	return &memoryStore{runs: map[string]*models.Report{}, entries: map[string][]models.EntityReport{}}
}

func (s *memoryStore) CreateRun(ctx context.Context, report *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *report
	s.runs[report.RunID] = &cp
	return nil
}

func (s *memoryStore) CompleteRun(ctx context.Context, report *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[report.RunID]; !ok {
		return store.ErrRunNotFound
	}
	cp := *report
	s.runs[report.RunID] = &cp
	return nil
}

func (s *memoryStore) SaveEntityResults(ctx context.Context, runID string, entries []models.EntityReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[runID] = append(s.entries[runID], entries...)
	return nil
}

func (s *memoryStore) LoadReport(ctx context.Context, runID string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

type memoryCache struct {
	mu       sync.Mutex
	locks    map[string]bool
	reports  map[string]models.Report
	released int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{locks: map[string]bool{}, reports: map[string]models.Report{}}
}

func (c *memoryCache) AcquireRunLock(ctx context.Context, testID string, ttl time.Duration) (*redisclient.RunLock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[testID] {
		return nil, redisclient.ErrRunInProgress
	}
	c.locks[testID] = true
	return &redisclient.RunLock{}, nil
}

func (c *memoryCache) ReleaseRunLock(ctx context.Context, lock *redisclient.RunLock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
	for k := range c.locks {
		delete(c.locks, k)
	}
	return nil
}

func (c *memoryCache) CacheReport(ctx context.Context, report *models.Report, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[report.RunID] = *report
	return nil
}

func (c *memoryCache) GetCachedReport(ctx context.Context, runID string) (*models.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.ValidationCompletedEvent
}

func (p *recordingPublisher) PublishValidationCompleted(ctx context.Context, event *models.ValidationCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func factoryFor(v Validator) ValidatorFactory {
	return func(testID string) Validator { return v }
}

func TestRunManager_Execute(t *testing.T) {
	v := &fakeValidator{
		products: map[string]models.EntityReport{
			"P1": {EntityID: "P1", EntityType: models.EntityTypeProduct, Status: models.EntityStatusInconsistent, Attempts: 4},
		},
		handled: &models.HandledRequestsSummary{ByProduct: map[string]int64{"P1": 3}, Total: 3},
	}
	st, cache, pub := newMemoryStore(), newMemoryCache(), &recordingPublisher{}
	m := NewRunManager(factoryFor(v), st, cache, pub, RunManagerConfig{
		CartWaitSeconds:      10,
		ProductWaitSeconds:   20,
		CountHandledRequests: true,
	})

	report, err := m.Execute(context.Background(), RunRequest{TestID: "t1", TotalUsers: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"VU_1_t1", "VU_2_t1"}, v.cartUsers)
	assert.Equal(t, 10, v.cartWait)
	assert.Equal(t, 20, v.productWait)

	assert.Equal(t, models.RunStatusCompleted, report.Status)
	assert.False(t, report.Consistent())
	assert.Len(t, report.Carts, 2)
	assert.Equal(t, int64(3), report.HandledRequests.Total)

	assert.Len(t, st.entries[report.RunID], 3)
	stored, err := m.GetReport(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)

	require.Len(t, pub.events, 1)
	assert.False(t, pub.events[0].Consistent)
	assert.Equal(t, 3, pub.events[0].Checked)
	assert.Equal(t, 1, pub.events[0].Inconsistent)

	assert.Equal(t, 1, cache.released)
}

func TestRunManager_ProductListingFailureFailsRun(t *testing.T) {
	v := &fakeValidator{productsErr: errors.New("inventory down")}
	m := NewRunManager(factoryFor(v), nil, nil, nil, RunManagerConfig{})

	report, err := m.Execute(context.Background(), RunRequest{TestID: "t1", UserIDs: []string{"alice"}})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, report.Status)
	assert.Contains(t, report.Error, "inventory down")
	assert.False(t, report.Consistent())
	assert.Equal(t, []string{"alice"}, v.cartUsers)
}

func TestRunManager_RejectsConcurrentRunOfSameTest(t *testing.T) {
	v := &fakeValidator{block: make(chan struct{})}
	cache := newMemoryCache()
	m := NewRunManager(factoryFor(v), newMemoryStore(), cache, nil, RunManagerConfig{})
	defer m.Close()

	runID, err := m.Start(context.Background(), RunRequest{TestID: "t1", TotalUsers: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	running, err := m.GetReport(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, running.Status)

	_, err = m.Execute(context.Background(), RunRequest{TestID: "t1", TotalUsers: 1})
	assert.ErrorIs(t, err, redisclient.ErrRunInProgress)

	close(v.block)
	assert.Eventually(t, func() bool {
		r, err := m.GetReport(context.Background(), runID)
		return err == nil && r.Status == models.RunStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRunManager_CloseInterruptsBackgroundRuns(t *testing.T) {
	v := &fakeValidator{block: make(chan struct{})}
	st := newMemoryStore()
	m := NewRunManager(factoryFor(v), st, nil, nil, RunManagerConfig{})

	runID, err := m.Start(context.Background(), RunRequest{TestID: "t1", TotalUsers: 1})
	require.NoError(t, err)

	m.Close()

	report, err := m.GetReport(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, report.Status)
	assert.Contains(t, report.Error, "interrupted")
}

func TestRunManager_GetReportUnknown(t *testing.T) {
	m := NewRunManager(factoryFor(&fakeValidator{}), newMemoryStore(), newMemoryCache(), nil, RunManagerConfig{})

	_, err := m.GetReport(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestRunManager_RequiresTestID(t *testing.T) {
	m := NewRunManager(factoryFor(&fakeValidator{}), nil, nil, nil, RunManagerConfig{})

	_, err := m.Execute(context.Background(), RunRequest{})
	assert.Error(t, err)
}
