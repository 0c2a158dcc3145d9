package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"consistency-checker/internal/models"
	"consistency-checker/internal/poller"
	"consistency-checker/internal/reconcile"
	"consistency-checker/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CartSource reads carts from the shop service
type CartSource interface {
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
}

// InventorySource reads products, reservations and availabilities from the inventory service
type InventorySource interface {
	ListProducts(ctx context.Context, page, limit int) ([]models.Product, error)
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
	ListReservations(ctx context.Context, filter models.ReservationFilter) ([]models.Reservation, error)
	GetAvailability(ctx context.Context, productID string) (*models.Availability, error)
	GetHandledRequestsTotal(ctx context.Context, productID string) (int64, error)
}

// DefaultMaxProductPages caps product discovery for listings that never return a short page
const DefaultMaxProductPages = 1000

// ValidationConfig holds the knobs of one validation service
type ValidationConfig struct {
	Concurrency          int
	PageSize             int
	MaxPages             int
	CompareDesiredAmount bool

	// Now is the clock used for expiry decisions. Nil means time.Now.
	Now func() time.Time
}

// ValidationService checks every cart and every product of a load test, each one polled
// independently until it converges or its wait budget runs out
type ValidationService struct {
	shop      CartSource
	inventory InventorySource
	poller    *poller.Poller
	cfg       ValidationConfig
	logger    *zap.Logger
}

// NewValidationService creates a new validation service
func NewValidationService(shop CartSource, inventory InventorySource, p *poller.Poller, cfg ValidationConfig) *ValidationService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxProductPages
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if p == nil {
		p = poller.New()
	}

	return &ValidationService{
		shop:      shop,
		inventory: inventory,
		poller:    p,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// ValidateAllCarts checks the cart of every user. Each user gets its own wait budget.
// Fetch failures become ERROR entries and never stop the other checks.
func (s *ValidationService) ValidateAllCarts(ctx context.Context, userIDs []string, waitSeconds int) map[string]models.EntityReport {
	ctx, span := util.StartSpan(ctx, "ValidationService.ValidateAllCarts",
		attribute.Int("users", len(userIDs)))
	defer span.End()

	return s.validateAll(ctx, models.EntityTypeCart, userIDs, waitSeconds, s.checkCart)
}

// ValidateAllProducts discovers the test's products and checks each one's availability.
// Only a failure to list the products is returned as an error.
func (s *ValidationService) ValidateAllProducts(ctx context.Context, waitSeconds int) (map[string]models.EntityReport, error) {
	ctx, span := util.StartSpan(ctx, "ValidationService.ValidateAllProducts")
	defer span.End()

	productIDs, err := s.ListProductIDs(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	span.SetAttributes(attribute.Int("products", len(productIDs)))

	return s.validateAll(ctx, models.EntityTypeProduct, productIDs, waitSeconds, s.checkProduct), nil
}

// ListProductIDs pages through the product listing from page 1 until a short or empty page.
// IDs are deduplicated, so products shifting across page boundaries are not checked twice
// and a page repeated by such a shift does not end the listing early.
func (s *ValidationService) ListProductIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	ids := make([]string, 0)

	for page := 1; ; page++ {
		if page > s.cfg.MaxPages {
			return nil, fmt.Errorf("product listing still returns full pages after %d pages", s.cfg.MaxPages)
		}

		products, err := s.inventory.ListProducts(ctx, page, s.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}

		for _, p := range products {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			ids = append(ids, p.ID)
		}

		if len(products) < s.cfg.PageSize {
			break
		}
	}

	s.logger.Debug("Discovered products", zap.Int("count", len(ids)))
	return ids, nil
}

// CountHandledRequests sums the inventory service's handled reservation request counters
func (s *ValidationService) CountHandledRequests(ctx context.Context, productIDs []string) (*models.HandledRequestsSummary, error) {
	ctx, span := util.StartSpan(ctx, "ValidationService.CountHandledRequests")
	defer span.End()

	summary := &models.HandledRequestsSummary{ByProduct: make(map[string]int64, len(productIDs))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range productIDs {
		id := id
		g.Go(func() error {
			handled, err := s.inventory.GetHandledRequestsTotal(gctx, id)
			if err != nil {
				return fmt.Errorf("product %s: %w", id, err)
			}
			mu.Lock()
			summary.ByProduct[id] = handled
			summary.Total += handled
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return summary, nil
}

// validateAll polls every entity with a bounded number in flight and collects their reports
func (s *ValidationService) validateAll(
	ctx context.Context,
	entityType string,
	ids []string,
	waitSeconds int,
	check func(ctx context.Context, id string) (models.ValidationResult, error),
) map[string]models.EntityReport {
	reports := make(map[string]models.EntityReport, len(ids))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			report := s.validateOne(ctx, entityType, id, waitSeconds, check)
			mu.Lock()
			reports[id] = report
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return reports
}

func (s *ValidationService) validateOne(
	ctx context.Context,
	entityType, id string,
	waitSeconds int,
	check func(ctx context.Context, id string) (models.ValidationResult, error),
) models.EntityReport {
	fields := util.EntityFields(entityType, id)

	p := *s.poller
	p.OnRetry = func(attempt int, last models.ValidationResult) {
		s.logger.Debug("Entity not yet consistent, retrying",
			append(fields, zap.Int("attempt", attempt), zap.Int("discrepancies", len(last.Discrepancies)))...)
	}

	outcome, err := p.PollUntilConsistent(ctx, func(ctx context.Context) (models.ValidationResult, error) {
		return check(ctx, id)
	}, waitSeconds)

	report := models.EntityReport{
		EntityID:   id,
		EntityType: entityType,
		Attempts:   outcome.Attempts,
	}

	switch {
	case err != nil && ctx.Err() != nil:
		report.Status = models.EntityStatusInterrupted
		report.Error = err.Error()
		s.logger.Info("Entity check interrupted", append(fields, zap.Error(err))...)
	case err != nil:
		report.Status = models.EntityStatusError
		report.Error = err.Error()
		s.logger.Warn("Entity check failed", append(fields, zap.Error(err))...)
	case outcome.State == poller.StateConverged:
		report.Status = models.EntityStatusConsistent
	default:
		report.Status = models.EntityStatusInconsistent
		report.Discrepancies = outcome.Result
		for _, d := range outcome.Result.Discrepancies {
			util.DiscrepanciesTotal.WithLabelValues(entityType, d.Kind).Inc()
		}
		s.logger.Info("Entity inconsistent",
			append(fields, zap.Int("attempts", outcome.Attempts), zap.Any("discrepancies", outcome.Result.Discrepancies))...)
	}

	util.EntityChecksTotal.WithLabelValues(entityType, string(report.Status)).Inc()
	util.PollAttempts.WithLabelValues(entityType).Observe(float64(outcome.Attempts))

	return report
}

// checkCart fetches a fresh cart and the user's reservations and reconciles them
func (s *ValidationService) checkCart(ctx context.Context, userID string) (models.ValidationResult, error) {
	cart, err := s.shop.GetCart(ctx, userID)
	if err != nil {
		return models.ValidationResult{}, err
	}

	reservations, err := s.inventory.ListReservations(ctx, models.ReservationFilter{UserID: userID})
	if err != nil {
		return models.ValidationResult{}, err
	}

	result := reconcile.ReconcileCart(*cart, reconcile.IndexReservations(reservations), s.cfg.Now())
	for _, d := range reconcile.DuplicateReservations(reservations) {
		result.Add(d)
	}
	return result, nil
}

// checkProduct fetches a fresh product, its availability and its reservations and reconciles them
func (s *ValidationService) checkProduct(ctx context.Context, productID string) (models.ValidationResult, error) {
	product, err := s.inventory.GetProduct(ctx, productID)
	if err != nil {
		return models.ValidationResult{}, err
	}

	availability, err := s.inventory.GetAvailability(ctx, productID)
	if err != nil {
		return models.ValidationResult{}, err
	}

	reservations, err := s.inventory.ListReservations(ctx, models.ReservationFilter{ProductID: productID})
	if err != nil {
		return models.ValidationResult{}, err
	}

	opts := reconcile.AvailabilityOptions{CompareDesiredAmount: s.cfg.CompareDesiredAmount}
	return reconcile.ReconcileAvailability(*product, *availability, reservations, opts), nil
}
