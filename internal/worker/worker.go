package worker

import (
	"context"
	"errors"

	"consistency-checker/internal/broker"
	"consistency-checker/internal/models"
	"consistency-checker/internal/redisclient"
	"consistency-checker/internal/service"
	"consistency-checker/internal/util"

	"go.uber.org/zap"
)

// Runner executes one validation run
type Runner interface {
	Execute(ctx context.Context, req service.RunRequest) (*models.Report, error)
}

// ValidationWorker validates each load test announced on the load test topic
type ValidationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	runner       Runner
	logger       *zap.Logger
}

// NewValidationWorker creates a new validation worker
func NewValidationWorker(consumer *broker.Consumer, runner Runner) *ValidationWorker {
	w := &ValidationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		runner:       runner,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnLoadTestCompleted(w.HandleLoadTestCompleted)
	return w
}

// HandleLoadTestCompleted runs the validation of a finished load test. A redelivered event
// for a test that is already being validated is acknowledged and dropped.
func (w *ValidationWorker) HandleLoadTestCompleted(ctx context.Context, event *models.LoadTestCompletedEvent) error {
	w.logger.Info("Load test completed, validating",
		zap.String("test_id", event.TestID),
		zap.Int("total_users", event.TotalUsers))

	report, err := w.runner.Execute(ctx, service.RunRequest{
		TestID:     event.TestID,
		TotalUsers: event.TotalUsers,
		UserIDs:    event.UserIDs,
	})
	if errors.Is(err, redisclient.ErrRunInProgress) {
		w.logger.Warn("Validation already running, skipping event", zap.String("test_id", event.TestID))
		return nil
	}
	if err != nil {
		if report != nil {
			w.logger.Error("Validation finished but was not recorded",
				zap.String("run_id", report.RunID), zap.Error(err))
			return nil
		}
		return err
	}

	return nil
}

// Start starts the worker
func (w *ValidationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting validation worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ValidationWorker) Stop() error {
	w.logger.Info("Stopping validation worker")
	return w.consumer.Close()
}
