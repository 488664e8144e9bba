package execution

import (
	"context"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/apperrors"
	"trading_bot/pkg/concurrency"
	"trading_bot/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Dispatcher runs venue round-trips on a worker pool so the event path never
// blocks on I/O. Every outcome re-enters the scheduler as a TimerEvent; the
// state machine is the only consumer of those events.
type Dispatcher struct {
	gateway   core.IVenueGateway
	publisher core.IPublisher
	pool      *concurrency.WorkerPool
	pipeline  failsafe.Executor[any]
	cfg       config.ExecutionConfig
	logger    core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewDispatcher creates a dispatcher with a retry pipeline for transport
// failures. Venue business rejections are never retried.
func NewDispatcher(gateway core.IVenueGateway, publisher core.IPublisher, cfg config.ExecutionConfig, logger core.ILogger) *Dispatcher {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(cfg.BackoffBase, cfg.BackoffMax).
		WithMaxRetries(cfg.MaxSubmitRetries).
		Build()

	// Open the circuit on sustained transport failures so a degraded venue
	// fails fast instead of tying up the worker pool in retries.
	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		gateway:   gateway,
		publisher: publisher,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "venue_io",
			MaxWorkers:  cfg.WorkerPoolSize,
			MaxCapacity: cfg.WorkerPoolBuffer,
		}, logger),
		pipeline: failsafe.With[any](retryPolicy, breaker),
		cfg:      cfg,
		logger:   logger.WithField("component", "dispatcher"),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Submit sends an order to the venue asynchronously. Transport errors are
// retried with backoff inside the pipeline; the final outcome is published as
// a DISPATCH_OK or DISPATCH_ERROR timer event for the order.
func (d *Dispatcher) Submit(orderID string, req *core.OrderRequest) {
	_ = d.pool.Submit(func() {
		start := d.now()
		err := d.pipeline.Run(func() error {
			return d.gateway.Submit(d.ctx, req)
		})

		metrics := telemetry.GetGlobalMetrics()
		if metrics.SubmitLatency != nil {
			metrics.SubmitLatency.Record(d.ctx, float64(d.now().Sub(start).Milliseconds()))
		}

		if err != nil {
			d.logger.Warn("Order dispatch failed",
				"order_id", orderID,
				"client_order_id", req.IdempotencyKey,
				"error", err)
			d.publisher.Publish(&core.TimerEvent{
				Kind:      core.TimerDispatchError,
				OrderID:   orderID,
				Err:       err,
				Timestamp: d.now(),
			})
			return
		}

		d.publisher.Publish(&core.TimerEvent{
			Kind:      core.TimerDispatchOK,
			OrderID:   orderID,
			Timestamp: d.now(),
		})
	})
}

// Cancel requests cancellation of a venue order asynchronously. The venue
// answers on its update stream with CANCEL_CONFIRM or REJECT.
func (d *Dispatcher) Cancel(orderID, venueOrderID string) {
	_ = d.pool.Submit(func() {
		err := d.pipeline.Run(func() error {
			return d.gateway.Cancel(d.ctx, venueOrderID)
		})
		if err != nil {
			d.logger.Warn("Cancel dispatch failed",
				"order_id", orderID,
				"venue_order_id", venueOrderID,
				"error", err)
			// A failed cancel is not a failed submit; the state machine
			// resolves it by querying, never by rejecting the order.
			d.publisher.Publish(&core.TimerEvent{
				Kind:      core.TimerCancelError,
				OrderID:   orderID,
				Err:       err,
				Timestamp: d.now(),
			})
		}
	})
}

// Query asks the venue for the authoritative status of an order. The result
// re-enters the scheduler as a QUERY_RESULT timer event; a nil status means
// the venue does not know the order or the query itself failed.
func (d *Dispatcher) Query(orderID, clientOrderID string) {
	_ = d.pool.Submit(func() {
		status, err := d.gateway.QueryStatus(d.ctx, clientOrderID)
		if err != nil {
			d.logger.Warn("Status query failed",
				"order_id", orderID,
				"client_order_id", clientOrderID,
				"error", err)
			status = nil
		}
		d.publisher.Publish(&core.TimerEvent{
			Kind:      core.TimerQueryResult,
			OrderID:   orderID,
			Status:    status,
			Err:       err,
			Timestamp: d.now(),
		})
	})
}

// Stop cancels in-flight round-trips and drains the pool
func (d *Dispatcher) Stop() {
	d.cancel()
	d.pool.Stop()
}
