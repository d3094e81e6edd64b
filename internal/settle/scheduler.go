package settle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/HumansWindow/lastproject-sub014/internal/ledger"
	"github.com/HumansWindow/lastproject-sub014/internal/rpc"
	"github.com/HumansWindow/lastproject-sub014/internal/types"
)

// Store is the slice of the durable queue the scheduler needs.
type Store interface {
	ClaimNextBatch(ctx context.Context, maxSize int) ([]types.IssuanceRequest, error)
	MarkSubmitted(ctx context.Context, ids []uuid.UUID, txRef string) error
	RetryOrFail(ctx context.Context, ids []uuid.UUID, maxRetries int, cause string) (int, error)
	MarkFailed(ctx context.Context, ids []uuid.UUID, cause string) error
	CompleteWithRecords(ctx context.Context, reqs []types.IssuanceRequest, txRef, amount string) error
	ListSubmitted(ctx context.Context) ([]types.IssuanceRequest, error)
	ListStaleInBatch(ctx context.Context, cutoff time.Time) ([]types.IssuanceRequest, error)
	CountPending(ctx context.Context) (int, error)
}

type Config struct {
	Network         string
	Amount          string
	MaxBatchSize    int
	TickInterval    time.Duration
	Cron            string
	MaxRetries      int
	SubmitTimeout   time.Duration
	ConfirmAttempts int
	ConfirmInterval time.Duration
	// AlertAfterNoEndpointTicks is how many consecutive ticks may end
	// with every endpoint down before the operator alert fires.
	AlertAfterNoEndpointTicks int
	// StaleInBatchAfter is how long an IN_BATCH request may sit
	// untouched before recovery reverts it. Must exceed a tick's
	// worst-case submit-plus-confirmation time so another instance's
	// in-flight batch is never swept. Zero disables recovery.
	StaleInBatchAfter time.Duration
}

// Scheduler is the recurring settlement control loop: claim a bounded
// batch, partition by issuance type, submit each partition through the
// healthiest endpoint and reconcile the outcome back into the queue.
// Only one tick runs at a time; a trigger arriving mid-tick is skipped.
type Scheduler struct {
	store    Store
	registry *rpc.Registry
	adapter  ledger.Adapter
	cfg      Config
	logger   logrus.FieldLogger
	metrics  *statsd.Client

	running         atomic.Bool
	noEndpointTicks int
}

func NewScheduler(store Store, registry *rpc.Registry, adapter ledger.Adapter, cfg Config, logger logrus.FieldLogger, metrics *statsd.Client) *Scheduler {
	return &Scheduler{
		store:    store,
		registry: registry,
		adapter:  adapter,
		cfg:      cfg,
		logger:   logger.WithField("component", "settle"),
		metrics:  metrics,
	}
}

// Run drives ticks from the configured cadence until ctx is cancelled:
// a cron expression when set, a fixed interval otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Cron != "" {
		schedule, err := cron.ParseStandard(s.cfg.Cron)
		if err != nil {
			return fmt.Errorf("failed to parse settlement cron expression: %w", err)
		}
		return s.runCron(ctx, schedule)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context, schedule cron.Schedule) error {
	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.Tick(ctx)
		}
	}
}

// HandleTickTask adapts the depth-triggered asynq task to a tick.
func (s *Scheduler) HandleTickTask(ctx context.Context, _ *asynq.Task) error {
	s.Tick(ctx)
	return nil
}

// Tick runs one settlement pass. Returns false when another tick was
// already in flight and this one was skipped.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("tick already in flight, skipping")
		return false
	}
	defer s.running.Store(false)

	s.resolveSubmitted(ctx)
	s.recoverStale(ctx)

	batch, err := s.store.ClaimNextBatch(ctx, s.cfg.MaxBatchSize)
	if err != nil {
		s.logger.WithError(err).Error("store.ClaimNextBatch")
		return true
	}
	if len(batch) == 0 {
		return true
	}

	s.count("issuer.settle.claimed", int64(len(batch)))
	s.logger.WithField("batch_size", len(batch)).Info("claimed settlement batch")

	partitions := make(map[types.IssuanceType][]types.IssuanceRequest)
	for _, req := range batch {
		partitions[req.IssuanceType] = append(partitions[req.IssuanceType], req)
	}

	var endpointsExhausted atomic.Bool
	var eg errgroup.Group
	for typ, part := range partitions {
		typ, part := typ, part
		eg.Go(func() error {
			exhausted, err := s.submitPartition(ctx, typ, part)
			if exhausted {
				endpointsExhausted.Store(true)
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		s.logger.WithError(err).Error("eg.Wait")
	}

	if endpointsExhausted.Load() {
		s.noEndpointTicks++
		if s.cfg.AlertAfterNoEndpointTicks > 0 && s.noEndpointTicks >= s.cfg.AlertAfterNoEndpointTicks {
			s.count("issuer.alert.no_healthy_endpoint", 1)
			s.logger.WithField("consecutive_ticks", s.noEndpointTicks).
				Error("no healthy ledger endpoint for consecutive settlement ticks")
		}
	} else {
		s.noEndpointTicks = 0
	}

	if depth, err := s.store.CountPending(ctx); err == nil {
		s.gauge("issuer.queue.pending", float64(depth))
	}
	return true
}

// submitPartition submits one issuance-type partition through the best
// endpoint. The bool result reports the exhausted-endpoints condition.
func (s *Scheduler) submitPartition(ctx context.Context, typ types.IssuanceType, part []types.IssuanceRequest) (bool, error) {
	ids := requestIDs(part)
	log := s.logger.WithFields(logrus.Fields{
		"issuance_type": typ,
		"size":          len(part),
	})

	ep, err := s.registry.Select(s.cfg.Network)
	if err != nil {
		if !errors.Is(err, rpc.ErrNoHealthyEndpoint) {
			return false, fmt.Errorf("registry.Select: %w", err)
		}
		log.Warn("no healthy endpoint, reverting partition for retry")
		failed, err := s.store.RetryOrFail(ctx, ids, s.cfg.MaxRetries, "no healthy ledger endpoint")
		if err != nil {
			return true, fmt.Errorf("store.RetryOrFail: %w", err)
		}
		s.reportRetried(log, part, failed)
		return true, nil
	}

	entries := make([]ledger.MintEntry, 0, len(part))
	for _, req := range part {
		entries = append(entries, ledger.MintEntry{
			WalletAddress: req.WalletAddress,
			Proof:         req.EligibilityProof,
		})
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	start := time.Now()
	txRef, err := s.adapter.SubmitBatchMint(submitCtx, ep, typ, entries)
	latency := time.Since(start)

	if err != nil {
		if ledger.IsPermanent(err) {
			// The endpoint answered; the contract said no. Not the
			// endpoint's fault, and retrying the same batch cannot help.
			s.registry.ReportOutcome(ep, true, latency)
			log.WithError(err).Error("ledger rejected partition")
			if err := s.store.MarkFailed(ctx, ids, err.Error()); err != nil {
				return false, fmt.Errorf("store.MarkFailed: %w", err)
			}
			s.count("issuer.settle.failed", int64(len(part)))
			return false, nil
		}

		s.registry.ReportOutcome(ep, false, 0)
		log.WithError(err).WithField("endpoint", ep.URL).Warn("transient submission failure")
		failed, retryErr := s.store.RetryOrFail(ctx, ids, s.cfg.MaxRetries, err.Error())
		if retryErr != nil {
			return false, fmt.Errorf("store.RetryOrFail: %w", retryErr)
		}
		s.reportRetried(log, part, failed)
		return false, nil
	}

	s.registry.ReportOutcome(ep, true, latency)
	s.timing("issuer.endpoint.latency", latency)

	if err := s.store.MarkSubmitted(ctx, ids, txRef); err != nil {
		return false, fmt.Errorf("store.MarkSubmitted: %w", err)
	}
	s.count("issuer.settle.submitted", int64(len(part)))
	log.WithField("tx_ref", txRef).Info("partition submitted")

	s.awaitConfirmation(ctx, txRef, part)
	return false, nil
}

// awaitConfirmation polls the ledger for the batch receipt with bounded
// linear backoff. Requests still unconfirmed when the budget runs out
// stay SUBMITTED and are resolved by a later tick.
func (s *Scheduler) awaitConfirmation(ctx context.Context, txRef string, part []types.IssuanceRequest) {
	log := s.logger.WithField("tx_ref", txRef)

	for attempt := 1; attempt <= s.cfg.ConfirmAttempts; attempt++ {
		done, err := s.checkConfirmation(ctx, txRef, part)
		if err != nil {
			log.WithError(err).Warn("confirmation check failed")
		}
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * s.cfg.ConfirmInterval):
		}
	}
	log.Warn("confirmation budget exhausted, leaving batch SUBMITTED")
}

// checkConfirmation performs a single confirmation poll and reconciles
// a definitive outcome. done is true once the batch reached a terminal
// state.
func (s *Scheduler) checkConfirmation(ctx context.Context, txRef string, part []types.IssuanceRequest) (bool, error) {
	ep, err := s.registry.Select(s.cfg.Network)
	if err != nil {
		return false, fmt.Errorf("registry.Select: %w", err)
	}

	start := time.Now()
	conf, err := s.adapter.GetConfirmation(ctx, ep, txRef)
	if err != nil {
		s.registry.ReportOutcome(ep, false, 0)
		return false, fmt.Errorf("adapter.GetConfirmation: %w", err)
	}
	s.registry.ReportOutcome(ep, true, time.Since(start))

	if !conf.Confirmed {
		return false, nil
	}

	if conf.Reverted {
		cause := fmt.Sprintf("ledger reverted batch %s: %s", txRef, conf.Reason)
		if err := s.store.MarkFailed(ctx, requestIDs(part), cause); err != nil {
			return false, fmt.Errorf("store.MarkFailed: %w", err)
		}
		s.count("issuer.settle.failed", int64(len(part)))
		s.logger.WithFields(logrus.Fields{
			"tx_ref": txRef,
			"reason": conf.Reason,
		}).Error("batch reverted on ledger")
		return true, nil
	}

	if err := s.store.CompleteWithRecords(ctx, part, txRef, s.cfg.Amount); err != nil {
		return false, fmt.Errorf("store.CompleteWithRecords: %w", err)
	}
	s.count("issuer.settle.completed", int64(len(part)))
	s.logger.WithFields(logrus.Fields{
		"tx_ref":       txRef,
		"block_height": conf.BlockHeight,
		"size":         len(part),
	}).Info("batch confirmed and recorded")
	return true, nil
}

// recoverStale reverts IN_BATCH requests a crashed tick or a failed
// mark-submitted left behind, so no request is stranded outside both
// the PENDING claim and the SUBMITTED resolution paths. A batch that
// did reach the ledger fails as an on-chain duplicate on resubmission,
// never double-mints.
func (s *Scheduler) recoverStale(ctx context.Context) {
	if s.cfg.StaleInBatchAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.StaleInBatchAfter)
	reqs, err := s.store.ListStaleInBatch(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("store.ListStaleInBatch")
		return
	}
	if len(reqs) == 0 {
		return
	}

	log := s.logger.WithField("stale", len(reqs))
	log.Warn("reverting stale in-batch requests")
	failed, err := s.store.RetryOrFail(ctx, requestIDs(reqs), s.cfg.MaxRetries, "recovered from interrupted settlement")
	if err != nil {
		log.WithError(err).Error("store.RetryOrFail")
		return
	}
	s.count("issuer.settle.recovered", int64(len(reqs)))
	s.reportRetried(log, reqs, failed)
}

// resolveSubmitted finishes batches a previous tick (or process) left
// SUBMITTED after exhausting its confirmation budget.
func (s *Scheduler) resolveSubmitted(ctx context.Context) {
	reqs, err := s.store.ListSubmitted(ctx)
	if err != nil {
		s.logger.WithError(err).Error("store.ListSubmitted")
		return
	}
	if len(reqs) == 0 {
		return
	}

	byTx := make(map[string][]types.IssuanceRequest)
	for _, req := range reqs {
		if req.TxRef == nil {
			continue
		}
		byTx[*req.TxRef] = append(byTx[*req.TxRef], req)
	}

	for txRef, part := range byTx {
		if _, err := s.checkConfirmation(ctx, txRef, part); err != nil {
			s.logger.WithError(err).WithField("tx_ref", txRef).Warn("failed to resolve submitted batch")
		}
	}
}

// reportRetried accounts a reverted partition: requests that exhausted
// their retry budget went FAILED instead of PENDING and raise an
// operator alert.
func (s *Scheduler) reportRetried(log logrus.FieldLogger, part []types.IssuanceRequest, failed int) {
	s.count("issuer.settle.retried", int64(len(part)-failed))
	if failed > 0 {
		s.count("issuer.alert.retries_exhausted", int64(failed))
		log.WithField("failed", failed).Error("requests exhausted retry budget")
	}
}

func requestIDs(reqs []types.IssuanceRequest) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.ID)
	}
	return ids
}

func (s *Scheduler) count(name string, value int64) {
	if s.metrics != nil {
		_ = s.metrics.Count(name, value, nil, 1)
	}
}

func (s *Scheduler) gauge(name string, value float64) {
	if s.metrics != nil {
		_ = s.metrics.Gauge(name, value, nil, 1)
	}
}

func (s *Scheduler) timing(name string, d time.Duration) {
	if s.metrics != nil {
		_ = s.metrics.Timing(name, d, nil, 1)
	}
}
