package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/qbsync/qbsync/pkg/telemetry"
)

// Orchestrator drives sync runs: it serializes triggers through the run
// guard, opens one session per run, walks the configured blocks in order,
// and tears the session down no matter how far the run got.
type Orchestrator struct {
	source BalanceSource
	sink   Sink
	synth  Synthesizer
	store  RunStore
	guard  *RunGuard
	tel    *telemetry.Telemetry
}

// NewOrchestrator creates an orchestrator over the given source, sink,
// and run guard. Fallback synthesis, run history, and telemetry are off
// until wired in with the With* methods.
func NewOrchestrator(source BalanceSource, sink Sink, guard *RunGuard) *Orchestrator {
	return &Orchestrator{
		source: source,
		sink:   sink,
		guard:  guard,
		tel:    telemetry.Nop(),
	}
}

// WithSynthesizer enables fallback balance synthesis for blocks the live
// interface could not serve.
func (o *Orchestrator) WithSynthesizer(s Synthesizer) *Orchestrator {
	o.synth = s
	return o
}

// WithStore enables run history persistence. Store failures are logged,
// never escalated; the run's outcome stands either way.
func (o *Orchestrator) WithStore(s RunStore) *Orchestrator {
	o.store = s
	return o
}

// WithTelemetry attaches logging, metrics, tracing, and events.
func (o *Orchestrator) WithTelemetry(t *telemetry.Telemetry) *Orchestrator {
	if t != nil {
		o.tel = t
	}
	return o
}

// Run executes one sync cycle over the configured blocks. An overlapping
// trigger fails fast with an error matching ErrRunActive; the cycle is
// skipped, never queued. Every block gets exactly one result, and the
// summary is returned even when every block failed.
func (o *Orchestrator) Run(ctx context.Context, blocks []SyncBlock) (*RunSummary, error) {
	release, err := o.guard.Acquire()
	if err != nil {
		o.tel.Logger.WithError(err).Warn("Sync run skipped")
		_ = o.tel.Events.PublishRunSkipped(err.Error())
		return nil, err
	}
	defer release()

	runID := uuid.New().String()
	logger := o.tel.Logger.NewComponentLogger("engine").WithRunID(runID)

	summary := &RunSummary{
		RunID:   runID,
		Started: time.Now(),
		Results: make([]SyncResult, 0, len(blocks)),
	}

	o.tel.Metrics.RecordRunStarted()
	_ = o.tel.Events.PublishRunStarted(runID, len(blocks))

	runCtx, span := o.tel.Tracer.StartRunSpan(ctx, runID)
	defer span.End()

	logger.Infof("Sync run started over %d blocks", len(blocks))

	// A session-level failure flips the run into degraded mode: no more
	// queries, every remaining block synthesizes or fails with the cause.
	var sessionErr error

	progID, err := o.source.Open(runCtx)
	if err != nil {
		sessionErr = err
		logger.WithError(err).Error("Session open failed, all blocks degrade")
		if o.synth != nil {
			_ = o.tel.Events.PublishFallbackEngaged(runID, err.Error())
		}
	} else {
		summary.ProgID = progID
		logger = logger.WithProgID(progID)
		telemetry.SetAttributes(span, telemetry.AttrProgID.String(progID))
		logger.Info("Session opened")
	}

	for _, block := range blocks {
		res := o.runBlock(runCtx, logger, runID, block, sessionErr)
		summary.Results = append(summary.Results, res)

		if sessionErr == nil && res.Err != nil && IsSessionScoped(res.Err) {
			sessionErr = res.Err
			logger.WithError(res.Err).Error("Session lost mid-run, remaining blocks degrade")
			if o.synth != nil {
				_ = o.tel.Events.PublishFallbackEngaged(runID, res.Err.Error())
			}
		}
	}

	// Teardown runs from whatever state the session reached, before the
	// guard is released.
	o.source.Teardown(runCtx)

	summary.Finished = time.Now()
	summary.Status = statusOf(summary.Results)

	duration := summary.Finished.Sub(summary.Started)
	o.tel.Metrics.RecordRunCompleted(string(summary.Status), duration)
	_ = o.tel.Events.PublishRunCompleted(runID, string(summary.Status), duration)

	telemetry.SetAttributes(span, telemetry.AttrRunStatus.String(string(summary.Status)))
	if summary.Status == RunStatusFailed {
		telemetry.RecordError(span, errors.New("every block failed"))
	} else {
		telemetry.RecordSuccess(span)
	}

	delivered, notFound, failed := summary.Counts()
	logger.Infof("Sync run finished: status=%s delivered=%d not_found=%d failed=%d duration=%s",
		summary.Status, delivered, notFound, failed, duration.Round(time.Millisecond))

	if o.store != nil {
		if err := o.store.RecordRun(runCtx, summary); err != nil {
			logger.WithError(err).Error("Run history write failed")
		}
	}

	return summary, nil
}

// runBlock resolves a single block and records its telemetry. With a
// session error it goes straight to degraded mode; otherwise it queries
// the live interface.
func (o *Orchestrator) runBlock(ctx context.Context, logger *telemetry.Logger, runID string, block SyncBlock, sessionErr error) SyncResult {
	blockCtx, span := o.tel.Tracer.StartBlockSpan(ctx, block.Account, block.SpreadsheetID, block.SheetName, block.Cell)
	defer span.End()

	log := logger.WithBlock(block.Label())

	var res SyncResult
	if sessionErr != nil {
		res = o.degradedBlock(blockCtx, log, block, sessionErr)
	} else {
		res = o.liveBlock(blockCtx, log, block)
	}

	o.tel.Metrics.RecordBlockOutcome(string(res.Outcome))
	telemetry.SetAttributes(span, telemetry.AttrOutcome.String(string(res.Outcome)))
	if res.Err != nil {
		o.recordFailure(res.Err)
	}

	if res.Outcome.IsFailure() {
		telemetry.RecordError(span, res.Err)
		_ = o.tel.Events.PublishBlockFailed(runID, block.Account, res.Detail())
	} else {
		telemetry.RecordSuccess(span)
		_ = o.tel.Events.PublishBlockSynced(runID, block.Account, string(res.Outcome))
	}

	return res
}

// liveBlock queries the live interface and delivers the balance. An
// absent account is a terminal expected outcome; any other query failure
// falls through to degraded mode for this block.
func (o *Orchestrator) liveBlock(ctx context.Context, log *telemetry.Logger, block SyncBlock) SyncResult {
	balance, queryErr := o.source.QueryBalance(ctx, block.Account)
	if queryErr != nil {
		if IsNotFound(queryErr) {
			log.Warn("Account absent from company file")
			return SyncResult{Block: block, Outcome: OutcomeNotFound, Err: queryErr}
		}
		log.WithError(queryErr).Error("Balance query failed")
		return o.degradedBlock(ctx, log, block, queryErr)
	}

	if err := o.sink.Deliver(ctx, block, balance); err != nil {
		log.WithError(err).Error("Sink delivery failed")
		return SyncResult{Block: block, Outcome: OutcomeSinkFailed, Balance: &balance, Err: err}
	}

	log.Info("Balance delivered")
	return SyncResult{Block: block, Outcome: OutcomeDelivered, Balance: &balance}
}

// degradedBlock resolves a block without a live query: synthesize and
// deliver when a synthesizer exists, otherwise fail the block with the
// cause. A delivered synthetic result keeps the cause as its detail.
func (o *Orchestrator) degradedBlock(ctx context.Context, log *telemetry.Logger, block SyncBlock, cause error) SyncResult {
	if o.synth == nil {
		return SyncResult{Block: block, Outcome: OutcomeQueryFailed, Err: cause}
	}

	balance := o.synth.Synthesize(block.Account, time.Now())
	if err := o.sink.Deliver(ctx, block, balance); err != nil {
		log.WithError(err).Error("Sink rejected synthesized balance")
		return SyncResult{Block: block, Outcome: OutcomeSinkFailed, Balance: &balance, Err: err}
	}

	log.Warn("Delivered synthesized balance")
	return SyncResult{Block: block, Outcome: OutcomeDelivered, Balance: &balance, Err: cause}
}

// recordFailure feeds the error accounting metrics.
func (o *Orchestrator) recordFailure(err error) {
	class, code := ClassOf(err), CodeOf(err)
	if class == "" {
		class = "unclassified"
	}
	if code == "" {
		code = "UNCLASSIFIED"
	}
	o.tel.Metrics.RecordError(string(class), string(code))
}
