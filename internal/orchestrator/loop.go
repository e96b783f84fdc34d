package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"github.com/unendless314/hl-follower/internal/bus"
	"github.com/unendless314/hl-follower/internal/decision"
	"github.com/unendless314/hl-follower/internal/schema"
)

// busEventSource identifies orchestrator-published bus events distinct
// from a WAL source id, since the two never share a payload stream.
const busEventSource uint16 = 3

// Run starts every cooperative task spec.md's concurrency model names —
// ingest poll, event bus consumer, reconcile loop, heartbeat, and the
// execution worker pool — and blocks until ctx is canceled and the ingest,
// bus, reconcile and heartbeat goroutines have returned. The execution
// workers stop on the same cancellation but are not waited for.
func (o *Orchestrator) Run(ctx context.Context) {
	if err := o.executor.RecoverNonTerminal(ctx); err != nil {
		logs.Errorf("orchestrator: startup recovery failed, err: %+v", err)
	}

	var wg sync.WaitGroup
	o.executor.Run(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		backfillOnly := o.cfg.RunMode == RunModeBackfillOnly
		o.ingest.RunPeriodically(ctx, o.cfg.IdlePollInterval, backfillOnly, o.handleResults)
	}()

	if o.cfg.RunMode != RunModeBackfillOnly {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.ingest.RunStream(ctx, o.handleResults)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.eventBus.Run(ctx, o.processBusEvent)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.reconcileLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.heartbeatLoop(ctx)
	}()

	wg.Wait()
	o.eventBus.Close()
}

// handleResults takes Decision's already-persisted output — Decision runs
// synchronously inside ingest, so by the time a Result reaches here its
// intents are already durable — logs every dropped leg, and, unless the
// run mode suppresses venue writes, publishes the intents onto the event
// bus in the order Decision returned them (close before open on a FLIP).
// Execution consumes the bus independently, so a saturated queue slows
// submission without blocking ingest.
func (o *Orchestrator) handleResults(results []decision.Result) {
	suppressSubmission := o.cfg.RunMode == RunModeDryRun || o.cfg.RunMode == RunModeBackfillOnly
	nowMs := time.Now().UTC().UnixMilli()

	for _, result := range results {
		for _, drop := range result.Drops {
			logs.Warnf("decision: dropped leg correlation_id=%s stage=%s reason=%s detail=%s",
				drop.CorrelationID, drop.Stage, drop.Reason, drop.Detail)
		}
		if suppressSubmission {
			continue
		}
		for _, intent := range result.Intents {
			payload, err := schema.EncodeOrderIntent(intent)
			if err != nil {
				logs.Errorf("orchestrator: encode intent failed correlation_id=%s, err: %+v", intent.CorrelationID, err)
				continue
			}
			o.eventSeq++
			header := schema.NewHeader(schema.EventOrderIntent, busEventSource, o.eventSeq, nowMs, 0)
			if err := o.eventBus.TryPublish(bus.Event{Header: header, Payload: payload}); err != nil {
				if err == bus.ErrQueueClosed {
					o.metrics.IncQueueClosed()
				} else {
					o.metrics.IncQueueDrop()
				}
				logs.Errorf("orchestrator: publish intent failed correlation_id=%s, err: %+v", intent.CorrelationID, err)
			}
		}
	}
}

// processBusEvent decodes one OrderIntent off the bus and hands it to
// Execution, timing the whole flow and recording queue-arrival latency.
func (o *Orchestrator) processBusEvent(e bus.Event) {
	e.Header.TsRecv = time.Now().UTC().UnixMilli()
	o.metrics.ObserveEvent(e.Header)
	intent, err := schema.DecodeOrderIntent(e.Payload)
	if err != nil {
		logs.Errorf("orchestrator: decode intent failed, err: %+v", err)
		return
	}
	nowMs := time.Now().UTC().UnixMilli()
	start := time.Now()
	if err := o.executor.Submit(intent, nowMs); err != nil {
		logs.Errorf("orchestrator: submit failed correlation_id=%s, err: %+v", intent.CorrelationID, err)
		return
	}
	o.metrics.ObserveOrderFlow(time.Since(start))
}

func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	interval := o.safety.ReconcileInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runReconcile(ctx)
		}
	}
}

func (o *Orchestrator) runReconcile(ctx context.Context) {
	start := time.Now()
	nowMs := time.Now().UTC().UnixMilli()
	venuePositions, venueCapturedMs, err := o.venue.FetchPositions(ctx)
	if err != nil {
		logs.Errorf("orchestrator: reconcile could not reach venue, err: %+v", err)
		return
	}

	local, venue, err := o.snapshotPositions(venuePositions, venueCapturedMs)
	if err != nil {
		logs.Errorf("orchestrator: reconcile snapshot failed, err: %+v", err)
		return
	}
	report, err := o.safety.Reconcile(local, venue, o.traceGen.Next(), nowMs)
	if err != nil {
		logs.Errorf("orchestrator: reconcile failed, err: %+v", err)
		return
	}
	o.metrics.ObserveReconcile(time.Since(start))

	maintenanceSkipApplied, _, _ := o.store.GetSystemState("maintenance_skip_applied_ms")
	recovered, err := o.safety.MaybeAutoRecover(report, maintenanceSkipApplied != "", o.executor.Health(), o.traceGen.Next(), nowMs)
	if err != nil {
		logs.Errorf("orchestrator: auto-recovery check failed, err: %+v", err)
		return
	}
	if recovered {
		logs.Infof("orchestrator: HALT auto-recovered to ARMED_SAFE")
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowMs := time.Now().UTC().UnixMilli()
			if err := o.store.SetSystemState("last_heartbeat_ms", strconv.FormatInt(nowMs, 10), nowMs); err != nil {
				logs.Errorf("orchestrator: heartbeat persist failed, err: %+v", err)
				continue
			}
			mode, err := o.safety.CurrentMode()
			if err != nil {
				logs.Errorf("orchestrator: heartbeat mode read failed, err: %+v", err)
				continue
			}
			logs.Infof("orchestrator: heartbeat mode=%s", mode)
		}
	}
}
