package hyperliquid

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/yanun0323/logs"

	"github.com/unendless314/hl-follower/internal/decision"
	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/obs"
	"github.com/unendless314/hl-follower/internal/recorder"
	"github.com/unendless314/hl-follower/internal/safety"
	"github.com/unendless314/hl-follower/internal/schema"
	"github.com/unendless314/hl-follower/internal/store"
	ws "github.com/unendless314/hl-follower/pkg/websocket"
)

// eventGapWarnThrottle rate-limits the "quiet leader" warning so a long
// idle period does not spam the log once per poll.
const eventGapWarnThrottle = 300_000

// walSource identifies events this coordinator writes to the WAL, distinct
// from cmd/tools/paper's synthetic source (1).
const walSource uint16 = 2

// Store is the subset of the store's ingest-facing API the coordinator
// needs. RecordEvent takes the intents Decision derived from the event so
// dedup, audit, and intent persistence commit as one unit of work.
type Store interface {
	GetSystemState(key string) (string, bool, error)
	SetSystemState(key, value string, nowMs int64) error
	RecordEvent(event schema.PositionDeltaEvent, intents []schema.OrderIntent, nowMs int64) error
	AdvanceMaintenanceCursor(nowMs int64) error
}

// RuntimeConfig mirrors the operator-tunable gap/backfill knobs.
type RuntimeConfig struct {
	BackfillWindowMs   int64
	CursorOverlapMs    int64
	MaintenanceSkipGap bool
}

// Coordinator drives Ingest's backfill and live-poll passes, owning the
// gap-guard and maintenance-skip decisions that keep a quiet leader from
// looking like an outage while still catching a genuine one. It also runs
// Decision synchronously on every event it persists, so an event and the
// intents it produces are always durable together.
type Coordinator struct {
	client   *Client
	store    Store
	safety   *safety.Service
	pipeline *decision.Pipeline
	wal      *recorder.Writer
	metrics  *obs.Metrics
	runtime  RuntimeConfig

	lastEventGapWarnMs int64
	walSeq             uint64
}

// NewCoordinator builds a coordinator over client and store. wal and
// metrics may be nil: a nil wal skips the durability write, and Metrics'
// methods are nil-receiver-safe.
func NewCoordinator(client *Client, store Store, safetySvc *safety.Service, pipeline *decision.Pipeline, wal *recorder.Writer, metrics *obs.Metrics, runtime RuntimeConfig) *Coordinator {
	return &Coordinator{client: client, store: store, safety: safetySvc, pipeline: pipeline, wal: wal, metrics: metrics, runtime: runtime}
}

// RunOnce executes one ingest pass: a bounded backfill followed, unless
// backfillOnly is set, by a live poll. Every event Ingest derives is run
// through Decision and persisted (event, intents, dedup, and cursor in one
// transaction) before it is returned for handoff downstream.
func (c *Coordinator) RunOnce(ctx context.Context, nowMs int64, backfillOnly bool) ([]decision.Result, error) {
	mode, err := c.safety.CurrentMode()
	if err != nil {
		return nil, err
	}
	if mode == schema.SafetyHalt {
		reason, _, _ := c.store.GetSystemState("safety_reason_code")
		if c.runtime.MaintenanceSkipGap && reason == safety.ReasonBackfillWindowExceeded {
			if err := c.applyMaintenanceSkip(nowMs); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	backfillResults, shouldPollLive, err := c.runBackfill(ctx, nowMs)
	if err != nil {
		return nil, err
	}
	if backfillOnly || !shouldPollLive {
		return backfillResults, nil
	}

	liveResults, err := c.runLivePoll(ctx, nowMs)
	if err != nil {
		return nil, err
	}
	return append(backfillResults, liveResults...), nil
}

// ApplyMaintenanceSkip force-advances the cursor to now and records the
// bypass, usable by an operator tool independent of RunOnce's automatic
// path (mirrors the original's standalone apply_maintenance_skip entry
// point used for a single controlled restart).
func (c *Coordinator) ApplyMaintenanceSkip(nowMs int64) (bool, error) {
	mode, err := c.safety.CurrentMode()
	if err != nil {
		return false, err
	}
	if mode != schema.SafetyHalt {
		return false, nil
	}
	reason, _, _ := c.store.GetSystemState("safety_reason_code")
	if reason != safety.ReasonBackfillWindowExceeded || !c.runtime.MaintenanceSkipGap {
		return false, nil
	}
	if _, applied, _ := c.store.GetSystemState("maintenance_skip_applied_ms"); applied {
		return false, nil
	}
	if err := c.applyMaintenanceSkip(nowMs); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) runBackfill(ctx context.Context, nowMs int64) ([]decision.Result, bool, error) {
	lastTs := c.stateInt64("last_processed_timestamp_ms")
	lastSuccessMs := c.stateInt64("last_ingest_success_ms")
	if lastSuccessMs == 0 && lastTs > 0 {
		lastSuccessMs = lastTs
	}

	if lastSuccessMs > 0 && c.runtime.BackfillWindowMs > 0 && nowMs-lastSuccessMs > c.runtime.BackfillWindowMs {
		if c.runtime.MaintenanceSkipGap {
			if err := c.applyMaintenanceSkip(nowMs); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		}
		if err := c.haltForGap(nowMs, lastSuccessMs, lastTs); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	if lastTs > 0 && c.runtime.BackfillWindowMs > 0 && nowMs-lastTs > c.runtime.BackfillWindowMs {
		c.warnEventGap(lastTs, nowMs)
	} else {
		c.lastEventGapWarnMs = 0
	}

	sinceMs := lastTs - c.runtime.CursorOverlapMs
	if sinceMs < 0 {
		sinceMs = 0
	}

	rawEvents, success := c.client.FetchBackfillWithStatus(ctx, sinceMs, nowMs)
	if success {
		if err := c.store.SetSystemState("last_ingest_success_ms", itoa(nowMs), nowMs); err != nil {
			return nil, true, errors.Wrap(err, "ingest: record success")
		}
	}
	results, err := c.persistRawEvents(rawEvents, true, nowMs)
	return results, true, err
}

func (c *Coordinator) runLivePoll(ctx context.Context, nowMs int64) ([]decision.Result, error) {
	lastTs := c.stateInt64("last_processed_timestamp_ms")
	rawEvents, success := c.client.PollLiveEventsWithStatus(ctx, lastTs)
	if success {
		if err := c.store.SetSystemState("last_ingest_success_ms", itoa(nowMs), nowMs); err != nil {
			return nil, errors.Wrap(err, "ingest: record success")
		}
	}
	return c.persistRawEvents(rawEvents, false, nowMs)
}

// persistRawEvents turns each RawPositionEvent into a schema.PositionDeltaEvent,
// runs it through Decision, and commits the event together with the
// resulting intents through the store's atomic dedup+cursor+intents path,
// skipping (not failing the batch on) a duplicate. Every committed event is
// also appended to the WAL, best-effort, immediately after its commit.
func (c *Coordinator) persistRawEvents(raw []RawPositionEvent, isReplay bool, nowMs int64) ([]decision.Result, error) {
	results := make([]decision.Result, 0, len(raw))
	for _, r := range raw {
		event := buildPositionDeltaEvent(r.WithReplay(isReplay), nowMs)

		riskStart := time.Now()
		result := c.pipeline.Decide(event, nowMs)
		c.metrics.ObserveRiskEval(time.Since(riskStart))
		for _, drop := range result.Drops {
			if drop.Stage == "risk" {
				c.metrics.IncRiskReason(schema.RiskReason(drop.Reason))
			}
		}

		if err := c.store.RecordEvent(event, result.Intents, nowMs); err != nil {
			if stderrors.Is(err, store.ErrDuplicateEvent) {
				continue
			}
			return results, errors.Wrap(err, "ingest: record event")
		}

		c.appendWAL(event, result.Intents, nowMs)
		results = append(results, result)
	}
	return results, nil
}

// appendWAL durably logs a committed event and the intents it produced.
// The WAL write happens after the store transaction commits: it is a
// best-effort replay aid, not part of the atomicity guarantee that binds
// the event to its intents (that guarantee is store.RecordEvent's).
func (c *Coordinator) appendWAL(event schema.PositionDeltaEvent, intents []schema.OrderIntent, nowMs int64) {
	if c.wal == nil {
		return
	}
	payload, err := schema.EncodePositionDeltaEvent(event)
	if err != nil {
		logs.Errorf("ingest: wal encode position delta failed, err: %+v", err)
	} else {
		header := schema.NewHeader(schema.EventPositionDelta, walSource, c.nextWALSeq(), event.TimestampMs, nowMs)
		if err := c.wal.TryAppend(header, payload); err != nil {
			logs.Warnf("ingest: wal append position delta failed, err: %+v", err)
		}
	}
	for _, intent := range intents {
		payload, err := schema.EncodeOrderIntent(intent)
		if err != nil {
			logs.Errorf("ingest: wal encode order intent failed, err: %+v", err)
			continue
		}
		header := schema.NewHeader(schema.EventOrderIntent, walSource, c.nextWALSeq(), nowMs, nowMs)
		if err := c.wal.TryAppend(header, payload); err != nil {
			logs.Warnf("ingest: wal append order intent failed, err: %+v", err)
		}
	}
}

func (c *Coordinator) nextWALSeq() uint64 {
	c.walSeq++
	return c.walSeq
}

func (c *Coordinator) haltForGap(nowMs, lastSuccessMs, lastEventTs int64) error {
	logs.Errorf("ingest: gap exceeded backfill window, last_success_ms=%d last_event_ts=%d now_ms=%d window_ms=%d",
		lastSuccessMs, lastEventTs, nowMs, c.runtime.BackfillWindowMs)
	return c.safety.Transition(schema.SafetyHalt, safety.ReasonBackfillWindowExceeded, nil, 0, nowMs)
}

func (c *Coordinator) warnEventGap(lastTs, nowMs int64) {
	if c.lastEventGapWarnMs != 0 && nowMs-c.lastEventGapWarnMs < eventGapWarnThrottle {
		return
	}
	c.lastEventGapWarnMs = nowMs
	logs.Warnf("ingest: event-time gap exceeds backfill window (quiet leader) last_ts=%d now_ms=%d window_ms=%d",
		lastTs, nowMs, c.runtime.BackfillWindowMs)
}

func (c *Coordinator) applyMaintenanceSkip(nowMs int64) error {
	logs.Warnf("ingest: applying maintenance skip, now_ms=%d window_ms=%d", nowMs, c.runtime.BackfillWindowMs)
	if err := c.store.AdvanceMaintenanceCursor(nowMs); err != nil {
		return errors.Wrap(err, "ingest: advance maintenance cursor")
	}
	if err := c.store.SetSystemState("maintenance_skip_applied_ms", itoa(nowMs), nowMs); err != nil {
		return errors.Wrap(err, "ingest: record maintenance skip")
	}
	return c.safety.Transition(schema.SafetyArmedSafe, safety.ReasonBootstrap, nil, 0, nowMs)
}

func (c *Coordinator) stateInt64(key string) int64 {
	value, ok, err := c.store.GetSystemState(key)
	if err != nil || !ok || value == "" {
		return 0
	}
	return parseInt64(value)
}

// RunPeriodically runs RunOnce on interval until ctx is canceled, with the
// configurable idle backoff the orchestrator's main loop expects from the
// ingest task.
func (c *Coordinator) RunPeriodically(ctx context.Context, interval time.Duration, backfillOnly bool, onResults func([]decision.Result)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := c.RunOnce(ctx, time.Now().UTC().UnixMilli(), backfillOnly)
			if err != nil {
				logs.Errorf("ingest: run failed, err: %+v", err)
				continue
			}
			if len(results) > 0 && onResults != nil {
				onResults(results)
			}
		}
	}
}

// RunStream dials the websocket userFills feed and processes fills as they
// arrive, reconnecting with exponential backoff on every disconnect. It
// runs alongside RunPeriodically's poll loop, not instead of it: a fill
// delivered by both the stream and a poll tick is committed only once,
// since persistRawEvents' dedup runs through the same store.RecordEvent
// path either way. A coordinator with no WSURL configured returns
// immediately; the poll loop remains the sole ingest path.
func (c *Coordinator) RunStream(ctx context.Context, onResults func([]decision.Result)) {
	if c.client.cfg.WSURL == "" {
		return
	}
	backoff := ws.DefaultBackoff()
	attempt := 0
	for ctx.Err() == nil {
		fills, err := c.client.StartStream(ctx)
		if err != nil {
			logs.Errorf("ingest: stream dial failed, err: %+v", err)
			attempt++
			c.sleepBackoff(ctx, backoff, attempt)
			continue
		}
		attempt = 0
		c.consumeStream(ctx, fills, onResults)
		c.client.StopStream()
		if ctx.Err() != nil {
			return
		}
		attempt++
		c.sleepBackoff(ctx, backoff, attempt)
	}
}

// consumeStream batches fills off the stream channel and flushes them
// through the same persistence path a poll tick uses, on a short timer so a
// quiet stream still commits promptly rather than waiting for a full batch.
func (c *Coordinator) consumeStream(ctx context.Context, fills <-chan RawFill, onResults func([]decision.Result)) {
	batch := make([]RawFill, 0, 32)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		events := c.client.fillsToEvents(batch)
		batch = batch[:0]
		results, err := c.persistRawEvents(events, false, time.Now().UTC().UnixMilli())
		if err != nil {
			logs.Errorf("ingest: persist streamed fills failed, err: %+v", err)
			return
		}
		if len(results) > 0 && onResults != nil {
			onResults(results)
		}
	}
	flushTicker := time.NewTicker(200 * time.Millisecond)
	defer flushTicker.Stop()
	for {
		select {
		case fill, ok := <-fills:
			if !ok {
				flush()
				return
			}
			batch = append(batch, fill)
		case <-flushTicker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// sleepBackoff waits out one reconnect attempt, or returns early if ctx is
// canceled first.
func (c *Coordinator) sleepBackoff(ctx context.Context, b ws.Backoff, attempt int) {
	timer := time.NewTimer(b.Next(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
