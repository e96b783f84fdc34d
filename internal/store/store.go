package store

import (
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/schema"
	"github.com/yanun0323/decimal"
)

// Store is the process-wide handle onto the pipeline's source of truth.
// The multi-row and read-modify-write calls serialize through writeMu so
// the dedup+cursor+intent commit in RecordEvent can never interleave with
// a concurrent order-result update touching the same correlation id.
// SetSystemState, UpsertIntent, SetBaseline and AppendAudit are
// single-statement writes that do not take writeMu.
type Store struct {
	db      *gorm.DB
	writeMu sync.Mutex
}

// ErrDuplicateEvent is returned by RecordEvent when the (tx_hash,
// event_index, symbol) triple was already recorded; callers should treat
// this as a no-op, not a failure.
var ErrDuplicateEvent = errors.New("store: duplicate position delta event")

// Migrate creates or updates the store's schema and seeds the singleton
// rows (cursor, safety_state) the rest of the pipeline assumes exist.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&dedupRecordModel{},
		&cursorModel{},
		&safetyStateModel{},
		&baselineModel{},
		&orderIntentModel{},
		&orderResultModel{},
		&positionDeltaEventModel{},
		&auditRecordModel{},
		&systemStateModel{},
	); err != nil {
		return errors.Wrap(err, "store: migrate")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.FirstOrCreate(&cursorModel{ID: 1}, cursorModel{ID: 1}).Error; err != nil {
			return err
		}
		seed := safetyStateModel{ID: 1, Mode: string(schema.SafetyArmedSafe), ReasonCode: "BOOTSTRAP"}
		return tx.FirstOrCreate(&safetyStateModel{ID: 1}, seed).Error
	})
}

// CheckSchemaVersion compares the persisted schema_version system_state
// key against CurrentSchemaVersion, seeding it on a fresh database.
func (s *Store) CheckSchemaVersion() (ok bool, persisted string, err error) {
	var row systemStateModel
	result := s.db.Where("key = ?", "schema_version").First(&row)
	if result.Error == gorm.ErrRecordNotFound {
		if err := s.SetSystemState("schema_version", CurrentSchemaVersion, 0); err != nil {
			return false, "", err
		}
		return true, CurrentSchemaVersion, nil
	}
	if result.Error != nil {
		return false, "", errors.Wrap(result.Error, "store: check schema version")
	}
	return row.Value == CurrentSchemaVersion, row.Value, nil
}

// SetSystemState upserts a key/value row, stamping it with nowMs (or the
// store's own clock if nowMs is zero).
func (s *Store) SetSystemState(key, value string, nowMs int64) error {
	if nowMs == 0 {
		nowMs = time.Now().UTC().UnixMilli()
	}
	row := systemStateModel{Key: key, Value: value, UpdatedAtMs: nowMs}
	return s.db.Save(&row).Error
}

// GetSystemState reads a key/value row, returning ok=false if absent.
func (s *Store) GetSystemState(key string) (value string, ok bool, err error) {
	var row systemStateModel
	result := s.db.Where("key = ?", key).First(&row)
	if result.Error == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if result.Error != nil {
		return "", false, errors.Wrap(result.Error, "store: get system state")
	}
	return row.Value, true, nil
}

// RecordEvent performs Ingest's atomic commit per invariant I2: insert-or-
// ignore the dedup row, append the PositionDeltaEvent to the audit trail,
// persist every OrderIntent Decision derived from it, and advance the
// cursor, all inside one transaction. An event only counts as processed
// once its intents are durable with it — a crash before this call returns
// leaves the dedup row (and the cursor) untouched, so Ingest retries the
// whole event, intents included, on the next pass. Returns
// ErrDuplicateEvent (and leaves the cursor untouched) when the triple was
// already processed.
func (s *Store) RecordEvent(event schema.PositionDeltaEvent, intents []schema.OrderIntent, nowMs int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		dedup := dedupRecordModel{
			TxHash:        event.TxHash,
			EventIndex:    event.EventIndex,
			Symbol:        event.Symbol,
			IsReplay:      event.IsReplay,
			TimestampMs:   event.TimestampMs,
			ProcessedAtMs: nowMs,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&dedup)
		if result.Error != nil {
			return errors.Wrap(result.Error, "store: insert dedup")
		}
		if result.RowsAffected == 0 {
			return ErrDuplicateEvent
		}

		row := positionDeltaEventModel{
			Symbol:                   event.Symbol,
			TimestampMs:              event.TimestampMs,
			TxHash:                   event.TxHash,
			EventIndex:               event.EventIndex,
			IsReplay:                 event.IsReplay,
			PrevTargetNetPosition:    event.PrevTargetNetPosition,
			NextTargetNetPosition:    event.NextTargetNetPosition,
			DeltaTargetNetPosition:   event.DeltaTargetNetPosition,
			ActionType:               string(event.ActionType),
			OpenComponent:            event.OpenComponent,
			CloseComponent:           event.CloseComponent,
			ExpectedPrice:            event.ExpectedPrice,
			ExpectedPriceTimestampMs: event.ExpectedPriceTimestampMs,
			ContractVersion:          event.ContractVersion,
		}
		if err := tx.Create(&row).Error; err != nil {
			return errors.Wrap(err, "store: insert position delta event")
		}

		for _, intent := range intents {
			intentRow := orderIntentModel{
				CorrelationID:   intent.CorrelationID,
				ClientOrderID:   intent.ClientOrderID,
				Symbol:          intent.Symbol,
				Side:            string(intent.Side),
				OrderType:       string(intent.OrderType),
				Qty:             intent.Qty,
				Price:           intent.Price,
				ReduceOnly:      intent.ReduceOnly,
				TimeInForce:     string(intent.TimeInForce),
				IsReplay:        intent.IsReplay,
				StrategyVersion: intent.StrategyVersion,
				RiskNotes:       intent.RiskNotes,
				ContractVersion: intent.ContractVersion,
				CreatedAtMs:     nowMs,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&intentRow).Error; err != nil {
				return errors.Wrap(err, "store: insert order intent")
			}
		}

		if event.TimestampMs < s.currentCursorTimeMs(tx) {
			return nil
		}
		cursor := cursorModel{
			ID:                  1,
			LastProcessedTimeMs: event.TimestampMs,
			LastProcessedTid:    int64(event.EventIndex),
			LastTxHash:          event.TxHash,
			LastSymbol:          event.Symbol,
		}
		if err := tx.Save(&cursor).Error; err != nil {
			return errors.Wrap(err, "store: advance cursor")
		}
		return nil
	})
}

func (s *Store) currentCursorTimeMs(tx *gorm.DB) int64 {
	var cursor cursorModel
	if err := tx.First(&cursor, cursorModel{ID: 1}).Error; err != nil {
		return 0
	}
	return cursor.LastProcessedTimeMs
}

// AdvanceMaintenanceCursor force-sets the cursor to nowMs, used by the
// maintenance-skip path when an ingest gap exceeds the backfill window and
// the operator has opted into skipping it instead of halting.
func (s *Store) AdvanceMaintenanceCursor(nowMs int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cursor := cursorModel{ID: 1, LastProcessedTimeMs: nowMs, LastProcessedTid: 0, LastTxHash: "maintenance", LastSymbol: "MAINTENANCE"}
	return s.db.Save(&cursor).Error
}

// LoadCursor returns Ingest's persisted read position.
func (s *Store) LoadCursor() (schema.Cursor, error) {
	var row cursorModel
	if err := s.db.First(&row, cursorModel{ID: 1}).Error; err != nil {
		return schema.Cursor{}, errors.Wrap(err, "store: load cursor")
	}
	return schema.Cursor{LastProcessedTimeMs: row.LastProcessedTimeMs, LastProcessedTid: row.LastProcessedTid}, nil
}

// LoadSafety returns the current safety posture.
func (s *Store) LoadSafety() (schema.SafetyState, error) {
	var row safetyStateModel
	if err := s.db.First(&row, safetyStateModel{ID: 1}).Error; err != nil {
		return schema.SafetyState{}, errors.Wrap(err, "store: load safety")
	}
	state := schema.SafetyState{
		Mode:             schema.SafetyMode(row.Mode),
		Reason:           row.ReasonCode,
		DriftSymbol:      row.DriftSymbol,
		LastReconcileMs:  row.LastReconcileMs,
		TransitionedAtMs: row.TransitionedAtMs,
	}
	if !row.DriftQty.IsZero() {
		state.DriftQty = &row.DriftQty
	}
	return state, nil
}

// SetSafety persists a safety transition and appends the matching audit
// record in the same transaction, so the two can never disagree.
func (s *Store) SetSafety(state schema.SafetyState, traceID uint64, nowMs int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		row := safetyStateModel{
			ID:               1,
			Mode:             string(state.Mode),
			ReasonCode:       state.Reason,
			DriftSymbol:      state.DriftSymbol,
			LastReconcileMs:  state.LastReconcileMs,
			TransitionedAtMs: nowMs,
		}
		if state.DriftQty != nil {
			row.DriftQty = *state.DriftQty
		}
		if err := tx.Save(&row).Error; err != nil {
			return errors.Wrap(err, "store: set safety")
		}
		audit := auditRecordModel{
			TsMs:      nowMs,
			Component: "safety",
			Action:    "transition",
			Detail:    string(state.Mode) + ": " + state.Reason,
			TraceID:   traceID,
		}
		return tx.Create(&audit).Error
	})
}

// UpsertIntent persists an OrderIntent exactly once; a repeat call with
// the same correlation id is a no-op so Decision can safely call this on
// every retry attempt.
func (s *Store) UpsertIntent(intent schema.OrderIntent, nowMs int64) error {
	row := orderIntentModel{
		CorrelationID:   intent.CorrelationID,
		ClientOrderID:   intent.ClientOrderID,
		Symbol:          intent.Symbol,
		Side:            string(intent.Side),
		OrderType:       string(intent.OrderType),
		Qty:             intent.Qty,
		Price:           intent.Price,
		ReduceOnly:      intent.ReduceOnly,
		TimeInForce:     string(intent.TimeInForce),
		IsReplay:        intent.IsReplay,
		StrategyVersion: intent.StrategyVersion,
		RiskNotes:       intent.RiskNotes,
		ContractVersion: intent.ContractVersion,
		CreatedAtMs:     nowMs,
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// UpsertResult writes the latest known OrderResult for a correlation id.
func (s *Store) UpsertResult(result schema.OrderResult, nowMs int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var existing orderResultModel
	firstUnknownMs := int64(0)
	retryCount := 0
	if err := s.db.First(&existing, orderResultModel{CorrelationID: result.CorrelationID}).Error; err == nil {
		firstUnknownMs = existing.FirstUnknownMs
		retryCount = existing.RetryCount
	}
	if result.Status == schema.OrderStatusUnknown && firstUnknownMs == 0 {
		firstUnknownMs = nowMs
	}

	row := orderResultModel{
		CorrelationID:   result.CorrelationID,
		ExchangeOrderID: result.ExchangeOrderID,
		Status:          string(result.Status),
		FilledQty:       result.FilledQty,
		AvgPrice:        result.AvgPrice,
		ErrorCode:       result.ErrorCode,
		ErrorMessage:    result.ErrorMessage,
		ContractVersion: result.ContractVersion,
		RetryCount:      retryCount,
		FirstUnknownMs:  firstUnknownMs,
		UpdatedAtMs:     nowMs,
	}
	result2 := s.db.Where("correlation_id = ?", result.CorrelationID).Updates(&row)
	if result2.Error != nil {
		return errors.Wrap(result2.Error, "store: upsert result")
	}
	if result2.RowsAffected == 0 {
		row.CreatedAtMs = nowMs
		return s.db.Create(&row).Error
	}
	return nil
}

// IncrementRetryCount bumps the retry counter for a correlation id stuck
// in UNKNOWN, returning the new count so Execution can compare it against
// its configured retry budget.
func (s *Store) IncrementRetryCount(correlationID string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var row orderResultModel
	if err := s.db.First(&row, orderResultModel{CorrelationID: correlationID}).Error; err != nil {
		return 0, errors.Wrap(err, "store: load result for retry")
	}
	row.RetryCount++
	if err := s.db.Save(&row).Error; err != nil {
		return 0, errors.Wrap(err, "store: increment retry count")
	}
	return row.RetryCount, nil
}

// LoadResult returns the persisted OrderResult for a correlation id.
func (s *Store) LoadResult(correlationID string) (schema.OrderResult, bool, error) {
	var row orderResultModel
	result := s.db.First(&row, orderResultModel{CorrelationID: correlationID})
	if result.Error == gorm.ErrRecordNotFound {
		return schema.OrderResult{}, false, nil
	}
	if result.Error != nil {
		return schema.OrderResult{}, false, errors.Wrap(result.Error, "store: load result")
	}
	return schema.OrderResult{
		CorrelationID:   row.CorrelationID,
		ExchangeOrderID: row.ExchangeOrderID,
		Status:          schema.OrderStatus(row.Status),
		FilledQty:       row.FilledQty,
		AvgPrice:        row.AvgPrice,
		ErrorCode:       row.ErrorCode,
		ErrorMessage:    row.ErrorMessage,
		ContractVersion: row.ContractVersion,
	}, true, nil
}

// NonTerminalIntents returns every OrderIntent whose last known result is
// missing or non-terminal, used on restart to know what still needs
// resubmission or a status query.
func (s *Store) NonTerminalIntents() ([]schema.OrderIntent, error) {
	terminal := []string{
		string(schema.OrderStatusFilled),
		string(schema.OrderStatusCanceled),
		string(schema.OrderStatusExpired),
		string(schema.OrderStatusRejected),
	}

	var rows []orderIntentModel
	err := s.db.
		Joins("LEFT JOIN order_results ON order_results.correlation_id = order_intents.correlation_id").
		Where("order_results.correlation_id IS NULL OR order_results.status NOT IN ?", terminal).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "store: load non-terminal intents")
	}

	intents := make([]schema.OrderIntent, 0, len(rows))
	for _, row := range rows {
		intents = append(intents, schema.OrderIntent{
			CorrelationID:   row.CorrelationID,
			ClientOrderID:   row.ClientOrderID,
			Symbol:          row.Symbol,
			Side:            schema.OrderSide(row.Side),
			OrderType:       schema.OrderType(row.OrderType),
			Qty:             row.Qty,
			Price:           row.Price,
			ReduceOnly:      row.ReduceOnly,
			TimeInForce:     schema.TimeInForce(row.TimeInForce),
			IsReplay:        row.IsReplay,
			StrategyVersion: row.StrategyVersion,
			RiskNotes:       row.RiskNotes,
			ContractVersion: row.ContractVersion,
		})
	}
	return intents, nil
}

// AppendAudit inserts an append-only audit row. Never fails the caller's
// critical path: write failures are returned, not swallowed, but callers
// on hot paths should log-and-continue rather than abort on an audit
// failure.
func (s *Store) AppendAudit(record schema.AuditRecord) error {
	row := auditRecordModel{
		CorrelationID: record.CorrelationID,
		TsMs:          record.TsMs,
		Component:     record.Component,
		Action:        record.Action,
		Detail:        record.Detail,
		TraceID:       record.TraceID,
	}
	return s.db.Create(&row).Error
}

// SweepDedup deletes dedup rows older than retainMs relative to nowMs,
// bounding the table's growth without touching the append-only audit
// trail those rows were derived from.
func (s *Store) SweepDedup(nowMs, retainMs int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := nowMs - retainMs
	result := s.db.Where("processed_at_ms < ?", cutoff).Delete(&dedupRecordModel{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "store: sweep dedup")
	}
	return result.RowsAffected, nil
}

// DeriveLocalPositions returns, for each symbol, the next_target_net_position
// of its latest recorded PositionDeltaEvent (highest id), giving Safety a
// store-derived baseline to reconcile against the venue's own figures.
// Order intents and order results are not read.
func (s *Store) DeriveLocalPositions() (map[string]decimal.Decimal, error) {
	var rows []positionDeltaEventModel
	if err := s.db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "store: derive local positions")
	}

	positions := make(map[string]decimal.Decimal)
	for _, row := range rows {
		positions[row.Symbol] = row.NextTargetNetPosition
	}
	return positions, nil
}

// LoadBaseline returns the operator-approved baseline for a symbol, if any.
func (s *Store) LoadBaseline(symbol string) (schema.Baseline, bool, error) {
	var row baselineModel
	result := s.db.First(&row, baselineModel{Symbol: symbol})
	if result.Error == gorm.ErrRecordNotFound {
		return schema.Baseline{}, false, nil
	}
	if result.Error != nil {
		return schema.Baseline{}, false, errors.Wrap(result.Error, "store: load baseline")
	}
	return schema.Baseline{Symbol: row.Symbol, Qty: row.Qty, ApprovedAtMs: row.ApprovedAtMs, ApprovedBy: row.ApprovedBy}, true, nil
}

// SetBaseline records an operator-approved baseline for a symbol.
func (s *Store) SetBaseline(baseline schema.Baseline) error {
	row := baselineModel{Symbol: baseline.Symbol, Qty: baseline.Qty, ApprovedAtMs: baseline.ApprovedAtMs, ApprovedBy: baseline.ApprovedBy}
	return s.db.Save(&row).Error
}
