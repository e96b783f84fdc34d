package store

import "github.com/yanun0323/decimal"

// CurrentSchemaVersion is compared against the persisted system_state row
// on every startup; a mismatch forces the orchestrator into HALT rather
// than risk interpreting rows written under a different contract.
const CurrentSchemaVersion = "1"

// dedupRecordModel marks a (tx_hash, event_index, symbol) triple as
// already turned into a PositionDeltaEvent.
type dedupRecordModel struct {
	TxHash        string `gorm:"primaryKey;column:tx_hash"`
	EventIndex    int    `gorm:"primaryKey;column:event_index"`
	Symbol        string `gorm:"primaryKey;column:symbol"`
	IsReplay      bool   `gorm:"column:is_replay"`
	TimestampMs   int64  `gorm:"column:timestamp_ms;index"`
	ProcessedAtMs int64  `gorm:"column:processed_at_ms;index"`
}

func (dedupRecordModel) TableName() string { return "dedup_records" }

// cursorModel is the singleton row tracking Ingest's read position into
// the leader's fill stream.
type cursorModel struct {
	ID                  int    `gorm:"primaryKey;column:id"`
	LastProcessedTimeMs int64  `gorm:"column:last_processed_time_ms"`
	LastProcessedTid    int64  `gorm:"column:last_processed_tid"`
	LastTxHash          string `gorm:"column:last_tx_hash"`
	LastSymbol          string `gorm:"column:last_symbol"`
}

func (cursorModel) TableName() string { return "cursor" }

// safetyStateModel is the singleton row holding the current safety posture.
type safetyStateModel struct {
	ID               int             `gorm:"primaryKey;column:id"`
	Mode             string          `gorm:"column:mode"`
	ReasonCode       string          `gorm:"column:reason_code"`
	ReasonMessage    string          `gorm:"column:reason_message"`
	DriftSymbol      string          `gorm:"column:drift_symbol"`
	DriftQty         decimal.Decimal `gorm:"column:drift_qty"`
	LastReconcileMs  int64           `gorm:"column:last_reconcile_ms"`
	TransitionedAtMs int64           `gorm:"column:transitioned_at_ms"`
}

func (safetyStateModel) TableName() string { return "safety_state" }

// baselineModel is an operator-approved starting position per symbol.
type baselineModel struct {
	Symbol       string          `gorm:"primaryKey;column:symbol"`
	Qty          decimal.Decimal `gorm:"column:qty"`
	ApprovedAtMs int64           `gorm:"column:approved_at_ms"`
	ApprovedBy   string          `gorm:"column:approved_by"`
}

func (baselineModel) TableName() string { return "baselines" }

// orderIntentModel persists every intent Decision produces, keyed by its
// correlation id so a restart can tell which intents still need submission.
type orderIntentModel struct {
	CorrelationID   string          `gorm:"primaryKey;column:correlation_id"`
	ClientOrderID   string          `gorm:"column:client_order_id"`
	Symbol          string          `gorm:"column:symbol;index"`
	Side            string          `gorm:"column:side"`
	OrderType       string          `gorm:"column:order_type"`
	Qty             decimal.Decimal `gorm:"column:qty"`
	Price           *decimal.Decimal `gorm:"column:price"`
	ReduceOnly      bool            `gorm:"column:reduce_only"`
	TimeInForce     string          `gorm:"column:time_in_force"`
	IsReplay        bool            `gorm:"column:is_replay"`
	StrategyVersion string          `gorm:"column:strategy_version"`
	RiskNotes       string          `gorm:"column:risk_notes"`
	ContractVersion string          `gorm:"column:contract_version"`
	CreatedAtMs     int64           `gorm:"column:created_at_ms"`
}

func (orderIntentModel) TableName() string { return "order_intents" }

// orderResultModel tracks the execution venue's view of an order intent.
type orderResultModel struct {
	CorrelationID   string           `gorm:"primaryKey;column:correlation_id"`
	ExchangeOrderID string           `gorm:"column:exchange_order_id;index"`
	Status          string           `gorm:"column:status;index"`
	FilledQty       decimal.Decimal  `gorm:"column:filled_qty"`
	AvgPrice        *decimal.Decimal `gorm:"column:avg_price"`
	ErrorCode       string           `gorm:"column:error_code"`
	ErrorMessage    string           `gorm:"column:error_message"`
	ContractVersion string           `gorm:"column:contract_version"`
	RetryCount      int              `gorm:"column:retry_count"`
	FirstUnknownMs  int64            `gorm:"column:first_unknown_ms"`
	CreatedAtMs     int64            `gorm:"column:created_at_ms"`
	UpdatedAtMs     int64            `gorm:"column:updated_at_ms"`
}

func (orderResultModel) TableName() string { return "order_results" }

// positionDeltaEventModel is the append-only audit trail of every event
// Ingest derived, independent of whether Decision ever acted on it.
type positionDeltaEventModel struct {
	ID                       int64           `gorm:"primaryKey;autoIncrement;column:id"`
	Symbol                   string          `gorm:"column:symbol;index"`
	TimestampMs              int64           `gorm:"column:timestamp_ms"`
	TxHash                   string          `gorm:"column:tx_hash;index"`
	EventIndex               int             `gorm:"column:event_index"`
	IsReplay                 bool            `gorm:"column:is_replay"`
	PrevTargetNetPosition    decimal.Decimal `gorm:"column:prev_target_net_position"`
	NextTargetNetPosition    decimal.Decimal `gorm:"column:next_target_net_position"`
	DeltaTargetNetPosition   decimal.Decimal `gorm:"column:delta_target_net_position"`
	ActionType               string          `gorm:"column:action_type"`
	OpenComponent            *decimal.Decimal `gorm:"column:open_component"`
	CloseComponent           *decimal.Decimal `gorm:"column:close_component"`
	ExpectedPrice            *decimal.Decimal `gorm:"column:expected_price"`
	ExpectedPriceTimestampMs *int64          `gorm:"column:expected_price_timestamp_ms"`
	ContractVersion          string          `gorm:"column:contract_version"`
}

func (positionDeltaEventModel) TableName() string { return "position_delta_events" }

// auditRecordModel is an append-only operator note attached to a
// correlation id.
type auditRecordModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement;column:id"`
	CorrelationID string `gorm:"column:correlation_id;index"`
	TsMs          int64  `gorm:"column:ts_ms"`
	Component     string `gorm:"column:component"`
	Action        string `gorm:"column:action"`
	Detail        string `gorm:"column:detail"`
	TraceID       uint64 `gorm:"column:trace_id"`
}

func (auditRecordModel) TableName() string { return "audit_records" }

// systemStateModel is a generic key/value row used for the schema version,
// config hash, and other small singleton facts the orchestrator inspects
// on startup.
type systemStateModel struct {
	Key         string `gorm:"primaryKey;column:key"`
	Value       string `gorm:"column:value"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms"`
}

func (systemStateModel) TableName() string { return "system_state" }
