package ops

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/unendless314/hl-follower/internal/risk"
)

// FileConfig mirrors the on-disk JSON config layout.
type FileConfig struct {
	LeaderWallet string             `json:"leaderWallet"`
	SymbolMap    map[string]string  `json:"symbolMap"`
	Ingest       IngestConfig       `json:"ingest"`
	Decision     DecisionConfig     `json:"decision"`
	Risk         risk.Config        `json:"risk"`
	Safety       SafetyConfig       `json:"safety"`
	Execution    ExecutionConfig    `json:"execution"`
	Recorder     RecorderConfig     `json:"recorder"`
	LogLevel     string             `json:"logLevel"`
	Profiling    ProfilingConfig    `json:"profiling"`
	Features     FeatureFlagsConfig `json:"features"`
}

// IngestConfig governs how Ingest reaches the leader's fill stream.
type IngestConfig struct {
	RestURL              string `json:"restUrl"`
	WSURL                string `json:"wsUrl"`
	RequestTimeoutMs     int    `json:"requestTimeoutMs"`
	BackfillWindowMs     int64  `json:"backfillWindowMs"`
	CursorOverlapMs      int64  `json:"cursorOverlapMs"`
	MaintenanceSkipGap   bool   `json:"maintenanceSkipGap"`
	PollIntervalMs       int    `json:"pollIntervalMs"`
	MaxRequestsPerWindow int    `json:"maxRequestsPerWindow"`
	RateWindowSeconds    int    `json:"rateWindowSeconds"`
	MaxRetryAttempts     int    `json:"maxRetryAttempts"`
	RetryBaseDelayMs     int    `json:"retryBaseDelayMs"`
	RetryMaxDelayMs      int    `json:"retryMaxDelayMs"`
	EventQueueCapacity   int    `json:"eventQueueCapacity"`
}

// RecorderConfig gates the WAL writer the live pipeline appends every
// committed event and intent to, independent of the store's own audit
// trail.
type RecorderConfig struct {
	Enabled    bool   `json:"enabled"`
	Dir        string `json:"dir"`
	FilePrefix string `json:"filePrefix"`
}

// SizingConfig controls how Decision converts a leader delta into a
// follower order quantity.
type SizingConfig struct {
	Mode                string  `json:"mode"` // fixed | proportional | kelly
	FixedQty            float64 `json:"fixedQty"`
	ProportionalRatio   float64 `json:"proportionalRatio"`
	KellyWinRate        float64 `json:"kellyWinRate"`
	KellyEdge           float64 `json:"kellyEdge"`
	KellyFraction       float64 `json:"kellyFraction"`
}

// DecisionConfig governs Decision's gating and sizing behavior.
type DecisionConfig struct {
	MaxStaleMs               int64        `json:"maxStaleMs"`
	MaxFutureMs              int64        `json:"maxFutureMs"`
	ReplayPolicy             string       `json:"replayPolicy"` // close-only | skip | mirror
	FiltersEnabled           bool         `json:"filtersEnabled"`
	BlacklistSymbols         []string     `json:"blacklistSymbols"`
	Sizing                   SizingConfig `json:"sizing"`
	SlippageCapBps           int64        `json:"slippageCapBps"`
}

// SafetyConfig governs reconciliation cadence and drift thresholds.
type SafetyConfig struct {
	ReconcileIntervalMs     int64   `json:"reconcileIntervalMs"`
	WarnThreshold           float64 `json:"warnThreshold"`
	CriticalThreshold       float64 `json:"criticalThreshold"`
	SnapshotMaxStaleMs      int64   `json:"snapshotMaxStaleMs"`
	AutoRecoverEnabled      bool    `json:"autoRecoverEnabled"`
	AutoRecoverStreakTarget int     `json:"autoRecoverStreakTarget"`
	AutoRecoverExecHealthMs int64   `json:"autoRecoverExecHealthMs"`
}

// ExecutionConfig governs order lifecycle timing, market-fallback, and the
// UNKNOWN-state retry budget.
type ExecutionConfig struct {
	WorkerCount               int     `json:"workerCount"`
	QueueCapacity             int     `json:"queueCapacity"`
	TIFSeconds                int64   `json:"tifSeconds"`
	OrderPollIntervalSec      int64   `json:"orderPollIntervalSec"`
	UnknownPollIntervalSec    int64   `json:"unknownPollIntervalSec"`
	MarketFallbackEnabled     bool    `json:"marketFallbackEnabled"`
	MarketFallbackThresholdPct float64 `json:"marketFallbackThresholdPct"`
	MarketSlippageCapPct      float64 `json:"marketSlippageCapPct"`
	RetryBudgetMaxAttempts    int     `json:"retryBudgetMaxAttempts"`
	RetryBudgetWindowSec      int64   `json:"retryBudgetWindowSec"`
	RetryBudgetMode           string  `json:"retryBudgetMode"` // armed_safe | halt
}

// ProfilingConfig gates the pyroscope continuous profiler.
type ProfilingConfig struct {
	Enabled        bool   `json:"enabled"`
	ServerAddress  string `json:"serverAddress"`
	ApplicationName string `json:"applicationName"`
}

// FeatureFlagsConfig captures optional runtime flags read from the file.
type FeatureFlagsConfig struct {
	EnableOrderSubmission *bool `json:"enableOrderSubmission"`
	EnableReconcile       *bool `json:"enableReconcile"`
	EnableBackfill        *bool `json:"enableBackfill"`
}

// FeatureFlags are the resolved runtime flags, defaulted when the file
// omits them.
type FeatureFlags struct {
	EnableOrderSubmission bool
	EnableReconcile       bool
	EnableBackfill        bool
}

// Loaded is the fully resolved, validated configuration.
type Loaded struct {
	LeaderWallet string
	SymbolMap    map[string]string
	Ingest       IngestConfig
	Decision     DecisionConfig
	Risk         risk.Config
	Safety       SafetyConfig
	Execution    ExecutionConfig
	Recorder     RecorderConfig
	LogLevel     string
	Profiling    ProfilingConfig
	Features     FeatureFlags
	ConfigHash   string
}

// Load reads, validates, and hashes a JSON config file.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, fmt.Errorf("ops: read config: %w", err)
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, fmt.Errorf("ops: parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return Loaded{}, err
	}

	return Loaded{
		LeaderWallet: cfg.LeaderWallet,
		SymbolMap:    cfg.SymbolMap,
		Ingest:       cfg.Ingest,
		Decision:     cfg.Decision,
		Risk:         cfg.Risk,
		Safety:       cfg.Safety,
		Execution:    cfg.Execution,
		Recorder:     cfg.Recorder,
		LogLevel:     defaultString(cfg.LogLevel, "info"),
		Profiling:    cfg.Profiling,
		Features:     resolveFeatures(cfg.Features),
		ConfigHash:   hashConfig(data),
	}, nil
}

func validate(cfg FileConfig) error {
	if cfg.LeaderWallet == "" {
		return fmt.Errorf("ops: leaderWallet is required")
	}
	if len(cfg.SymbolMap) == 0 {
		return fmt.Errorf("ops: symbolMap must map at least one leader coin to a follower symbol")
	}
	for coin, symbol := range cfg.SymbolMap {
		if coin == "" || symbol == "" {
			return fmt.Errorf("ops: symbolMap entries must be non-empty")
		}
	}
	switch cfg.Decision.Sizing.Mode {
	case "", "fixed", "proportional", "kelly":
	default:
		return fmt.Errorf("ops: unknown sizing mode %q", cfg.Decision.Sizing.Mode)
	}
	switch cfg.Decision.ReplayPolicy {
	case "", "close-only", "skip", "mirror":
	default:
		return fmt.Errorf("ops: unknown replay policy %q", cfg.Decision.ReplayPolicy)
	}
	return nil
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{
		EnableOrderSubmission: true,
		EnableReconcile:       true,
		EnableBackfill:        true,
	}
	if cfg.EnableOrderSubmission != nil {
		flags.EnableOrderSubmission = *cfg.EnableOrderSubmission
	}
	if cfg.EnableReconcile != nil {
		flags.EnableReconcile = *cfg.EnableReconcile
	}
	if cfg.EnableBackfill != nil {
		flags.EnableBackfill = *cfg.EnableBackfill
	}
	return flags
}

// hashConfig returns a stable sha256 hex digest of the raw config bytes.
// cmd/trader logs it at startup and uses it as the intents' strategy
// version; it is not written to system_state and is not compared with the
// digest of an earlier run.
func hashConfig(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// NormalizedSymbolMap returns the symbol map with keys sorted, used only
// for deterministic logging of the resolved registry at startup.
func NormalizedSymbolMap(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return out
}

// ReloadInterval is a hot-reload polling cadence for the config file.
// Nothing reads it: the config is loaded once at startup and not reloaded.
const ReloadInterval = 5 * time.Second
