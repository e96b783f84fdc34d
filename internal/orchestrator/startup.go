package orchestrator

import (
	"context"
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/logs"

	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/safety"
	"github.com/unendless314/hl-follower/internal/schema"
)

// ErrSchemaVersionMismatch is a fatal startup failure per the external
// interface's exit-code contract: the persisted schema_version does not
// match the binary's, and no migration path is defined for it.
var ErrSchemaVersionMismatch = errors.New("orchestrator: schema version mismatch")

// Bootstrap runs the startup state machine once:
// BOOTSTRAP -> SNAPSHOT_CHECK -> RECONCILE_ON_START -> BACKFILL_CATCHUP.
// It returns the resolved safety mode the main loop should start in, or
// a fatal error the caller must exit non-zero for (never a HALT — HALT
// is an internal state the running process stays up in).
func (o *Orchestrator) Bootstrap(ctx context.Context) (schema.SafetyMode, error) {
	nowMs := time.Now().UTC().UnixMilli()

	// BOOTSTRAP: migrate schema, seed singleton rows, verify the
	// persisted schema_version still matches this binary's.
	if err := o.store.Migrate(); err != nil {
		return "", errors.Wrap(err, "orchestrator: migrate")
	}
	ok, persisted, err := o.store.CheckSchemaVersion()
	if err != nil {
		return "", errors.Wrap(err, "orchestrator: check schema version")
	}
	if !ok {
		logs.Errorf("orchestrator: schema_version mismatch persisted=%s", persisted)
		if terr := o.safety.Transition(schema.SafetyHalt, safety.ReasonSchemaVersionMismatch, nil, o.traceGen.Next(), nowMs); terr != nil {
			logs.Errorf("orchestrator: could not persist HALT for schema mismatch, err: %+v", terr)
		}
		return "", ErrSchemaVersionMismatch
	}

	// SNAPSHOT_CHECK: read the venue's reported positions, used to seed the
	// very first reconciliation. Server time is fetched only to see that the
	// venue answers; the reading is not kept and no clock offset is computed.
	venuePositions, venueCapturedMs, err := o.venue.FetchPositions(ctx)
	if err != nil {
		logs.Warnf("orchestrator: snapshot check could not reach venue, err: %+v", err)
		venuePositions = map[string]decimal.Decimal{}
		venueCapturedMs = nowMs
	}
	if _, err := o.venue.ServerTimeMs(ctx); err != nil {
		logs.Warnf("orchestrator: server time unavailable at bootstrap, err: %+v", err)
	}

	// RECONCILE_ON_START: compare venue against store-derived local
	// positions (baseline-adjusted) before anything is allowed to trade.
	local, venue, err := o.snapshotPositions(venuePositions, venueCapturedMs)
	if err != nil {
		return "", err
	}
	if _, err := o.safety.Reconcile(local, venue, o.traceGen.Next(), nowMs); err != nil {
		return "", errors.Wrap(err, "orchestrator: reconcile on start")
	}

	// BACKFILL_CATCHUP: run one bounded backfill pass to close any gap
	// accumulated while the process was down, before the live loop starts.
	if _, err := o.ingest.RunOnce(ctx, time.Now().UTC().UnixMilli(), true); err != nil {
		return "", errors.Wrap(err, "orchestrator: backfill catchup")
	}

	mode, err := o.safety.CurrentMode()
	if err != nil {
		return "", errors.Wrap(err, "orchestrator: resolve startup mode")
	}
	logs.Infof("orchestrator: bootstrap complete, mode=%s", mode)
	return mode, nil
}
