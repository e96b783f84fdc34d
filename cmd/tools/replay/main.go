package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/unendless314/hl-follower/internal/execution"
	"github.com/unendless314/hl-follower/internal/recorder"
	"github.com/unendless314/hl-follower/internal/schema"
)

// replay prints every record in a WAL in order and, with -verify-fsm, feeds
// OrderIntent/OrderResult events through a StateMachine to confirm no order
// ever transitions out of a terminal status.
func main() {
	dir := flag.String("dir", "testdata/wal", "WAL directory")
	prefix := flag.String("prefix", "", "WAL file prefix (default: wal)")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	useRecv := flag.Bool("use-recv-time", false, "Use receive timestamp for pacing")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	decode := flag.Bool("decode", false, "Decode known payload types")
	verifyFSM := flag.Bool("verify-fsm", false, "Replay OrderIntent/OrderResult events through a state machine and report invalid transitions")
	flag.Parse()

	cfg := recorder.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		Speed:           *speed,
		UseRecvTime:     *useRecv,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	}
	pb, err := recorder.NewPlayback(cfg)
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	machine := execution.NewStateMachine()
	tracked := make(map[string]struct{})
	violations := 0

	ctx := context.Background()
	var index int
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		index++
		fmt.Printf("%06d seq=%d type=%s ts_event=%d ts_recv=%d len=%d\n", index, header.Seq, eventTypeName(header.Type), header.TsEvent, header.TsRecv, len(payload))
		if *decode {
			printDecoded(header.Type, payload)
		}
		if *verifyFSM {
			if err := applyToStateMachine(machine, tracked, header.Type, payload); err != nil {
				fmt.Printf("  fsm violation: %v\n", err)
				violations++
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("playback run failed: %v", err)
	}

	if *verifyFSM {
		fmt.Printf("fsm check complete: %d order(s) tracked, %d violation(s)\n", len(tracked), violations)
	}
}

func eventTypeName(t schema.EventType) string {
	switch t {
	case schema.EventPositionDelta:
		return "PositionDelta"
	case schema.EventOrderIntent:
		return "OrderIntent"
	case schema.EventOrderResult:
		return "OrderResult"
	case schema.EventRiskDecision:
		return "RiskDecision"
	case schema.EventSafetyTransition:
		return "SafetyTransition"
	case schema.EventAudit:
		return "Audit"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

func printDecoded(t schema.EventType, payload []byte) {
	switch t {
	case schema.EventPositionDelta:
		event, err := schema.DecodePositionDeltaEvent(payload)
		if err != nil {
			fmt.Printf("  decode PositionDelta failed: %v\n", err)
			return
		}
		fmt.Printf("  delta symbol=%s action=%s prev=%s next=%s delta=%s tx=%s\n",
			event.Symbol, event.ActionType, event.PrevTargetNetPosition, event.NextTargetNetPosition, event.DeltaTargetNetPosition, event.TxHash)
	case schema.EventOrderIntent:
		intent, err := schema.DecodeOrderIntent(payload)
		if err != nil {
			fmt.Printf("  decode OrderIntent failed: %v\n", err)
			return
		}
		fmt.Printf("  intent correlation_id=%s symbol=%s side=%s qty=%s reduce_only=%t\n",
			intent.CorrelationID, intent.Symbol, intent.Side, intent.Qty, intent.ReduceOnly)
	case schema.EventOrderResult:
		result, err := schema.DecodeOrderResult(payload)
		if err != nil {
			fmt.Printf("  decode OrderResult failed: %v\n", err)
			return
		}
		fmt.Printf("  result correlation_id=%s status=%s filled_qty=%s exchange_order_id=%s\n",
			result.CorrelationID, result.Status, result.FilledQty, result.ExchangeOrderID)
	case schema.EventSafetyTransition:
		state, err := schema.DecodeSafetyState(payload)
		if err != nil {
			fmt.Printf("  decode SafetyState failed: %v\n", err)
			return
		}
		fmt.Printf("  safety mode=%s reason=%s drift_symbol=%s\n", state.Mode, state.Reason, state.DriftSymbol)
	default:
		return
	}
}

// applyToStateMachine feeds a decoded OrderIntent/OrderResult event through
// machine, surfacing execution.ErrInvalidTransition the same way Execution's
// own gateway would if the WAL replayed an ack after a terminal status.
func applyToStateMachine(machine *execution.StateMachine, tracked map[string]struct{}, t schema.EventType, payload []byte) error {
	switch t {
	case schema.EventOrderIntent:
		intent, err := schema.DecodeOrderIntent(payload)
		if err != nil {
			return fmt.Errorf("decode intent: %w", err)
		}
		tracked[intent.CorrelationID] = struct{}{}
		if _, err := machine.ApplyIntent(intent); err != nil {
			return err
		}
	case schema.EventOrderResult:
		result, err := schema.DecodeOrderResult(payload)
		if err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		tracked[result.CorrelationID] = struct{}{}
		ack := execution.VenueAck{
			ExchangeOrderID: result.ExchangeOrderID,
			Status:          result.Status,
			FilledQty:       result.FilledQty,
		}
		if result.AvgPrice != nil {
			ack.AvgPrice = *result.AvgPrice
		}
		if _, err := machine.ApplyAck(result.CorrelationID, ack); err != nil {
			return err
		}
	}
	return nil
}
