package schema

import "github.com/bytedance/sonic"

// EncodePositionDeltaEvent serializes an event for the WAL. Unlike the
// fixed-width binary layouts a fixed-point schema affords, this type
// carries decimal.Decimal fields and optional pointers, so the payload is
// JSON rather than a packed struct.
func EncodePositionDeltaEvent(event PositionDeltaEvent) ([]byte, error) {
	return sonic.ConfigFastest.Marshal(event)
}

// DecodePositionDeltaEvent parses a payload written by EncodePositionDeltaEvent.
func DecodePositionDeltaEvent(payload []byte) (PositionDeltaEvent, error) {
	var event PositionDeltaEvent
	err := sonic.ConfigFastest.Unmarshal(payload, &event)
	return event, err
}

// EncodeOrderIntent serializes an intent for the WAL.
func EncodeOrderIntent(intent OrderIntent) ([]byte, error) {
	return sonic.ConfigFastest.Marshal(intent)
}

// DecodeOrderIntent parses a payload written by EncodeOrderIntent.
func DecodeOrderIntent(payload []byte) (OrderIntent, error) {
	var intent OrderIntent
	err := sonic.ConfigFastest.Unmarshal(payload, &intent)
	return intent, err
}

// EncodeOrderResult serializes a result for the WAL.
func EncodeOrderResult(result OrderResult) ([]byte, error) {
	return sonic.ConfigFastest.Marshal(result)
}

// DecodeOrderResult parses a payload written by EncodeOrderResult.
func DecodeOrderResult(payload []byte) (OrderResult, error) {
	var result OrderResult
	err := sonic.ConfigFastest.Unmarshal(payload, &result)
	return result, err
}

// EncodeSafetyState serializes a safety transition for the WAL.
func EncodeSafetyState(state SafetyState) ([]byte, error) {
	return sonic.ConfigFastest.Marshal(state)
}

// DecodeSafetyState parses a payload written by EncodeSafetyState.
func DecodeSafetyState(payload []byte) (SafetyState, error) {
	var state SafetyState
	err := sonic.ConfigFastest.Unmarshal(payload, &state)
	return state, err
}
