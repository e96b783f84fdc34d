package schema

// SchemaVersion is the current event schema version. Bumped whenever a
// persisted payload shape changes in a way that is not backward compatible.
const SchemaVersion uint16 = 1

// EventType defines the category of an event recorded to the WAL and store.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventPositionDelta
	EventOrderIntent
	EventOrderResult
	EventRiskDecision
	EventSafetyTransition
	EventAudit
)

// EventHeader is the common metadata attached to every recorded event.
type EventHeader struct {
	Type    EventType
	Version uint16
	Source  uint16
	Flags   uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	TraceID uint64
}

// NewHeader builds a header stamped with the current schema version.
func NewHeader(eventType EventType, source uint16, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Source:  source,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}
