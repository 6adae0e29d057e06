package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Fatal reasons: the session cannot continue and must be torn down.
	ReasonRecognitionUnavailable ReasonCode = "recognition_unavailable"
	ReasonTransportDisconnect    ReasonCode = "transport_disconnect"

	// Recovered reasons: the dialogue continues with a fallback utterance
	// or a function result the model can react to.
	ReasonGenerationTimeout ReasonCode = "generation_timeout"
	ReasonToolLoopExceeded  ReasonCode = "tool_loop_exceeded"
	ReasonSlotConflict      ReasonCode = "slot_conflict"
	ReasonBookingValidation ReasonCode = "booking_validation"

	ReasonSynthesisSend ReasonCode = "synthesis_send"
	ReasonCalendarQuery ReasonCode = "calendar_query"
	ReasonLLMStream     ReasonCode = "llm_stream"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)

// Fatal reports whether the reason always ends the session.
func Fatal(reason ReasonCode) bool {
	switch reason {
	case ReasonRecognitionUnavailable, ReasonTransportDisconnect:
		return true
	}
	return false
}
